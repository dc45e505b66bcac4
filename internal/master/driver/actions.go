package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"keel/pkg/model"
	"keel/pkg/store"
)

// ErrUnknownOffer offer 已被撤回或已答复
var ErrUnknownOffer = errors.New("driver: unknown offer")

// LaunchTasks 把任务写到 offer 所属节点的任务目录. offer 无效或资源不够时,
// 这些任务会收到 LOST / ERROR 状态
func (d *Driver) LaunchTasks(ctx context.Context, offerID string, tasks []*model.TaskSpec) error {
	d.mu.Lock()
	offer, ok := d.offers[offerID]
	delete(d.offers, offerID)
	d.mu.Unlock()

	if !ok {
		d.failTasks(ctx, tasks, model.TaskLost, "offer "+offerID+" is no longer valid")
		return errors.Wrapf(ErrUnknownOffer, "launch on %s", offerID)
	}
	need := totalResources(tasks)
	if !offer.Resources.Contains(need) {
		d.failTasks(ctx, tasks, model.TaskError, fmt.Sprintf("tasks need %s, offer has %s", need, offer.Resources))
		return errors.Errorf("launch on %s: insufficient offer resources", offerID)
	}

	var errs error
	for _, task := range tasks {
		task.NodeID = offer.NodeID
		task.Hostname = offer.Hostname
		if err := d.store.PutTask(ctx, task); err != nil {
			errs = multierr.Append(errs, err)
			d.failTasks(ctx, []*model.TaskSpec{task}, model.TaskError, err.Error())
			continue
		}
		d.mu.Lock()
		d.tasks[task.ID] = task
		d.mu.Unlock()

		staging := &model.TaskStatus{
			TaskID:    task.ID,
			NodeID:    task.NodeID,
			State:     model.TaskStaging,
			Labels:    task.Labels,
			Timestamp: time.Now(),
		}
		if err := d.store.PutStatus(ctx, staging); err != nil {
			errs = multierr.Append(errs, err)
		}
		d.log.Info("task launched",
			zap.String("task", task.ID),
			zap.String("node", task.NodeID),
			zap.String("image", task.Image))
	}
	return errs
}

// failTasks 不落盘, 直接排队回调调度器. 同 ID 的任务可能还在运行, 不能覆盖它的状态
func (d *Driver) failTasks(ctx context.Context, tasks []*model.TaskSpec, state model.TaskState, message string) {
	for _, task := range tasks {
		status := &model.TaskStatus{
			TaskID:    task.ID,
			NodeID:    task.NodeID,
			State:     state,
			Message:   message,
			Timestamp: time.Now(),
		}
		d.queue.push(func() { d.handler.StatusUpdate(ctx, status) })
	}
}

func (d *Driver) DeclineOffer(ctx context.Context, offerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.offers[offerID]; !ok {
		return errors.Wrapf(ErrUnknownOffer, "decline %s", offerID)
	}
	delete(d.offers, offerID)
	return nil
}

// KillTask 删除任务 key, agent 停掉容器后上报 KILLED.
// 不认识的任务如果还留着未结束的状态, 补一条 LOST
func (d *Driver) KillTask(ctx context.Context, taskID string) error {
	d.mu.Lock()
	task, ok := d.tasks[taskID]
	d.mu.Unlock()

	if ok {
		if _, err := d.store.DeleteTask(ctx, task.NodeID, taskID); err != nil {
			return err
		}
		d.log.Info("kill requested", zap.String("task", taskID), zap.String("node", task.NodeID))
		return nil
	}

	status, err := d.store.GetStatus(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !status.State.IsTerminal() {
		d.lose(ctx, taskID, status.NodeID, "killed unknown task")
	}
	return nil
}

// ReconcileTasks 异步回报任务的最新状态. 空列表回报所有已知状态,
// 否则逐个回报, 没有记录的任务回报 LOST
func (d *Driver) ReconcileTasks(ctx context.Context, statuses []*model.TaskStatus) error {
	stubs := append([]*model.TaskStatus(nil), statuses...)
	d.queue.push(func() { d.reconcile(ctx, stubs) })
	return nil
}

func (d *Driver) reconcile(ctx context.Context, stubs []*model.TaskStatus) {
	if len(stubs) == 0 {
		all, err := d.store.ListStatuses(ctx)
		if err != nil {
			d.handler.Error(err.Error())
			return
		}
		d.log.Info("implicit reconciliation", zap.Int("tasks", len(all)))
		for _, status := range all {
			d.handler.StatusUpdate(ctx, status)
		}
		return
	}

	for _, stub := range stubs {
		status, err := d.store.GetStatus(ctx, stub.TaskID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			status = &model.TaskStatus{
				TaskID:    stub.TaskID,
				NodeID:    stub.NodeID,
				State:     model.TaskLost,
				Message:   "reconciliation: task is unknown",
				Timestamp: time.Now(),
			}
		case err != nil:
			d.handler.Error(err.Error())
			continue
		}
		d.handler.StatusUpdate(ctx, status)
	}
}

// SendMessage 写入节点收件箱
func (d *Driver) SendMessage(ctx context.Context, nodeID string, data []byte) error {
	if nodeID == "" {
		return errors.New("send message: empty node id")
	}
	return d.store.PutMessage(ctx, store.Inbox, nodeID, data)
}
