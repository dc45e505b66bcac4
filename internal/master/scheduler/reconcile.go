package scheduler

import (
	"context"

	"go.uber.org/zap"

	"keel/pkg/model"
)

// reconcileNode 为节点上所有可能存在的任务 ID 构造 LOST 状态桩, 让资源管理器报告真实状态.
// 调度器重启后不知道哪些任务在跑, 靠这个恢复
func (s *Scheduler) reconcileNode(ctx context.Context, node *model.NodeState) {
	statuses := make([]*model.TaskStatus, 0, len(model.AllKinds))
	for _, kind := range model.AllKinds {
		statuses = append(statuses, &model.TaskStatus{
			TaskID: model.FormatTaskID(kind, node.Hostname),
			NodeID: node.NodeID,
			State:  model.TaskLost,
		})
	}
	s.reconcile(ctx, statuses)
}

func (s *Scheduler) reconcile(ctx context.Context, statuses []*model.TaskStatus) {
	if err := s.driver.ReconcileTasks(ctx, statuses); err != nil {
		s.log.Error("reconcile failed", zap.Int("tasks", len(statuses)), zap.Error(err))
	}
}
