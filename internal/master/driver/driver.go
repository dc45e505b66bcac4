// Package driver 基于 etcd 总线的资源管理器实现.
//
// master 侧: 按节点注册信息和已下发任务生成 offer, 把任务写入节点的任务目录,
// 把 agent 上报的状态和消息转换成调度器回调. 所有回调在同一个 goroutine 里依次执行.
package driver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"keel/pkg/model"
	"keel/pkg/store"
)

// Handler 调度器需要实现的回调
type Handler interface {
	Registered(ctx context.Context, frameworkID string)
	Reregistered(ctx context.Context)
	Disconnected()
	ResourceOffers(ctx context.Context, offers []*model.Offer)
	OfferRescinded(offerID string)
	StatusUpdate(ctx context.Context, status *model.TaskStatus)
	FrameworkMessage(ctx context.Context, nodeID string, data []byte)
	NodeLost(nodeID string)
	ExecutorLost(nodeID string, status int)
	Error(message string)
}

const reconnectDelay = 2 * time.Second

type Driver struct {
	store         store.ClusterStore
	offerInterval time.Duration
	log           *zap.Logger

	handler Handler
	queue   *eventQueue

	mu       sync.Mutex
	offers   map[string]*model.Offer     // 尚未答复的 offer
	nodes    map[string]*model.AgentInfo // nodeID -> 注册信息
	tasks    map[string]*model.TaskSpec  // taskID -> 存活任务
	offerSeq uint64
	framework string
}

func New(st store.ClusterStore, offerInterval time.Duration, log *zap.Logger) *Driver {
	return &Driver{
		store:         st,
		offerInterval: offerInterval,
		log:           log,
		queue:         newEventQueue(),
		offers:        make(map[string]*model.Offer),
		nodes:         make(map[string]*model.AgentInfo),
		tasks:         make(map[string]*model.TaskSpec),
	}
}

// Run 注册框架后一直运行到 ctx 结束. frameworkID 为空时生成一个新的.
// 总线监听断开时回调 Disconnected, 重新建立后回调 Reregistered
func (d *Driver) Run(ctx context.Context, h Handler, frameworkID string) {
	d.handler = h
	if frameworkID == "" {
		frameworkID = newFrameworkID()
	}
	d.framework = frameworkID

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.dispatch(ctx)
	}()

	d.log.Info("driver started", zap.String("framework_id", frameworkID))
	d.queue.push(func() { h.Registered(ctx, frameworkID) })

	for {
		d.session(ctx)
		if ctx.Err() != nil {
			break
		}
		d.log.Warn("bus watch closed, reconnecting", zap.Duration("delay", reconnectDelay))
		d.queue.push(h.Disconnected)
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		d.queue.push(func() { h.Reregistered(ctx) })
	}

	<-done
	d.log.Info("driver stopped")
}

// dispatch 唯一执行回调的 goroutine
func (d *Driver) dispatch(ctx context.Context) {
	for {
		fn, ok := d.queue.pop(ctx)
		if !ok {
			return
		}
		fn()
	}
}

// session 读取当前总线状态并监听, 任意一个监听断开就返回
func (d *Driver) session(ctx context.Context) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.load(sessCtx); err != nil {
		d.log.Error("load bus state failed", zap.Error(err))
		d.queue.push(func() { d.handler.Error(err.Error()) })
		return
	}

	closed := make(chan struct{}, 3)
	go d.forwardNodes(sessCtx, d.store.WatchNodes(sessCtx), closed)
	go d.forwardStatuses(sessCtx, d.store.WatchStatuses(sessCtx), closed)
	go d.forwardMessages(sessCtx, d.store.WatchMessages(sessCtx, store.Outbox, ""), closed)

	ticker := time.NewTicker(d.offerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// 上一轮的 offer 还没处理完就不再生成新的
			if d.queue.len() == 0 {
				d.queue.push(func() { d.makeOffers(ctx) })
			}
		case <-closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// load 读取已注册节点和已下发任务. 节点已经不在但任务还在的, 视为丢失
func (d *Driver) load(ctx context.Context) error {
	nodes, err := d.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	tasks, _, err := d.store.ListTasks(ctx, "")
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.nodes = make(map[string]*model.AgentInfo, len(nodes))
	for _, n := range nodes {
		d.nodes[n.ID] = n
	}
	d.tasks = make(map[string]*model.TaskSpec, len(tasks))
	var orphans []*model.TaskSpec
	for _, t := range tasks {
		if _, ok := d.nodes[t.NodeID]; !ok {
			orphans = append(orphans, t)
			continue
		}
		d.tasks[t.ID] = t
	}
	d.mu.Unlock()

	for _, t := range orphans {
		d.log.Info("task on unregistered node is lost", zap.String("task", t.ID), zap.String("node", t.NodeID))
		d.lose(ctx, t.ID, t.NodeID, "node is gone")
		if _, err := d.store.DeleteTask(ctx, t.NodeID, t.ID); err != nil {
			d.log.Warn("delete orphan task failed", zap.String("task", t.ID), zap.Error(err))
		}
	}
	d.log.Info("bus state loaded", zap.Int("nodes", len(nodes)), zap.Int("tasks", len(tasks)-len(orphans)))
	return nil
}

func (d *Driver) forwardNodes(ctx context.Context, ch <-chan store.NodeEvent, closed chan<- struct{}) {
	defer func() { closed <- struct{}{} }()
	for ev := range ch {
		d.queue.push(func() { d.onNodeEvent(ctx, ev) })
	}
}

func (d *Driver) forwardStatuses(ctx context.Context, ch <-chan store.StatusEvent, closed chan<- struct{}) {
	defer func() { closed <- struct{}{} }()
	for ev := range ch {
		d.queue.push(func() { d.onStatusEvent(ctx, ev) })
	}
}

func (d *Driver) forwardMessages(ctx context.Context, ch <-chan store.MessageEvent, closed chan<- struct{}) {
	defer func() { closed <- struct{}{} }()
	for ev := range ch {
		d.queue.push(func() { d.onMessageEvent(ctx, ev) })
	}
}

func (d *Driver) onNodeEvent(ctx context.Context, ev store.NodeEvent) {
	if ev.Err != nil {
		d.handler.Error(ev.Err.Error())
		return
	}
	if ev.Type == store.EventPut {
		d.mu.Lock()
		_, known := d.nodes[ev.NodeID]
		d.nodes[ev.NodeID] = ev.Node
		d.mu.Unlock()
		if !known {
			d.log.Info("node registered", zap.String("node", ev.NodeID), zap.String("host", ev.Node.Hostname))
		}
		return
	}

	d.mu.Lock()
	delete(d.nodes, ev.NodeID)
	for id, offer := range d.offers {
		if offer.NodeID == ev.NodeID {
			delete(d.offers, id)
		}
	}
	var lost []*model.TaskSpec
	for _, t := range d.tasks {
		if t.NodeID == ev.NodeID {
			lost = append(lost, t)
		}
	}
	d.mu.Unlock()

	d.log.Info("node lost", zap.String("node", ev.NodeID), zap.Int("tasks", len(lost)))
	d.handler.NodeLost(ev.NodeID)
	for _, t := range lost {
		if t.Kind == model.KindProber {
			// prober 跑在 agent 进程里, 节点没了它也就没了
			d.handler.ExecutorLost(ev.NodeID, -1)
		}
		d.lose(ctx, t.ID, t.NodeID, "node lost")
	}
}

// onStatusEvent 终止状态释放任务占用的资源, 然后交给调度器
func (d *Driver) onStatusEvent(ctx context.Context, ev store.StatusEvent) {
	if ev.Err != nil {
		d.handler.Error(ev.Err.Error())
		return
	}
	status := ev.Status
	if status.State.IsTerminal() {
		d.release(ctx, status.TaskID, status.NodeID)
	}
	d.handler.StatusUpdate(ctx, status)
}

func (d *Driver) onMessageEvent(ctx context.Context, ev store.MessageEvent) {
	if ev.Err != nil {
		d.handler.Error(ev.Err.Error())
		return
	}
	d.handler.FrameworkMessage(ctx, ev.NodeID, ev.Data)
	if err := d.store.DeleteMessage(ctx, ev.Key); err != nil {
		d.log.Warn("delete delivered message failed", zap.String("key", ev.Key), zap.Error(err))
	}
}

// release 删除已结束任务的任务 key
func (d *Driver) release(ctx context.Context, taskID, nodeID string) {
	d.mu.Lock()
	task, ok := d.tasks[taskID]
	if ok {
		delete(d.tasks, taskID)
		nodeID = task.NodeID
	}
	d.mu.Unlock()
	if nodeID == "" {
		return
	}
	if _, err := d.store.DeleteTask(ctx, nodeID, taskID); err != nil {
		d.log.Warn("delete finished task failed", zap.String("task", taskID), zap.Error(err))
	}
}

// lose 写入一条 LOST 状态, 通过状态监听回到调度器
func (d *Driver) lose(ctx context.Context, taskID, nodeID, message string) {
	status := &model.TaskStatus{
		TaskID:    taskID,
		NodeID:    nodeID,
		State:     model.TaskLost,
		Message:   message,
		Timestamp: time.Now(),
	}
	if err := d.store.PutStatus(ctx, status); err != nil {
		d.log.Error("put lost status failed", zap.String("task", taskID), zap.Error(err))
	}
}

func newFrameworkID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "keel-" + time.Now().UTC().Format("20060102150405")
	}
	return "keel-" + hex.EncodeToString(b)
}
