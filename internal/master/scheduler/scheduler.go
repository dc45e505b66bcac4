// Package scheduler 编排器的调度核心.
//
// 资源管理器的回调 (注册、offer、状态更新、框架消息) 全部串行处理:
// 每个回调持有 Scheduler.mu 直到处理完, 控制面的读写也走同一把锁.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"keel/internal/config"
	"keel/internal/master/inventory"
	"keel/internal/master/ledger"
	"keel/internal/master/stateproxy"
	"keel/pkg/model"
)

// Driver 调度器能对资源管理器发出的动作.
// 实现不能在这些调用里同步回调 Scheduler, 否则会死锁
type Driver interface {
	LaunchTasks(ctx context.Context, offerID string, tasks []*model.TaskSpec) error
	DeclineOffer(ctx context.Context, offerID string) error
	KillTask(ctx context.Context, taskID string) error
	// ReconcileTasks 空列表表示隐式对账 (所有任务)
	ReconcileTasks(ctx context.Context, statuses []*model.TaskStatus) error
	SendMessage(ctx context.Context, nodeID string, data []byte) error
}

// Scheduler 核心调度器结构体
type Scheduler struct {
	mu sync.Mutex

	cfg      config.SchedulerConfig
	ledger   *ledger.Ledger
	state    *stateproxy.Proxy
	nodes    *inventory.Inventory
	driver   Driver
	log      *zap.Logger
	restrict map[string]struct{}

	now func() time.Time
}

// NewScheduler 构造函数
func NewScheduler(cfg config.SchedulerConfig, l *ledger.Ledger, state *stateproxy.Proxy, driver Driver, log *zap.Logger) *Scheduler {
	s := &Scheduler{
		cfg:    cfg,
		ledger: l,
		state:  state,
		nodes:  inventory.New(),
		driver: driver,
		log:    log,
		now:    time.Now,
	}
	if len(cfg.RestrictHosts) > 0 {
		s.restrict = make(map[string]struct{}, len(cfg.RestrictHosts))
		for _, h := range cfg.RestrictHosts {
			s.restrict[h] = struct{}{}
		}
	}
	return s
}

// Registered 首次注册成功: 保存框架标识, 然后对所有任务做隐式对账
func (s *Scheduler) Registered(ctx context.Context, frameworkID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Info("storing framework id", zap.String("framework_id", frameworkID))
	s.persist(s.state.SetIdentity(ctx, frameworkID))
	s.log.Info("framework registered, reconciling")
	s.reconcile(ctx, nil)
}

func (s *Scheduler) Reregistered(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Info("framework re-registered, reconciling")
	s.reconcile(ctx, nil)
}

func (s *Scheduler) Disconnected() {
	s.log.Info("ignoring disconnected")
}

func (s *Scheduler) OfferRescinded(offerID string) {
	s.log.Info("offer rescinded", zap.String("offer", offerID))
}

// NodeLost 不删除节点状态, 该节点的任务会通过 LOST 状态更新单独通知
func (s *Scheduler) NodeLost(nodeID string) {
	s.log.Info("ignoring node lost", zap.String("node", nodeID))
}

func (s *Scheduler) ExecutorLost(nodeID string, status int) {
	s.log.Error("lost executor", zap.String("node", nodeID), zap.Int("status", status))
}

func (s *Scheduler) Error(message string) {
	s.log.Error("resource manager error", zap.String("message", message))
}

// ResourceOffers 逐个处理一批 offer
func (s *Scheduler) ResourceOffers(ctx context.Context, offers []*model.Offer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, offer := range rankOffers(offers) {
		s.handleOffer(ctx, offer)
	}
}

// StatusUpdate 处理一条任务状态报告
func (s *Scheduler) StatusUpdate(ctx context.Context, status *model.TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handleStatus(ctx, status)
}

// FrameworkMessage 目前只有 prober 的探测结果
func (s *Scheduler) FrameworkMessage(ctx context.Context, nodeID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handleProbeResponse(nodeID, data)
}

// SetTargetVersion 控制面: 设置目标版本, 返回设置后的目标版本
func (s *Scheduler) SetTargetVersion(ctx context.Context, version string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Info("setting target version",
		zap.String("from", s.state.TargetVersion()),
		zap.String("to", version))
	s.persist(s.state.SetTargetVersion(ctx, version))
	return s.state.TargetVersion()
}

// TargetVersion 控制面: 当前目标版本
func (s *Scheduler) TargetVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.TargetVersion()
}

// Snapshot 控制面: 聚合状态快照
func (s *Scheduler) Snapshot() model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes.Snapshot(s.state.State())
}

// persist 状态写回失败时不允许继续运行
func (s *Scheduler) persist(err error) {
	if err != nil {
		s.log.Fatal("could not store scheduler state", zap.Error(err))
	}
}

func (s *Scheduler) kill(ctx context.Context, taskID string) {
	if err := s.driver.KillTask(ctx, taskID); err != nil {
		s.log.Error("kill task failed", zap.String("task", taskID), zap.Error(err))
	}
}
