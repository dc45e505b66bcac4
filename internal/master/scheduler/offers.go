package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"keel/pkg/model"
	"keel/pkg/probe"
)

// singletons 全集群各一个, 在节点服务之前放置
var singletons = []model.ServiceKind{model.KindAPI, model.KindConsole}

// deviceKinds 设备类型 -> 服务
var deviceKinds = map[model.DeviceType]model.ServiceKind{
	model.DeviceRegistry: model.KindRegistry,
	model.DeviceMetadata: model.KindMetadata,
	model.DeviceData:     model.KindData,
}

// handleOffer 对一份 offer 要么整体接受 (launch), 要么整体拒绝
func (s *Scheduler) handleOffer(ctx context.Context, offer *model.Offer) {
	tasks := s.matchOffer(ctx, offer)
	if len(tasks) == 0 {
		if err := s.driver.DeclineOffer(ctx, offer.ID); err != nil {
			s.log.Error("decline offer failed", zap.String("offer", offer.ID), zap.Error(err))
		}
		return
	}
	if err := s.driver.LaunchTasks(ctx, offer.ID, tasks); err != nil {
		s.log.Error("launch tasks failed",
			zap.String("offer", offer.ID),
			zap.String("host", offer.Hostname),
			zap.Error(err))
	}
}

// matchOffer 按固定顺序执行调度策略, 返回要启动的任务. 返回空表示拒绝该 offer
func (s *Scheduler) matchOffer(ctx context.Context, offer *model.Offer) []*model.TaskSpec {
	log := s.log.With(zap.String("host", offer.Hostname), zap.String("offer", offer.ID))

	// Step 1: 主机白名单
	if !s.hostAllowed(offer.Hostname) {
		log.Info("ignoring host")
		return nil
	}

	// Step 2: 新节点先对账, 下一份 offer 再调度
	node, ok := s.nodes.Node(offer.Hostname)
	if !ok {
		node, _ = s.nodes.GetOrCreate(offer.Hostname, offer.NodeID)
		log.Info("new node, reconciling", zap.String("node", offer.NodeID))
		s.reconcileNode(ctx, node)
		return nil
	}
	if offer.NodeID != "" && node.NodeID != offer.NodeID {
		log.Info("node identity changed, reconciling",
			zap.String("old", node.NodeID),
			zap.String("new", offer.NodeID))
		node.NodeID = offer.NodeID
		s.reconcileNode(ctx, node)
		return nil
	}

	now := s.now()

	// Step 3: prober 存活检查, 启动 prober 时本轮不调度其他服务
	if now.Sub(node.Prober.LastSeen) > s.cfg.ProberKeepalive && !node.Prober.Active() {
		if s.fits(offer, model.KindProber, offer.Resources) {
			log.Info("starting prober")
			return []*model.TaskSpec{s.place(node, model.KindProber, &node.Prober, offer, "")}
		}
		log.Error("not enough resources for prober", zap.Stringer("offer_resources", offer.Resources))
	}

	// Step 4: 周期性触发设备探测, 同时重新对账
	if node.Prober.Lifecycle == model.LifecycleRunning && now.Sub(node.LastProbe) > s.cfg.ProbeInterval {
		log.Info("triggering discovery")
		node.LastProbe = now
		s.sendProbe(ctx, node)
		s.reconcileNode(ctx, node)
		return nil
	}

	// Step 5: 没有目标版本, 关停所有服务
	target := s.state.TargetVersion()
	if target == "" {
		s.tearDown(ctx, node)
		return nil
	}

	// Step 6: 放置服务
	return s.placeServices(node, offer, target)
}

// placeServices 从 offer 的全部资源开始, 每放置一个服务就扣除它的资源.
// 某个服务资源不够只影响它自己, 后面的服务照常检查
func (s *Scheduler) placeServices(node *model.NodeState, offer *model.Offer, target string) []*model.TaskSpec {
	var tasks []*model.TaskSpec
	remaining := offer.Resources

	try := func(kind model.ServiceKind, slot *model.ServiceState, record bool) {
		if !startable(slot) {
			return
		}
		if !s.fits(offer, kind, remaining) {
			if record {
				msg := fmt.Sprintf("Could not start %s: insufficient resources", kind)
				slot.LastMessage = msg
				s.log.Error(msg, zap.String("host", offer.Hostname), zap.Stringer("offer_resources", offer.Resources))
			}
			return
		}
		s.log.Info("starting service", zap.String("host", offer.Hostname), zap.Stringer("service", kind))
		tasks = append(tasks, s.place(node, kind, slot, offer, target))
		remaining = remaining.Sub(s.ledger.Resources(kind))
	}

	for _, kind := range singletons {
		if s.cfg.PublicRole != "" && !offer.HasRole(s.cfg.PublicRole) {
			break
		}
		slot, _ := s.nodes.Service(node, kind)
		try(kind, slot, false)
	}

	if node.ClientMountPresent {
		try(model.KindClient, &node.Client, true)
	}

	for _, dev := range node.DeviceTypes.Sorted() {
		kind, ok := deviceKinds[dev]
		if !ok {
			continue
		}
		slot, _ := s.nodes.Service(node, kind)
		try(kind, slot, true)
	}
	return tasks
}

// startable 只有确认没在运行的服务才启动. UNKNOWN 表示还在等对账结果
func startable(slot *model.ServiceState) bool {
	return slot.Lifecycle == model.LifecycleNotRunning
}

// place 生成任务并把槽位标记为 STARTING, 绑定确定性的任务 ID
func (s *Scheduler) place(node *model.NodeState, kind model.ServiceKind, slot *model.ServiceState, offer *model.Offer, target string) *model.TaskSpec {
	task := s.buildTask(kind, node.Hostname, offer.NodeID, target)
	slot.Lifecycle = model.LifecycleStarting
	slot.TaskID = task.ID
	slot.LastUpdate = s.now()
	return task
}

// tearDown 目标版本为空: 对本节点以及单例中所有 RUNNING 的任务发 kill. 重复 kill 无害
func (s *Scheduler) tearDown(ctx context.Context, node *model.NodeState) {
	for _, kind := range model.AllKinds {
		if kind == model.KindProber {
			continue
		}
		slot, ok := s.nodes.Service(node, kind)
		if !ok || slot.Lifecycle != model.LifecycleRunning || !slot.Bound() {
			continue
		}
		s.log.Info("shutting down", zap.String("task", slot.TaskID))
		s.kill(ctx, slot.TaskID)
	}
}

func (s *Scheduler) sendProbe(ctx context.Context, node *model.NodeState) {
	req := probe.Request{
		InitializePath:  s.cfg.InitializePath,
		ClientDirectory: s.cfg.ClientDirectory,
	}
	if err := s.driver.SendMessage(ctx, node.NodeID, req.Marshal()); err != nil {
		s.log.Error("send probe request failed", zap.String("host", node.Hostname), zap.Error(err))
	}
}
