package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"keel/pkg/model"
	"keel/pkg/probe"
)

// handleStatus 根据状态报告更新槽位, 必要时 kill
func (s *Scheduler) handleStatus(ctx context.Context, status *model.TaskStatus) {
	log := s.log.With(zap.String("task", status.TaskID), zap.String("state", string(status.State)))
	log.Debug("status update", zap.String("message", status.Message))

	id, ok := model.ParseTaskID(status.TaskID)
	if !ok {
		log.Info("ignoring unparseable task id")
		return
	}

	node, created := s.nodes.GetOrCreate(id.Hostname, status.NodeID)
	if created {
		log.Info("node learned from status update", zap.String("host", id.Hostname))
	}

	slot, ok := s.nodes.Service(node, id.Kind)
	if !ok {
		log.Error("unknown service", zap.String("service", id.Role))
		return
	}

	now := s.now()
	switch {
	case status.State == model.TaskRunning || status.State == model.TaskFinished:
		if reason := s.shouldNotRun(node, id.Kind, slot, status.TaskID); reason != "" {
			log.Info("service is no longer needed, killing", zap.String("reason", reason))
			s.kill(ctx, status.TaskID)
			return
		}
		if !slot.Owns(status.TaskID) {
			log.Info("ignoring status for unbound task", zap.String("bound", slot.TaskID))
			return
		}
		slot.Lifecycle = model.LifecycleRunning
		slot.TaskID = status.TaskID
		slot.LastUpdate = now
		slot.LastSeen = now
		slot.LastMessage = status.Message

	case status.State.IsTerminal():
		if !slot.Owns(status.TaskID) {
			log.Info("ignoring status for unbound task", zap.String("bound", slot.TaskID))
			return
		}
		slot.Lifecycle = model.LifecycleNotRunning
		slot.TaskID = ""
		slot.LastUpdate = now
		slot.LastMessage = status.Message

	default:
		// STAGING / STARTING
		if !slot.Owns(status.TaskID) {
			log.Info("ignoring status for unbound task", zap.String("bound", slot.TaskID))
			return
		}
		if slot.Lifecycle != model.LifecycleRunning {
			slot.Lifecycle = model.LifecycleStarting
		}
		slot.TaskID = status.TaskID
		slot.LastUpdate = now
		slot.LastMessage = status.Message
	}

	// 版本检查只针对服务, 不针对 prober 和已结束的任务
	if id.Kind == model.KindProber || status.State.IsTerminal() {
		return
	}
	s.checkVersion(ctx, status, slot)
}

// shouldNotRun 返回非空原因表示这个任务不该运行
func (s *Scheduler) shouldNotRun(node *model.NodeState, kind model.ServiceKind, slot *model.ServiceState, taskID string) string {
	if kind.IsSingleton() && slot.Bound() && slot.TaskID != taskID && slot.Active() {
		return fmt.Sprintf("redundant %s instance, %s is already active", kind, slot.TaskID)
	}
	if !node.DeviceTypesValid {
		return ""
	}
	if dev, ok := kind.DeviceType(); ok && !node.DeviceTypes.Has(dev) {
		return fmt.Sprintf("device type %s not present on %s", dev, node.Hostname)
	}
	if kind == model.KindClient && !node.ClientMountPresent {
		return fmt.Sprintf("no client mount point on %s", node.Hostname)
	}
	return ""
}

// checkVersion 目标版本为空时 kill; 版本不一致只记录需要重启, 不主动 kill
func (s *Scheduler) checkVersion(ctx context.Context, status *model.TaskStatus, slot *model.ServiceState) {
	target := s.state.TargetVersion()
	if target == "" {
		s.log.Info("shut down requested, killing", zap.String("task", status.TaskID))
		s.kill(ctx, status.TaskID)
		return
	}

	version, ok := status.Version()
	if !ok || version == target {
		return
	}
	change := versionChange(target, version)
	s.log.Info("version mismatch, restart required",
		zap.String("task", status.TaskID),
		zap.String("target", target),
		zap.String("actual", version),
		zap.String("change", change))
	if slot.TaskID == status.TaskID {
		slot.LastMessage = fmt.Sprintf("version mismatch (target: %s, actual: %s, %s), restart required", target, version, change)
	}
}

// handleProbeResponse 用探测结果替换节点的设备类型, 同时说明 prober 还活着
func (s *Scheduler) handleProbeResponse(nodeID string, data []byte) {
	node, ok := s.nodes.NodeByID(nodeID)
	if !ok {
		s.log.Info("message from unknown node", zap.String("node", nodeID))
		return
	}

	var resp probe.Response
	if err := resp.Unmarshal(data); err != nil {
		s.log.Error("bad probe response", zap.String("node", nodeID), zap.Error(err))
		return
	}

	node.DeviceTypes = resp.Devices()
	node.DeviceTypesValid = true
	node.ClientMountPresent = resp.ClientMountPoint
	node.Prober.LastSeen = s.now()
	s.log.Info("message from prober",
		zap.String("host", node.Hostname),
		zap.Any("device_types", node.DeviceTypes.Sorted()),
		zap.Bool("client_mount_point", resp.ClientMountPoint))
}
