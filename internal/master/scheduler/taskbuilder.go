package scheduler

import (
	"strconv"

	"keel/pkg/model"
)

const (
	devicesMountPath = "/devices"
	registrySRV      = "_keel-registry._tcp.keel"
)

// buildTask 生成下发给资源管理器的任务. prober 由 agent 进程内托管, 只需要 ID 和资源;
// 其他服务都跑在容器里, 镜像 tag 即目标版本
func (s *Scheduler) buildTask(kind model.ServiceKind, hostname, nodeID, target string) *model.TaskSpec {
	req, _ := s.ledger.Get(kind)
	task := &model.TaskSpec{
		ID:        model.FormatTaskID(kind, hostname),
		Name:      "keel-" + kind.String(),
		Kind:      kind,
		NodeID:    nodeID,
		Hostname:  hostname,
		Resources: req.Resources,
	}
	if kind == model.KindProber {
		return task
	}

	task.Image = s.cfg.DockerImage + ":" + target
	task.Privileged = true
	task.Labels = map[string]string{model.VersionLabel: target}
	task.Env = map[string]string{
		"KEEL_SERVICE":  kind.String(),
		"KEEL_REGISTRY": registrySRV + "." + s.cfg.DNSDomain,
	}
	if req.RPCPort != 0 {
		task.Env["KEEL_RPC_PORT"] = strconv.Itoa(int(req.RPCPort))
		task.Ports = append(task.Ports,
			model.PortMapping{HostPort: req.RPCPort, ContainerPort: req.RPCPort, Protocol: "tcp"},
			model.PortMapping{HostPort: req.RPCPort, ContainerPort: req.RPCPort, Protocol: "udp"})
	}
	if req.HTTPPort != 0 {
		task.Env["KEEL_HTTP_PORT"] = strconv.Itoa(int(req.HTTPPort))
		task.Ports = append(task.Ports,
			model.PortMapping{HostPort: req.HTTPPort, ContainerPort: req.HTTPPort, Protocol: "tcp"})
	}
	if s.cfg.DeviceDirectory != "" {
		task.Volumes = []model.Volume{{HostPath: s.cfg.DeviceDirectory, ContainerPath: devicesMountPath}}
	}
	return task
}
