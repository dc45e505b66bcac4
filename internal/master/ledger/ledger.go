// Package ledger 每种服务的资源需求表. 启动时由配置计算一次, 之后只读
package ledger

import (
	"math"

	"keel/internal/config"
	"keel/pkg/model"
)

// Requirement 一种服务的资源需求和端口
type Requirement struct {
	Resources model.Resource
	RPCPort   uint16
	HTTPPort  uint16
}

// Ledger 服务种类 -> 资源需求
type Ledger struct {
	entries map[model.ServiceKind]Requirement
}

// New 根据服务配置构建资源表. 端口作为资源的一部分被预留
func New(services config.ServicesConfig) *Ledger {
	l := &Ledger{entries: make(map[model.ServiceKind]Requirement, len(model.AllKinds))}
	l.add(model.KindProber, services.Prober)
	l.add(model.KindRegistry, services.Registry)
	l.add(model.KindMetadata, services.Metadata)
	l.add(model.KindData, services.Data)
	l.add(model.KindClient, services.Client)
	l.add(model.KindAPI, services.API)
	l.add(model.KindConsole, services.Console)
	return l
}

func (l *Ledger) add(kind model.ServiceKind, task config.TaskConfig) {
	l.entries[kind] = Requirement{
		Resources: model.Resource{
			MilliCPU: int64(math.Round(task.CPU * 1000)),
			Memory:   task.Memory.MB(),
			Disk:     task.Disk.MB(),
			Ports:    model.SinglePorts(task.RPCPort, task.HTTPPort),
		},
		RPCPort:  task.RPCPort,
		HTTPPort: task.HTTPPort,
	}
}

// Get 查询某种服务的需求, 未知种类返回 false
func (l *Ledger) Get(kind model.ServiceKind) (Requirement, bool) {
	req, ok := l.entries[kind]
	return req, ok
}

// Resources Get 的简写, 未知种类返回零值
func (l *Ledger) Resources(kind model.ServiceKind) model.Resource {
	return l.entries[kind].Resources
}
