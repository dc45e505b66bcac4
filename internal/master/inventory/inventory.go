// Package inventory 调度器的内存状态表: 每个节点的 NodeState 加上
// 全集群唯一的 api / console 两个 ServiceState.
//
// Inventory 不加锁, 由 scheduler 保证串行访问.
package inventory

import (
	"sort"

	"keel/pkg/model"
)

type Inventory struct {
	nodes   map[string]*model.NodeState // hostname -> node
	api     model.ServiceState
	console model.ServiceState
}

func New() *Inventory {
	return &Inventory{nodes: make(map[string]*model.NodeState)}
}

// Node 按主机名查找
func (inv *Inventory) Node(hostname string) (*model.NodeState, bool) {
	n, ok := inv.nodes[hostname]
	return n, ok
}

// GetOrCreate 返回已有节点, 或插入一个全新的节点 (所有服务 UNKNOWN, 设备类型未验证).
// created 表示是否新建
func (inv *Inventory) GetOrCreate(hostname, nodeID string) (node *model.NodeState, created bool) {
	if n, ok := inv.nodes[hostname]; ok {
		return n, false
	}
	n := model.NewNodeState(hostname, nodeID)
	inv.nodes[hostname] = n
	return n, true
}

// NodeByID 按资源管理器分配的节点标识查找
func (inv *Inventory) NodeByID(nodeID string) (*model.NodeState, bool) {
	if nodeID == "" {
		return nil, false
	}
	for _, n := range inv.nodes {
		if n.NodeID == nodeID {
			return n, true
		}
	}
	return nil, false
}

// Service 返回某个服务种类对应的槽位. api / console 不论 node 是谁都指向全局单例.
// 未知种类返回 false, 调用方记录日志后忽略
func (inv *Inventory) Service(node *model.NodeState, kind model.ServiceKind) (*model.ServiceState, bool) {
	switch kind {
	case model.KindAPI:
		return &inv.api, true
	case model.KindConsole:
		return &inv.console, true
	}
	if node == nil {
		return nil, false
	}
	switch kind {
	case model.KindProber:
		return &node.Prober, true
	case model.KindRegistry:
		return &node.Registry, true
	case model.KindMetadata:
		return &node.Metadata, true
	case model.KindData:
		return &node.Data, true
	case model.KindClient:
		return &node.Client, true
	default:
		return nil, false
	}
}

// Singletons 全局单例服务
func (inv *Inventory) Singletons() map[model.ServiceKind]*model.ServiceState {
	return map[model.ServiceKind]*model.ServiceState{
		model.KindAPI:     &inv.api,
		model.KindConsole: &inv.console,
	}
}

// Nodes 按主机名排序
func (inv *Inventory) Nodes() []*model.NodeState {
	out := make([]*model.NodeState, 0, len(inv.nodes))
	for _, n := range inv.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

// Snapshot 深拷贝出一份聚合视图, 调用方可以在锁外使用
func (inv *Inventory) Snapshot(state model.SchedulerState) model.Snapshot {
	snap := model.Snapshot{
		Scheduler: state,
		API:       inv.api,
		Console:   inv.console,
		Nodes:     make([]model.NodeState, 0, len(inv.nodes)),
	}
	for _, n := range inv.Nodes() {
		cp := *n
		cp.DeviceTypes = model.NewDeviceSet(n.DeviceTypes.Sorted()...)
		snap.Nodes = append(snap.Nodes, cp)
	}
	return snap
}
