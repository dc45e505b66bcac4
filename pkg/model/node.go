package model

import (
	"encoding/json"
	"sort"
	"time"
)

// DeviceType 节点本地存储设备能承担的角色 (由 prober 探测)
type DeviceType int

const (
	DeviceUnknown DeviceType = iota
	DeviceRegistry
	DeviceMetadata
	DeviceData
	DeviceClient
)

var deviceNames = map[DeviceType]string{
	DeviceUnknown:  "UNKNOWN",
	DeviceRegistry: "REGISTRY",
	DeviceMetadata: "METADATA",
	DeviceData:     "DATA",
	DeviceClient:   "CLIENT",
}

func (d DeviceType) String() string {
	return deviceNames[d]
}

func (d DeviceType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DeviceType) UnmarshalText(text []byte) error {
	for k, v := range deviceNames {
		if v == string(text) {
			*d = k
			return nil
		}
	}
	*d = DeviceUnknown
	return nil
}

// DeviceSet 设备类型集合
type DeviceSet map[DeviceType]struct{}

func NewDeviceSet(types ...DeviceType) DeviceSet {
	set := make(DeviceSet, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}

func (s DeviceSet) Has(t DeviceType) bool {
	_, ok := s[t]
	return ok
}

// Sorted 按枚举顺序返回 (REGISTRY, METADATA, DATA ...), 保证放置顺序稳定
func (s DeviceSet) Sorted() []DeviceType {
	out := make([]DeviceType, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s DeviceSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *DeviceSet) UnmarshalJSON(data []byte) error {
	var types []DeviceType
	if err := json.Unmarshal(data, &types); err != nil {
		return err
	}
	*s = NewDeviceSet(types...)
	return nil
}

// NodeState 调度器对一个节点的全部认知. 只在内存中, 重启后通过对账恢复
type NodeState struct {
	Hostname string `json:"hostname"`
	NodeID   string `json:"node_id"` // 资源管理器分配的节点标识

	DeviceTypes        DeviceSet `json:"device_types"`
	DeviceTypesValid   bool      `json:"device_types_valid"` // 收到过至少一次探测结果
	ClientMountPresent bool      `json:"client_mount_present"`

	Prober   ServiceState `json:"prober"`
	Registry ServiceState `json:"registry"`
	Metadata ServiceState `json:"metadata"`
	Data     ServiceState `json:"data"`
	Client   ServiceState `json:"client"`

	LastProbe time.Time `json:"last_probe"`
}

// NewNodeState 新节点: 所有服务 UNKNOWN, 设备类型未验证
func NewNodeState(hostname, nodeID string) *NodeState {
	return &NodeState{
		Hostname:    hostname,
		NodeID:      nodeID,
		DeviceTypes: NewDeviceSet(),
	}
}

// NodeStatus Worker 节点健康状态
type NodeStatus string

const (
	NodeReady   NodeStatus = "READY"
	NodeOffline NodeStatus = "OFFLINE" // 租约过期
)

// AgentInfo Worker 在 etcd 上注册的节点信息, 资源管理器据此生成 offer
type AgentInfo struct {
	ID       string `json:"id"`       // 每次 agent 启动生成, 相当于资源管理器分配的节点标识
	Hostname string `json:"hostname"` // offer 里带的主机名
	IP       string `json:"ip"`
	Version  string `json:"version"`

	TotalCap Resource `json:"total_cap"`
	Roles    []string `json:"roles,omitempty"` // 资源所属角色, 例如 public

	Status        NodeStatus `json:"status"`
	LastHeartbeat int64      `json:"last_heartbeat"` // Unix 时间戳
}
