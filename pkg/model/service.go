package model

import "time"

// ServiceKind 服务种类 (封闭枚举)
type ServiceKind int

const (
	KindUnknown ServiceKind = iota
	KindProber
	KindRegistry
	KindMetadata
	KindData
	KindClient
	KindAPI
	KindConsole
)

// AllKinds 所有已知的服务种类, 顺序即对账时的任务 ID 顺序
var AllKinds = []ServiceKind{
	KindProber,
	KindRegistry,
	KindMetadata,
	KindData,
	KindClient,
	KindAPI,
	KindConsole,
}

var kindNames = map[ServiceKind]string{
	KindProber:   "device-prober",
	KindRegistry: "registry",
	KindMetadata: "metadata",
	KindData:     "data",
	KindClient:   "client",
	KindAPI:      "api",
	KindConsole:  "console",
}

// String 返回任务 ID 中使用的角色名
func (k ServiceKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind 角色名 -> ServiceKind, 未知返回 KindUnknown
func ParseKind(name string) ServiceKind {
	for kind, n := range kindNames {
		if n == name {
			return kind
		}
	}
	return KindUnknown
}

// IsSingleton api / console 全集群只跑一个
func (k ServiceKind) IsSingleton() bool {
	return k == KindAPI || k == KindConsole
}

// DeviceType 该服务依赖的本地设备类型, 非设备类服务返回 false
func (k ServiceKind) DeviceType() (DeviceType, bool) {
	switch k {
	case KindRegistry:
		return DeviceRegistry, true
	case KindMetadata:
		return DeviceMetadata, true
	case KindData:
		return DeviceData, true
	default:
		return DeviceUnknown, false
	}
}

func (k ServiceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ServiceKind) UnmarshalText(text []byte) error {
	*k = ParseKind(string(text))
	return nil
}

// Lifecycle 调度器眼中服务的状态
type Lifecycle int

const (
	LifecycleUnknown Lifecycle = iota // 等待对账
	LifecycleStarting                 // 已下发, 未收到运行报告
	LifecycleRunning
	LifecycleNotRunning
)

var lifecycleNames = map[Lifecycle]string{
	LifecycleUnknown:    "UNKNOWN",
	LifecycleStarting:   "STARTING",
	LifecycleRunning:    "RUNNING",
	LifecycleNotRunning: "NOT_RUNNING",
}

func (l Lifecycle) String() string {
	return lifecycleNames[l]
}

func (l Lifecycle) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Lifecycle) UnmarshalText(text []byte) error {
	for k, v := range lifecycleNames {
		if v == string(text) {
			*l = k
			return nil
		}
	}
	*l = LifecycleUnknown
	return nil
}

// ServiceState 一个 (节点, 服务) 槽位的期望/实际状态
// 同一时刻最多绑定一个 TaskID
type ServiceState struct {
	Lifecycle   Lifecycle `json:"lifecycle"`
	TaskID      string    `json:"task_id,omitempty"`
	LastUpdate  time.Time `json:"last_update"`
	LastSeen    time.Time `json:"last_seen"`
	LastMessage string    `json:"last_message,omitempty"`
}

// Bound 槽位是否已绑定任务
func (s *ServiceState) Bound() bool {
	return s.TaskID != ""
}

// Owns 报告的任务是否可以写这个槽位: 已绑定同一 ID, 或者尚未绑定
func (s *ServiceState) Owns(taskID string) bool {
	return s.TaskID == "" || s.TaskID == taskID
}

// Active 正在运行或正在启动
func (s *ServiceState) Active() bool {
	return s.Lifecycle == LifecycleRunning || s.Lifecycle == LifecycleStarting
}
