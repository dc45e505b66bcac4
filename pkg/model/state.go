package model

// SchedulerState 唯一需要跨重启保存的状态
type SchedulerState struct {
	FrameworkID   string `cbor:"framework_id,omitempty" json:"framework_id"`
	TargetVersion string `cbor:"target_version,omitempty" json:"target_version"` // 为空表示全部下线
}

// Snapshot 控制面读取的聚合视图
type Snapshot struct {
	Scheduler SchedulerState `json:"scheduler"`
	API       ServiceState   `json:"api"`
	Console   ServiceState   `json:"console"`
	Nodes     []NodeState    `json:"nodes"`
}
