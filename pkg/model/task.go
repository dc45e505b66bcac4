package model

import (
	"strings"
	"time"
)

// TaskIDSeparator 任务 ID 约定: "<角色>-<主机名>"
const TaskIDSeparator = "-"

// VersionLabel TaskSpec / TaskStatus 上携带镜像版本的 label
const VersionLabel = "docker_image_version"

// TaskID 结构化的任务标识
type TaskID struct {
	Kind     ServiceKind
	Role     string // 原始角色名, Kind 未知时用于日志
	Hostname string
}

func (t TaskID) String() string {
	return t.Role + TaskIDSeparator + t.Hostname
}

// FormatTaskID 生成确定性的任务 ID
func FormatTaskID(kind ServiceKind, hostname string) string {
	return kind.String() + TaskIDSeparator + hostname
}

// ParseTaskID 解析任务 ID.
// 先按已知角色前缀匹配, 因此主机名里带 "-" 也能正确解析;
// 前缀都不匹配时退回到最后一个 "-" 切分, Kind 为 KindUnknown.
// 完全无法切分 (没有分隔符或某一侧为空) 返回 false
func ParseTaskID(id string) (TaskID, bool) {
	for _, kind := range AllKinds {
		prefix := kind.String() + TaskIDSeparator
		if strings.HasPrefix(id, prefix) && len(id) > len(prefix) {
			return TaskID{Kind: kind, Role: kind.String(), Hostname: id[len(prefix):]}, true
		}
	}
	pos := strings.LastIndex(id, TaskIDSeparator)
	if pos <= 0 || pos == len(id)-1 {
		return TaskID{}, false
	}
	return TaskID{Kind: KindUnknown, Role: id[:pos], Hostname: id[pos+1:]}, true
}

// TaskState 资源管理器上报的任务状态
type TaskState string

const (
	TaskStaging  TaskState = "TASK_STAGING"
	TaskStarting TaskState = "TASK_STARTING"
	TaskRunning  TaskState = "TASK_RUNNING"
	TaskFinished TaskState = "TASK_FINISHED"
	TaskFailed   TaskState = "TASK_FAILED"
	TaskKilled   TaskState = "TASK_KILLED"
	TaskLost     TaskState = "TASK_LOST"
	TaskError    TaskState = "TASK_ERROR"
)

// IsTerminal 任务已经结束
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskFinished, TaskFailed, TaskKilled, TaskLost, TaskError:
		return true
	default:
		return false
	}
}

// TaskStatus 资源管理器的一条状态报告 (也用作对账请求的桩)
type TaskStatus struct {
	TaskID    string            `json:"task_id"`
	NodeID    string            `json:"node_id,omitempty"`
	State     TaskState         `json:"state"`
	Message   string            `json:"message,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Version 从 label 中取出镜像版本
func (s *TaskStatus) Version() (string, bool) {
	v, ok := s.Labels[VersionLabel]
	return v, ok
}

// PortMapping 容器端口映射
type PortMapping struct {
	HostPort      uint16 `json:"host_port"`
	ContainerPort uint16 `json:"container_port"`
	Protocol      string `json:"protocol"`
}

// Volume 宿主机目录挂载
type Volume struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only"`
}

// TaskSpec 一次任务下发请求
type TaskSpec struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Kind     ServiceKind `json:"kind"`
	NodeID   string      `json:"node_id"`
	Hostname string      `json:"hostname"`

	Resources Resource `json:"resources"`

	// 容器规格, prober 由 agent 进程内托管, 不需要镜像
	Image      string            `json:"image,omitempty"`
	Command    []string          `json:"command,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Ports      []PortMapping     `json:"ports,omitempty"`
	Volumes    []Volume          `json:"volumes,omitempty"`
	Privileged bool              `json:"privileged"`

	Labels map[string]string `json:"labels,omitempty"`
}

// Version 下发时的目标版本
func (t *TaskSpec) Version() string {
	return t.Labels[VersionLabel]
}

// Offer 资源管理器提供的一份节点空闲资源
type Offer struct {
	ID        string   `json:"id"`
	NodeID    string   `json:"node_id"`
	Hostname  string   `json:"hostname"`
	Resources Resource `json:"resources"`
	Roles     []string `json:"roles,omitempty"`
}

// HasRole offer 是否属于某个资源角色
func (o *Offer) HasRole(role string) bool {
	for _, r := range o.Roles {
		if r == role {
			return true
		}
	}
	return false
}
