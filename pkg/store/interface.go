package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"keel/pkg/model"
)

var (
	// ErrConflict compare-and-store 时版本不一致 (有其他写者)
	ErrConflict = errors.New("store: version conflict")
	// ErrNotFound key 不存在
	ErrNotFound = errors.New("store: not found")
)

// Variable 带版本的不透明数据块. Version == 0 表示尚不存在
type Variable struct {
	Key     string
	Value   []byte
	Version int64
}

// Mutate 返回一个新值、同版本的 Variable, 交给 Store 做比较写入
func (v *Variable) Mutate(value []byte) *Variable {
	return &Variable{Key: v.Key, Value: value, Version: v.Version}
}

// VariableStore 持久化调度器状态所需的最小接口: fetch + compare-and-store
type VariableStore interface {
	// Fetch 读取 key, 不存在时返回 Version 为 0 的空 Variable
	Fetch(ctx context.Context, key string) (*Variable, error)

	// Store 仅当存储中的版本等于 v.Version 时写入, 否则返回 ErrConflict.
	// 成功时返回带新版本号的 Variable
	Store(ctx context.Context, v *Variable) (*Variable, error)

	Close() error
}

// LeaseID 节点注册租约
type LeaseID int64

// EventType 监听事件类型
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

// NodeEvent 节点注册/下线
type NodeEvent struct {
	Type   EventType
	NodeID string
	Node   *model.AgentInfo // Delete 时为 nil
	Err    error
}

// TaskEvent 下发给某个节点的任务. Delete 即 kill
type TaskEvent struct {
	Type   EventType
	NodeID string
	TaskID string
	Task   *model.TaskSpec // Delete 时为 nil
	Err    error
}

// StatusEvent 任务状态报告
type StatusEvent struct {
	Status *model.TaskStatus
	Err    error
}

// Box 消息方向
type Box string

const (
	Inbox  Box = "inbox"  // master -> agent
	Outbox Box = "outbox" // agent -> master
)

// MessageEvent 一条框架消息 (probe 请求/响应)
type MessageEvent struct {
	Key    string
	NodeID string
	Data   []byte
	Err    error
}

// ClusterStore 资源管理器总线: master 与 agent 通过它交换节点、任务、状态和消息
type ClusterStore interface {
	// --- Node 相关 ---

	// RegisterNode 用带 TTL 的租约注册节点 (Worker 启动时调用)
	RegisterNode(ctx context.Context, node *model.AgentInfo, ttl time.Duration) (LeaseID, error)
	// RefreshNode 续约并刷新节点信息 (心跳)
	RefreshNode(ctx context.Context, node *model.AgentInfo, lease LeaseID) error
	// ListNodes 获取所有存活节点 (生成 offer 时调用)
	ListNodes(ctx context.Context) ([]*model.AgentInfo, error)
	WatchNodes(ctx context.Context) <-chan NodeEvent

	// --- Task 相关 ---

	PutTask(ctx context.Context, task *model.TaskSpec) error
	// DeleteTask 删除任务 key, 返回 key 是否存在
	DeleteTask(ctx context.Context, nodeID, taskID string) (bool, error)
	// ListTasks nodeID 为空时列出全部. 返回读取时的 revision, 用于后续 Watch
	ListTasks(ctx context.Context, nodeID string) ([]*model.TaskSpec, int64, error)
	WatchTasks(ctx context.Context, nodeID string, fromRev int64) <-chan TaskEvent

	// --- Status 相关 ---

	PutStatus(ctx context.Context, status *model.TaskStatus) error
	GetStatus(ctx context.Context, taskID string) (*model.TaskStatus, error)
	ListStatuses(ctx context.Context) ([]*model.TaskStatus, error)
	WatchStatuses(ctx context.Context) <-chan StatusEvent

	// --- Message 相关 ---

	PutMessage(ctx context.Context, box Box, nodeID string, data []byte) error
	// WatchMessages nodeID 为空时监听所有节点
	WatchMessages(ctx context.Context, box Box, nodeID string) <-chan MessageEvent
	DeleteMessage(ctx context.Context, key string) error
}
