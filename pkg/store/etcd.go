package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"keel/pkg/model"
)

// 定义 Key 的前缀 (Schema Design), 都挂在部署前缀下面
const (
	stateDir  = "/state/"
	nodeDir   = "/bus/nodes/"
	taskDir   = "/bus/tasks/"
	statusDir = "/bus/status/"
	busDir    = "/bus/"
)

// EtcdManager 同时实现 VariableStore (调度器状态) 和 ClusterStore (资源管理器总线)
type EtcdManager struct {
	client *clientv3.Client
	prefix string
	log    *zap.Logger
}

// NewEtcdManager 初始化 Etcd 连接. prefix 例如 "/keel/default"
func NewEtcdManager(endpoints []string, dialTimeout time.Duration, prefix string, logger *zap.Logger) (*EtcdManager, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	return &EtcdManager{
		client: cli,
		prefix: strings.TrimSuffix(prefix, "/"),
		log:    logger,
	}, nil
}

func (e *EtcdManager) Close() error {
	return e.client.Close()
}

// ---------------------------------------------------------
// Variable 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) Fetch(ctx context.Context, key string) (*Variable, error) {
	resp, err := e.client.Get(ctx, e.prefix+stateDir+key)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", key)
	}
	v := &Variable{Key: key}
	if len(resp.Kvs) > 0 {
		v.Value = resp.Kvs[0].Value
		v.Version = resp.Kvs[0].ModRevision
	}
	return v, nil
}

// Store 用事务比较 ModRevision 实现 compare-and-store.
// 不存在的 key ModRevision 为 0, 正好对应 Version == 0
func (e *EtcdManager) Store(ctx context.Context, v *Variable) (*Variable, error) {
	key := e.prefix + stateDir + v.Key
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", v.Version)).
		Then(clientv3.OpPut(key, string(v.Value))).
		Commit()
	if err != nil {
		return nil, errors.Wrapf(err, "store %s", v.Key)
	}
	if !resp.Succeeded {
		return nil, errors.Wrapf(ErrConflict, "store %s at version %d", v.Key, v.Version)
	}
	return &Variable{Key: v.Key, Value: v.Value, Version: resp.Header.Revision}, nil
}

// ---------------------------------------------------------
// Node 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) RegisterNode(ctx context.Context, node *model.AgentInfo, ttl time.Duration) (LeaseID, error) {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	lease, err := e.client.Grant(ctx, seconds)
	if err != nil {
		return 0, errors.Wrap(err, "grant node lease")
	}
	if err := e.putValue(ctx, e.prefix+nodeDir+node.ID, node, clientv3.WithLease(lease.ID)); err != nil {
		return 0, err
	}
	return LeaseID(lease.ID), nil
}

func (e *EtcdManager) RefreshNode(ctx context.Context, node *model.AgentInfo, lease LeaseID) error {
	if _, err := e.client.KeepAliveOnce(ctx, clientv3.LeaseID(lease)); err != nil {
		return errors.Wrap(err, "keep alive node lease")
	}
	return e.putValue(ctx, e.prefix+nodeDir+node.ID, node, clientv3.WithLease(clientv3.LeaseID(lease)))
}

func (e *EtcdManager) ListNodes(ctx context.Context) ([]*model.AgentInfo, error) {
	// 获取 nodes/ 下的所有 Key
	resp, err := e.client.Get(ctx, e.prefix+nodeDir, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "list nodes")
	}
	return decodeAll[model.AgentInfo](resp.Kvs, e.log), nil
}

func (e *EtcdManager) WatchNodes(ctx context.Context) <-chan NodeEvent {
	eventChan := make(chan NodeEvent)
	dir := e.prefix + nodeDir

	go func() {
		defer close(eventChan)
		e.watch(ctx, dir, 0, func(ev *clientv3.Event, err error) {
			var event NodeEvent
			switch {
			case err != nil:
				event.Err = err
			case ev.Type == clientv3.EventTypeDelete:
				event.Type = EventDelete
				event.NodeID = strings.TrimPrefix(string(ev.Kv.Key), dir)
			default:
				var node model.AgentInfo
				if err := json.Unmarshal(ev.Kv.Value, &node); err != nil {
					e.log.Warn("failed to unmarshal node", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
					return
				}
				event.Type = EventPut
				event.NodeID = node.ID
				event.Node = &node
			}
			send(ctx, eventChan, event)
		})
	}()
	return eventChan
}

// ---------------------------------------------------------
// Task 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) taskKey(nodeID, taskID string) string {
	return e.prefix + taskDir + nodeID + "/" + taskID
}

func (e *EtcdManager) PutTask(ctx context.Context, task *model.TaskSpec) error {
	return e.putValue(ctx, e.taskKey(task.NodeID, task.ID), task)
}

func (e *EtcdManager) DeleteTask(ctx context.Context, nodeID, taskID string) (bool, error) {
	resp, err := e.client.Delete(ctx, e.taskKey(nodeID, taskID))
	if err != nil {
		return false, errors.Wrapf(err, "delete task %s", taskID)
	}
	return resp.Deleted > 0, nil
}

func (e *EtcdManager) ListTasks(ctx context.Context, nodeID string) ([]*model.TaskSpec, int64, error) {
	dir := e.prefix + taskDir
	if nodeID != "" {
		dir += nodeID + "/"
	}
	resp, err := e.client.Get(ctx, dir, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, errors.Wrap(err, "list tasks")
	}
	return decodeAll[model.TaskSpec](resp.Kvs, e.log), resp.Header.Revision, nil
}

// WatchTasks 将 Etcd 的 Watch 转换为任务事件 Channel. Delete 事件即 kill
func (e *EtcdManager) WatchTasks(ctx context.Context, nodeID string, fromRev int64) <-chan TaskEvent {
	eventChan := make(chan TaskEvent)
	dir := e.prefix + taskDir
	if nodeID != "" {
		dir += nodeID + "/"
	}

	go func() {
		defer close(eventChan)
		e.watch(ctx, dir, fromRev, func(ev *clientv3.Event, err error) {
			if err != nil {
				send(ctx, eventChan, TaskEvent{Err: err})
				return
			}
			rest := strings.TrimPrefix(string(ev.Kv.Key), e.prefix+taskDir)
			node, task, ok := strings.Cut(rest, "/")
			if !ok {
				return
			}
			event := TaskEvent{Type: EventPut, NodeID: node, TaskID: task}
			if ev.Type == clientv3.EventTypeDelete {
				event.Type = EventDelete
			} else {
				var spec model.TaskSpec
				if err := json.Unmarshal(ev.Kv.Value, &spec); err != nil {
					e.log.Warn("failed to unmarshal task", zap.String("task", task), zap.Error(err))
					return
				}
				event.Task = &spec
			}
			send(ctx, eventChan, event)
		})
	}()
	return eventChan
}

// ---------------------------------------------------------
// Status 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) PutStatus(ctx context.Context, status *model.TaskStatus) error {
	return e.putValue(ctx, e.prefix+statusDir+status.TaskID, status)
}

func (e *EtcdManager) GetStatus(ctx context.Context, taskID string) (*model.TaskStatus, error) {
	resp, err := e.client.Get(ctx, e.prefix+statusDir+taskID)
	if err != nil {
		return nil, errors.Wrapf(err, "get status %s", taskID)
	}
	if len(resp.Kvs) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "status %s", taskID)
	}
	var status model.TaskStatus
	if err := json.Unmarshal(resp.Kvs[0].Value, &status); err != nil {
		return nil, errors.Wrapf(err, "decode status %s", taskID)
	}
	return &status, nil
}

func (e *EtcdManager) ListStatuses(ctx context.Context) ([]*model.TaskStatus, error) {
	resp, err := e.client.Get(ctx, e.prefix+statusDir, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "list statuses")
	}
	return decodeAll[model.TaskStatus](resp.Kvs, e.log), nil
}

func (e *EtcdManager) WatchStatuses(ctx context.Context) <-chan StatusEvent {
	eventChan := make(chan StatusEvent)

	go func() {
		defer close(eventChan)
		e.watch(ctx, e.prefix+statusDir, 0, func(ev *clientv3.Event, err error) {
			if err != nil {
				send(ctx, eventChan, StatusEvent{Err: err})
				return
			}
			if ev.Type != clientv3.EventTypePut {
				return
			}
			var status model.TaskStatus
			if err := json.Unmarshal(ev.Kv.Value, &status); err != nil {
				e.log.Warn("failed to unmarshal status", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
				return
			}
			send(ctx, eventChan, StatusEvent{Status: &status})
		})
	}()
	return eventChan
}

// ---------------------------------------------------------
// Message 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) boxDir(box Box, nodeID string) string {
	dir := e.prefix + busDir + string(box) + "/"
	if nodeID != "" {
		dir += nodeID + "/"
	}
	return dir
}

func (e *EtcdManager) PutMessage(ctx context.Context, box Box, nodeID string, data []byte) error {
	// 纳秒时间戳做序号, 补零保证字典序即时间序
	key := fmt.Sprintf("%s%020d", e.boxDir(box, nodeID), time.Now().UnixNano())
	if _, err := e.client.Put(ctx, key, string(data)); err != nil {
		return errors.Wrapf(err, "put %s message for %s", box, nodeID)
	}
	return nil
}

// WatchMessages 先把已有的消息发出去, 再从读取时的 revision 之后开始监听
func (e *EtcdManager) WatchMessages(ctx context.Context, box Box, nodeID string) <-chan MessageEvent {
	eventChan := make(chan MessageEvent)
	root := e.boxDir(box, "")
	dir := e.boxDir(box, nodeID)

	toEvent := func(kv *mvccpb.KeyValue) (MessageEvent, bool) {
		rest := strings.TrimPrefix(string(kv.Key), root)
		node, _, ok := strings.Cut(rest, "/")
		if !ok {
			return MessageEvent{}, false
		}
		return MessageEvent{Key: string(kv.Key), NodeID: node, Data: kv.Value}, true
	}

	go func() {
		defer close(eventChan)
		resp, err := e.client.Get(ctx, dir, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
		if err != nil {
			send(ctx, eventChan, MessageEvent{Err: errors.Wrap(err, "list messages")})
			return
		}
		for _, kv := range resp.Kvs {
			if event, ok := toEvent(kv); ok {
				send(ctx, eventChan, event)
			}
		}
		e.watch(ctx, dir, resp.Header.Revision+1, func(ev *clientv3.Event, err error) {
			if err != nil {
				send(ctx, eventChan, MessageEvent{Err: err})
				return
			}
			if ev.Type != clientv3.EventTypePut {
				return
			}
			if event, ok := toEvent(ev.Kv); ok {
				send(ctx, eventChan, event)
			}
		})
	}()
	return eventChan
}

func (e *EtcdManager) DeleteMessage(ctx context.Context, key string) error {
	if _, err := e.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "delete message %s", key)
	}
	return nil
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdManager) putValue(ctx context.Context, key string, val interface{}, opts ...clientv3.OpOption) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	if _, err = e.client.Put(ctx, key, string(bytes), opts...); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}
	return nil
}

// watch 监听前缀直到 ctx 结束或 watch 通道关闭. 每个事件或错误回调一次
func (e *EtcdManager) watch(ctx context.Context, dir string, fromRev int64, handle func(*clientv3.Event, error)) {
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if fromRev > 0 {
		opts = append(opts, clientv3.WithRev(fromRev))
	}
	watchChan := e.client.Watch(ctx, dir, opts...)
	for watchResp := range watchChan {
		if err := watchResp.Err(); err != nil {
			handle(nil, errors.Wrapf(err, "watch %s", dir))
			continue
		}
		for _, ev := range watchResp.Events {
			handle(ev, nil)
		}
	}
}

func decodeAll[T any](kvs []*mvccpb.KeyValue, log *zap.Logger) []*T {
	out := make([]*T, 0, len(kvs))
	for _, kv := range kvs {
		var v T
		if err := json.Unmarshal(kv.Value, &v); err != nil {
			log.Warn("failed to unmarshal value", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		out = append(out, &v)
	}
	return out
}

// send 在 ctx 结束时放弃发送, 避免 goroutine 泄漏
func send[T any](ctx context.Context, ch chan<- T, v T) {
	select {
	case ch <- v:
	case <-ctx.Done():
	}
}
