package driver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"keel/pkg/model"
	"keel/pkg/store"
)

// memBus 内存版的总线, 不支持监听
type memBus struct {
	mu       sync.Mutex
	nodes    map[string]*model.AgentInfo
	tasks    map[string]*model.TaskSpec // nodeID/taskID
	statuses map[string]*model.TaskStatus
	messages map[string][]byte
	deleted  []string
}

func newMemBus() *memBus {
	return &memBus{
		nodes:    make(map[string]*model.AgentInfo),
		tasks:    make(map[string]*model.TaskSpec),
		statuses: make(map[string]*model.TaskStatus),
		messages: make(map[string][]byte),
	}
}

func (b *memBus) RegisterNode(ctx context.Context, node *model.AgentInfo, ttl time.Duration) (store.LeaseID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[node.ID] = node
	return 1, nil
}

func (b *memBus) RefreshNode(ctx context.Context, node *model.AgentInfo, lease store.LeaseID) error {
	_, err := b.RegisterNode(ctx, node, 0)
	return err
}

func (b *memBus) ListNodes(ctx context.Context) ([]*model.AgentInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.AgentInfo
	for _, n := range b.nodes {
		out = append(out, n)
	}
	return out, nil
}

func (b *memBus) WatchNodes(ctx context.Context) <-chan store.NodeEvent {
	return nil
}

func (b *memBus) PutTask(ctx context.Context, task *model.TaskSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks[task.NodeID+"/"+task.ID] = task
	return nil
}

func (b *memBus) DeleteTask(ctx context.Context, nodeID, taskID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := nodeID + "/" + taskID
	_, ok := b.tasks[key]
	delete(b.tasks, key)
	b.deleted = append(b.deleted, key)
	return ok, nil
}

func (b *memBus) ListTasks(ctx context.Context, nodeID string) ([]*model.TaskSpec, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.TaskSpec
	for _, t := range b.tasks {
		if nodeID == "" || t.NodeID == nodeID {
			out = append(out, t)
		}
	}
	return out, 1, nil
}

func (b *memBus) WatchTasks(ctx context.Context, nodeID string, fromRev int64) <-chan store.TaskEvent {
	return nil
}

func (b *memBus) PutStatus(ctx context.Context, status *model.TaskStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[status.TaskID] = status
	return nil
}

func (b *memBus) GetStatus(ctx context.Context, taskID string) (*model.TaskStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.statuses[taskID]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "status %s", taskID)
	}
	return st, nil
}

func (b *memBus) ListStatuses(ctx context.Context) ([]*model.TaskStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.TaskStatus
	for _, st := range b.statuses {
		out = append(out, st)
	}
	return out, nil
}

func (b *memBus) WatchStatuses(ctx context.Context) <-chan store.StatusEvent {
	return nil
}

func (b *memBus) PutMessage(ctx context.Context, box store.Box, nodeID string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[string(box)+"/"+nodeID] = data
	return nil
}

func (b *memBus) WatchMessages(ctx context.Context, box store.Box, nodeID string) <-chan store.MessageEvent {
	return nil
}

func (b *memBus) DeleteMessage(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.messages, key)
	b.deleted = append(b.deleted, key)
	return nil
}

// recorder 记录收到的回调, 不做任何答复
type recorder struct {
	registered []string
	offers     [][]*model.Offer
	rescinded  []string
	statuses   []*model.TaskStatus
	messages   map[string][]byte
	nodesLost  []string
	executors  []string
	errors     []string
}

func newRecorder() *recorder {
	return &recorder{messages: make(map[string][]byte)}
}

func (r *recorder) Registered(ctx context.Context, frameworkID string) {
	r.registered = append(r.registered, frameworkID)
}
func (r *recorder) Reregistered(ctx context.Context) {}
func (r *recorder) Disconnected()                    {}
func (r *recorder) ResourceOffers(ctx context.Context, offers []*model.Offer) {
	r.offers = append(r.offers, offers)
}
func (r *recorder) OfferRescinded(offerID string) {
	r.rescinded = append(r.rescinded, offerID)
}
func (r *recorder) StatusUpdate(ctx context.Context, status *model.TaskStatus) {
	r.statuses = append(r.statuses, status)
}
func (r *recorder) FrameworkMessage(ctx context.Context, nodeID string, data []byte) {
	r.messages[nodeID] = data
}
func (r *recorder) NodeLost(nodeID string) {
	r.nodesLost = append(r.nodesLost, nodeID)
}
func (r *recorder) ExecutorLost(nodeID string, status int) {
	r.executors = append(r.executors, nodeID)
}
func (r *recorder) Error(message string) {
	r.errors = append(r.errors, message)
}

func newTestDriver(t *testing.T) (*Driver, *memBus, *recorder) {
	bus := newMemBus()
	rec := newRecorder()
	d := New(bus, time.Second, zaptest.NewLogger(t))
	d.handler = rec
	d.framework = "keel-test"
	return d, bus, rec
}

// drain 在当前 goroutine 执行完队列里的所有事件
func drain(d *Driver) {
	ctx := context.Background()
	for d.queue.len() > 0 {
		fn, _ := d.queue.pop(ctx)
		fn()
	}
}
