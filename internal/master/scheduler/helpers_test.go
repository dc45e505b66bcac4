package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"gotest.tools/v3/assert"

	"keel/internal/config"
	"keel/internal/master/ledger"
	"keel/internal/master/stateproxy"
	"keel/pkg/model"
	"keel/pkg/probe"
	"keel/pkg/store"
)

type sentMessage struct {
	nodeID string
	data   []byte
}

// fakeDriver 只记录调度器发出的动作
type fakeDriver struct {
	launched   map[string][]*model.TaskSpec
	declined   []string
	killed     []string
	reconciled [][]*model.TaskStatus
	messages   []sentMessage
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{launched: make(map[string][]*model.TaskSpec)}
}

func (d *fakeDriver) LaunchTasks(ctx context.Context, offerID string, tasks []*model.TaskSpec) error {
	d.launched[offerID] = append(d.launched[offerID], tasks...)
	return nil
}

func (d *fakeDriver) DeclineOffer(ctx context.Context, offerID string) error {
	d.declined = append(d.declined, offerID)
	return nil
}

func (d *fakeDriver) KillTask(ctx context.Context, taskID string) error {
	d.killed = append(d.killed, taskID)
	return nil
}

func (d *fakeDriver) ReconcileTasks(ctx context.Context, statuses []*model.TaskStatus) error {
	d.reconciled = append(d.reconciled, statuses)
	return nil
}

func (d *fakeDriver) SendMessage(ctx context.Context, nodeID string, data []byte) error {
	d.messages = append(d.messages, sentMessage{nodeID: nodeID, data: data})
	return nil
}

func (d *fakeDriver) reset() {
	*d = *newFakeDriver()
}

func (d *fakeDriver) launchedIDs(offerID string) []string {
	var ids []string
	for _, task := range d.launched[offerID] {
		ids = append(ids, task.ID)
	}
	return ids
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	cfg    *config.Config
	sched  *Scheduler
	driver *fakeDriver
	clock  *fakeClock
	offers int
}

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.WrapOptions(zap.WithFatalHook(zapcore.WriteThenPanic)))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Scheduler.DockerImage = "registry.example.com/keel/service"
	cfg.Scheduler.DNSDomain = "cluster"
	cfg.Scheduler.InitializePath = "/mnt/new-device"
	cfg.Scheduler.ClientDirectory = "/keel/client"
	return cfg
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	return newHarnessWithStore(t, cfg, store.NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, cfg *config.Config, st store.VariableStore) *harness {
	t.Helper()
	ctx := context.Background()
	log := testLogger(t)
	proxy, err := stateproxy.New(ctx, st, cfg.StateKey(), log)
	assert.NilError(t, err)

	drv := newFakeDriver()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewScheduler(cfg.Scheduler, ledger.New(cfg.Services), proxy, drv, log)
	s.now = clock.Now
	return &harness{t: t, ctx: ctx, cfg: cfg, sched: s, driver: drv, clock: clock}
}

// plenty 足够放下所有服务的资源
func plenty() model.Resource {
	return model.Resource{
		MilliCPU: 16000,
		Memory:   64 * 1024,
		Disk:     100 * 1024,
		Ports:    []model.PortRange{{Begin: 7000, End: 8000}},
	}
}

func (h *harness) offer(host, nodeID string, res model.Resource, roles ...string) *model.Offer {
	h.offers++
	o := &model.Offer{
		ID:        fmt.Sprintf("offer-%d", h.offers),
		NodeID:    nodeID,
		Hostname:  host,
		Resources: res,
		Roles:     roles,
	}
	h.sched.ResourceOffers(h.ctx, []*model.Offer{o})
	return o
}

func (h *harness) status(taskID string, state model.TaskState, version string) {
	st := &model.TaskStatus{TaskID: taskID, State: state, Timestamp: h.clock.Now()}
	if version != "" {
		st.Labels = map[string]string{model.VersionLabel: version}
	}
	h.sched.StatusUpdate(h.ctx, st)
}

func (h *harness) probeResponse(nodeID string, clientMount bool, devices ...model.DeviceType) {
	resp := probe.Response{DeviceTypes: devices, ClientMountPoint: clientMount}
	h.sched.FrameworkMessage(h.ctx, nodeID, resp.Marshal())
}

// readyNode 走一遍真实流程: 新节点对账 -> 对账结果全部 LOST -> 启动 prober ->
// prober RUNNING -> 触发探测 -> 收到探测结果. 结束时清空 driver 记录
func (h *harness) readyNode(host, nodeID string, clientMount bool, devices ...model.DeviceType) *model.NodeState {
	t := h.t
	t.Helper()

	h.offer(host, nodeID, plenty())
	assert.Equal(t, len(h.driver.reconciled), 1)
	for _, stub := range h.driver.reconciled[0] {
		h.sched.StatusUpdate(h.ctx, stub)
	}

	o := h.offer(host, nodeID, plenty())
	assert.DeepEqual(t, h.driver.launchedIDs(o.ID), []string{model.FormatTaskID(model.KindProber, host)})
	h.status(model.FormatTaskID(model.KindProber, host), model.TaskRunning, "")

	h.offer(host, nodeID, plenty())
	assert.Equal(t, len(h.driver.messages), 1)
	h.probeResponse(nodeID, clientMount, devices...)

	h.driver.reset()
	node, ok := h.sched.nodes.Node(host)
	assert.Assert(t, ok)
	return node
}

func (h *harness) setTarget(version string) {
	got := h.sched.SetTargetVersion(h.ctx, version)
	assert.Equal(h.t, got, version)
}

// failingStore 读正常, 写总是失败
type failingStore struct {
	store.MemoryStore
}

func (f *failingStore) Store(ctx context.Context, v *store.Variable) (*store.Variable, error) {
	return nil, fmt.Errorf("disk full")
}
