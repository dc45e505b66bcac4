package driver

import (
	"context"
	"errors"
	"strings"
	"testing"

	"gotest.tools/v3/assert"

	"keel/pkg/model"
	"keel/pkg/store"
)

func agent(id, host string) *model.AgentInfo {
	return &model.AgentInfo{
		ID:       id,
		Hostname: host,
		Status:   model.NodeReady,
		Roles:    []string{"public"},
		TotalCap: model.Resource{
			MilliCPU: 4000,
			Memory:   8192,
			Disk:     10240,
			Ports:    []model.PortRange{{Begin: 7000, End: 7999}},
		},
	}
}

func serviceTask(id, nodeID string, port uint16) *model.TaskSpec {
	return &model.TaskSpec{
		ID:     id,
		NodeID: nodeID,
		Resources: model.Resource{
			MilliCPU: 1000,
			Memory:   2048,
			Ports:    model.SinglePorts(port, port+1),
		},
	}
}

func TestQueueOrder(t *testing.T) {
	q := newEventQueue()
	var got []int
	for i := 0; i < 3; i++ {
		q.push(func() { got = append(got, i) })
	}
	ctx := context.Background()
	for q.len() > 0 {
		fn, ok := q.pop(ctx)
		assert.Assert(t, ok)
		fn()
	}
	assert.DeepEqual(t, got, []int{0, 1, 2})

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, ok := q.pop(cancelled)
	assert.Assert(t, !ok)
}

func TestFreeResources(t *testing.T) {
	node := agent("a1", "node-a")
	tasks := map[string]*model.TaskSpec{
		"registry-node-a": serviceTask("registry-node-a", "a1", 7860),
		"data-node-b":     serviceTask("data-node-b", "b1", 7880),
	}
	free := freeResources(node, tasks)
	assert.Equal(t, free.MilliCPU, int64(3000))
	assert.Equal(t, free.Memory, int64(6144))
	assert.Assert(t, !free.Contains(model.Resource{Ports: model.SinglePorts(7860)}))
	assert.Assert(t, free.Contains(model.Resource{Ports: model.SinglePorts(7880)}))
	// 节点注册信息本身不被修改
	assert.DeepEqual(t, node.TotalCap.Ports, []model.PortRange{{Begin: 7000, End: 7999}})
}

func TestMakeOffersRescindsUnanswered(t *testing.T) {
	d, _, rec := newTestDriver(t)
	ctx := context.Background()
	d.nodes["a1"] = agent("a1", "node-a")
	d.nodes["b1"] = agent("b1", "node-b")
	d.tasks["registry-node-a"] = serviceTask("registry-node-a", "a1", 7860)

	d.makeOffers(ctx)
	assert.Equal(t, len(rec.offers), 1)
	first := rec.offers[0]
	assert.Equal(t, len(first), 2)
	assert.Equal(t, first[0].Hostname, "node-a")
	assert.Equal(t, first[0].Resources.MilliCPU, int64(3000))
	assert.Equal(t, first[1].Resources.MilliCPU, int64(4000))
	assert.DeepEqual(t, first[0].Roles, []string{"public"})
	assert.Assert(t, strings.HasPrefix(first[0].ID, "keel-test-O"))

	d.makeOffers(ctx)
	assert.DeepEqual(t, rec.rescinded, []string{first[0].ID, first[1].ID})
	assert.Equal(t, len(d.offers), 2)
}

func TestLaunchTasks(t *testing.T) {
	d, bus, rec := newTestDriver(t)
	ctx := context.Background()
	d.nodes["a1"] = agent("a1", "node-a")
	d.makeOffers(ctx)
	offer := rec.offers[0][0]

	task := serviceTask("registry-node-a", "", 7860)
	task.Labels = map[string]string{model.VersionLabel: "1.0.0"}
	assert.NilError(t, d.LaunchTasks(ctx, offer.ID, []*model.TaskSpec{task}))

	stored, ok := bus.tasks["a1/registry-node-a"]
	assert.Assert(t, ok)
	assert.Equal(t, stored.NodeID, "a1")
	assert.Equal(t, stored.Hostname, "node-a")
	assert.Equal(t, bus.statuses["registry-node-a"].State, model.TaskStaging)
	assert.Equal(t, bus.statuses["registry-node-a"].Labels[model.VersionLabel], "1.0.0")
	_, ok = d.offers[offer.ID]
	assert.Assert(t, !ok)

	// 同一个 offer 不能用两次
	again := serviceTask("data-node-a", "", 7880)
	err := d.LaunchTasks(ctx, offer.ID, []*model.TaskSpec{again})
	assert.Assert(t, errors.Is(err, ErrUnknownOffer))
	drain(d)
	assert.Equal(t, len(rec.statuses), 1)
	assert.Equal(t, rec.statuses[0].TaskID, "data-node-a")
	assert.Equal(t, rec.statuses[0].State, model.TaskLost)
	_, ok = bus.statuses["data-node-a"]
	assert.Assert(t, !ok)
}

func TestLaunchTasksExceedingOffer(t *testing.T) {
	d, bus, rec := newTestDriver(t)
	ctx := context.Background()
	d.nodes["a1"] = agent("a1", "node-a")
	d.makeOffers(ctx)
	offer := rec.offers[0][0]

	tasks := []*model.TaskSpec{
		serviceTask("registry-node-a", "", 7860),
		serviceTask("metadata-node-a", "", 7870),
		serviceTask("data-node-a", "", 7880),
		serviceTask("api-node-a", "", 7890),
		serviceTask("console-node-a", "", 7900),
	}
	err := d.LaunchTasks(ctx, offer.ID, tasks)
	assert.ErrorContains(t, err, "insufficient offer resources")
	assert.Equal(t, len(bus.tasks), 0)
	drain(d)
	assert.Equal(t, len(rec.statuses), 5)
	for _, st := range rec.statuses {
		assert.Equal(t, st.State, model.TaskError)
	}
}

func TestDeclineOffer(t *testing.T) {
	d, _, rec := newTestDriver(t)
	ctx := context.Background()
	d.nodes["a1"] = agent("a1", "node-a")
	d.makeOffers(ctx)
	offer := rec.offers[0][0]

	assert.NilError(t, d.DeclineOffer(ctx, offer.ID))
	assert.Assert(t, errors.Is(d.DeclineOffer(ctx, offer.ID), ErrUnknownOffer))

	d.makeOffers(ctx)
	assert.Equal(t, len(rec.rescinded), 0)
}

func TestKillTask(t *testing.T) {
	d, bus, _ := newTestDriver(t)
	ctx := context.Background()

	task := serviceTask("data-node-a", "a1", 7880)
	d.tasks[task.ID] = task
	assert.NilError(t, bus.PutTask(ctx, task))
	assert.NilError(t, d.KillTask(ctx, task.ID))
	_, ok := bus.tasks["a1/data-node-a"]
	assert.Assert(t, !ok)

	// 不认识的任务, 状态还是 RUNNING: 补一条 LOST
	assert.NilError(t, bus.PutStatus(ctx, &model.TaskStatus{TaskID: "api-node-z", NodeID: "z1", State: model.TaskRunning}))
	assert.NilError(t, d.KillTask(ctx, "api-node-z"))
	assert.Equal(t, bus.statuses["api-node-z"].State, model.TaskLost)

	// 完全没有记录的任务, 什么都不做
	assert.NilError(t, d.KillTask(ctx, "console-node-q"))
	_, ok = bus.statuses["console-node-q"]
	assert.Assert(t, !ok)
}

func TestReconcile(t *testing.T) {
	d, bus, rec := newTestDriver(t)
	ctx := context.Background()
	assert.NilError(t, bus.PutStatus(ctx, &model.TaskStatus{TaskID: "registry-node-a", NodeID: "a1", State: model.TaskRunning}))
	assert.NilError(t, bus.PutStatus(ctx, &model.TaskStatus{TaskID: "data-node-b", NodeID: "b1", State: model.TaskFailed}))

	stubs := []*model.TaskStatus{
		{TaskID: "registry-node-a", NodeID: "a1", State: model.TaskLost},
		{TaskID: "metadata-node-a", NodeID: "a1", State: model.TaskLost},
	}
	assert.NilError(t, d.ReconcileTasks(ctx, stubs))
	// 异步: 调用返回时还没有回调
	assert.Equal(t, len(rec.statuses), 0)
	drain(d)
	assert.Equal(t, len(rec.statuses), 2)
	assert.Equal(t, rec.statuses[0].State, model.TaskRunning)
	assert.Equal(t, rec.statuses[1].TaskID, "metadata-node-a")
	assert.Equal(t, rec.statuses[1].State, model.TaskLost)

	rec.statuses = nil
	assert.NilError(t, d.ReconcileTasks(ctx, nil))
	drain(d)
	assert.Equal(t, len(rec.statuses), 2)
}

func TestNodeLost(t *testing.T) {
	d, bus, rec := newTestDriver(t)
	ctx := context.Background()
	d.nodes["a1"] = agent("a1", "node-a")
	d.tasks["registry-node-a"] = serviceTask("registry-node-a", "a1", 7860)
	d.tasks["device-prober-node-a"] = &model.TaskSpec{ID: "device-prober-node-a", NodeID: "a1", Kind: model.KindProber}
	d.tasks["data-node-b"] = serviceTask("data-node-b", "b1", 7880)

	d.onNodeEvent(ctx, store.NodeEvent{Type: store.EventDelete, NodeID: "a1"})
	assert.DeepEqual(t, rec.nodesLost, []string{"a1"})
	assert.DeepEqual(t, rec.executors, []string{"a1"})
	assert.Equal(t, bus.statuses["registry-node-a"].State, model.TaskLost)
	assert.Equal(t, bus.statuses["device-prober-node-a"].State, model.TaskLost)
	_, ok := bus.statuses["data-node-b"]
	assert.Assert(t, !ok)
	_, ok = d.nodes["a1"]
	assert.Assert(t, !ok)
}

func TestTerminalStatusReleasesTask(t *testing.T) {
	d, bus, rec := newTestDriver(t)
	ctx := context.Background()
	task := serviceTask("data-node-a", "a1", 7880)
	d.tasks[task.ID] = task
	assert.NilError(t, bus.PutTask(ctx, task))

	d.onStatusEvent(ctx, store.StatusEvent{Status: &model.TaskStatus{TaskID: task.ID, State: model.TaskRunning}})
	_, ok := d.tasks[task.ID]
	assert.Assert(t, ok)

	d.onStatusEvent(ctx, store.StatusEvent{Status: &model.TaskStatus{TaskID: task.ID, State: model.TaskFailed}})
	_, ok = d.tasks[task.ID]
	assert.Assert(t, !ok)
	_, ok = bus.tasks["a1/data-node-a"]
	assert.Assert(t, !ok)
	assert.Equal(t, len(rec.statuses), 2)

	d.onStatusEvent(ctx, store.StatusEvent{Err: errors.New("watch failed")})
	assert.DeepEqual(t, rec.errors, []string{"watch failed"})
}

func TestMessageDelivered(t *testing.T) {
	d, bus, rec := newTestDriver(t)
	ctx := context.Background()
	d.onMessageEvent(ctx, store.MessageEvent{Key: "/keel/default/bus/outbox/a1/1", NodeID: "a1", Data: []byte{0x08, 0x01}})
	assert.DeepEqual(t, rec.messages["a1"], []byte{0x08, 0x01})
	assert.DeepEqual(t, bus.deleted, []string{"/keel/default/bus/outbox/a1/1"})

	assert.NilError(t, d.SendMessage(ctx, "a1", []byte("probe")))
	assert.DeepEqual(t, bus.messages["inbox/a1"], []byte("probe"))
	assert.ErrorContains(t, d.SendMessage(ctx, "", nil), "empty node id")
}

func TestLoadDropsOrphanTasks(t *testing.T) {
	d, bus, _ := newTestDriver(t)
	ctx := context.Background()
	_, err := bus.RegisterNode(ctx, agent("a1", "node-a"), 0)
	assert.NilError(t, err)
	assert.NilError(t, bus.PutTask(ctx, serviceTask("registry-node-a", "a1", 7860)))
	assert.NilError(t, bus.PutTask(ctx, serviceTask("data-node-gone", "g1", 7880)))

	assert.NilError(t, d.load(ctx))
	_, ok := d.tasks["registry-node-a"]
	assert.Assert(t, ok)
	_, ok = d.tasks["data-node-gone"]
	assert.Assert(t, !ok)
	assert.Equal(t, bus.statuses["data-node-gone"].State, model.TaskLost)
	_, ok = bus.tasks["g1/data-node-gone"]
	assert.Assert(t, !ok)
}
