// Package worker 节点上的 agent: 注册节点资源, 执行下发的任务, 托管 prober.
package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"keel/internal/config"
	"keel/pkg/model"
	"keel/pkg/probe"
	"keel/pkg/store"
)

// Runtime 容器运行时
type Runtime interface {
	// Start 创建并启动任务对应的容器, 返回容器 ID
	Start(ctx context.Context, task *model.TaskSpec) (string, error)
	// Find 查找属于该任务的存活容器, 用于 agent 重启后接管
	Find(ctx context.Context, taskID string) (string, bool, error)
	// Wait 阻塞直到容器退出, 返回退出码和日志尾部
	Wait(ctx context.Context, containerID string) (int64, string, error)
	// Stop 停止并删除容器
	Stop(ctx context.Context, containerID string) error
}

// 任务状态上报失败后的重试次数
const statusRetries = 3

type running struct {
	spec        *model.TaskSpec
	containerID string
	cancel      context.CancelFunc
	killed      bool
}

type Agent struct {
	cfg     config.AgentConfig
	store   store.ClusterStore
	runtime Runtime
	prober  *Prober
	log     *zap.Logger

	info  *model.AgentInfo
	lease store.LeaseID

	mu    sync.Mutex
	tasks map[string]*running
	// 当前托管的 prober 任务, 为空时不响应探测请求
	proberTask string
	wg         sync.WaitGroup
}

func NewAgent(cfg config.AgentConfig, st store.ClusterStore, rt Runtime, prober *Prober, log *zap.Logger) (*Agent, error) {
	hostname := cfg.Hostname
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, errors.Wrap(err, "hostname")
		}
		hostname = h
	}
	ports, err := parsePorts(cfg.Ports)
	if err != nil {
		return nil, err
	}
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return nil, errors.Wrap(err, "generate node id")
	}

	info := &model.AgentInfo{
		ID:       hostname + "-" + hex.EncodeToString(suffix),
		Hostname: hostname,
		IP:       localIP(),
		Version:  "keel-agent",
		Roles:    cfg.Roles,
		TotalCap: model.Resource{
			MilliCPU: int64(cfg.CPU * 1000),
			Memory:   cfg.Memory.MB(),
			Disk:     cfg.Disk.MB(),
			Ports:    ports,
		},
		Status: model.NodeReady,
	}
	return &Agent{
		cfg:     cfg,
		store:   st,
		runtime: rt,
		prober:  prober,
		log:     log.With(zap.String("node", info.ID)),
		info:    info,
		tasks:   make(map[string]*running),
	}, nil
}

// NodeID 本次启动的节点标识
func (a *Agent) NodeID() string {
	return a.info.ID
}

// Run 注册节点并处理任务, 直到 ctx 结束
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}
	a.log.Info("agent registered",
		zap.String("hostname", a.info.Hostname),
		zap.Int64("milli_cpu", a.info.TotalCap.MilliCPU),
		zap.Int64("memory_mb", a.info.TotalCap.Memory))

	go a.heartbeat(ctx)
	go a.watchInbox(ctx)

	tasks, rev, err := a.store.ListTasks(ctx, a.info.ID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		a.launch(ctx, t)
	}

	a.log.Info("waiting for tasks")
	for ev := range a.store.WatchTasks(ctx, a.info.ID, rev+1) {
		a.handleTaskEvent(ctx, ev)
	}
	a.wg.Wait()
	return ctx.Err()
}

func (a *Agent) register(ctx context.Context) error {
	a.info.LastHeartbeat = time.Now().Unix()
	lease, err := a.store.RegisterNode(ctx, a.info, a.cfg.HeartbeatTTL)
	if err != nil {
		return errors.Wrap(err, "register node")
	}
	a.lease = lease
	return nil
}

// heartbeat 按 TTL 的三分之一续约, 租约丢失时重新注册
func (a *Agent) heartbeat(ctx context.Context) {
	interval := a.cfg.HeartbeatTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.info.LastHeartbeat = time.Now().Unix()
			if err := a.store.RefreshNode(ctx, a.info, a.lease); err != nil {
				a.log.Warn("heartbeat failed, re-registering", zap.Error(err))
				if err := a.register(ctx); err != nil {
					a.log.Error("re-register failed", zap.Error(err))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) handleTaskEvent(ctx context.Context, ev store.TaskEvent) {
	if ev.Err != nil {
		a.log.Warn("task watch error", zap.Error(ev.Err))
		return
	}
	switch ev.Type {
	case store.EventPut:
		a.launch(ctx, ev.Task)
	case store.EventDelete:
		a.kill(ctx, ev.TaskID)
	}
}

func (a *Agent) launch(ctx context.Context, task *model.TaskSpec) {
	a.mu.Lock()
	if _, ok := a.tasks[task.ID]; ok {
		a.mu.Unlock()
		a.log.Debug("task already running", zap.String("task", task.ID))
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	r := &running{spec: task, cancel: cancel}
	a.tasks[task.ID] = r
	if task.Kind == model.KindProber {
		a.proberTask = task.ID
	}
	a.mu.Unlock()

	a.log.Info("received task", zap.String("task", task.ID), zap.String("kind", task.Kind.String()))
	if task.Kind == model.KindProber {
		// prober 在 agent 进程内托管, 不占用容器
		a.report(ctx, task.ID, model.TaskRunning, "prober hosted by agent", nil)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.execute(taskCtx, r)
	}()
}

// execute 启动 (或接管) 容器并等待退出. 任何退出都上报 FAILED
func (a *Agent) execute(ctx context.Context, r *running) {
	task := r.spec
	labels := map[string]string{model.VersionLabel: task.Version()}
	a.report(ctx, task.ID, model.TaskStarting, "", labels)

	containerID, found, err := a.runtime.Find(ctx, task.ID)
	if err != nil {
		a.log.Warn("find container failed", zap.String("task", task.ID), zap.Error(err))
	}
	if found {
		a.log.Info("adopting existing container", zap.String("task", task.ID), zap.String("container", shortID(containerID)))
	} else {
		containerID, err = a.runtime.Start(ctx, task)
		if err != nil {
			a.log.Error("start container failed", zap.String("task", task.ID), zap.Error(err))
			a.finish(task.ID, model.TaskFailed, err.Error(), labels)
			return
		}
	}

	a.mu.Lock()
	r.containerID = containerID
	killed := r.killed
	a.mu.Unlock()
	if killed {
		a.stop(task.ID, containerID)
		return
	}
	a.report(ctx, task.ID, model.TaskRunning, "", labels)

	code, logs, err := a.runtime.Wait(ctx, containerID)
	a.mu.Lock()
	killed = r.killed
	a.mu.Unlock()
	if killed {
		return
	}
	if ctx.Err() != nil {
		// agent 退出, 容器留给下次启动接管
		return
	}
	msg := fmt.Sprintf("container exited with code %d", code)
	if err != nil {
		msg = err.Error()
	}
	if logs != "" {
		msg += "\n" + logs
	}
	a.log.Warn("task exited", zap.String("task", task.ID), zap.Int64("exit_code", code), zap.Error(err))
	a.finish(task.ID, model.TaskFailed, msg, labels)
}

func (a *Agent) kill(ctx context.Context, taskID string) {
	a.mu.Lock()
	r, ok := a.tasks[taskID]
	if !ok {
		a.mu.Unlock()
		return
	}
	r.killed = true
	containerID := r.containerID
	if a.proberTask == taskID {
		a.proberTask = ""
	}
	a.mu.Unlock()

	a.log.Info("killing task", zap.String("task", taskID))
	if r.spec.Kind == model.KindProber {
		a.finish(taskID, model.TaskKilled, "", nil)
		return
	}
	if containerID == "" {
		// 容器还没起来, execute 看到 killed 后会自己清理
		r.cancel()
		a.finish(taskID, model.TaskKilled, "", nil)
		return
	}
	a.stop(taskID, containerID)
}

// stop 停止容器并上报 KILLED. 用独立的 ctx, 任务 ctx 可能已经取消
func (a *Agent) stop(taskID, containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.runtime.Stop(ctx, containerID); err != nil {
		a.log.Warn("stop container failed", zap.String("task", taskID), zap.Error(err))
	}
	a.finish(taskID, model.TaskKilled, "", nil)
}

// finish 上报终态并移除任务
func (a *Agent) finish(taskID string, state model.TaskState, msg string, labels map[string]string) {
	a.mu.Lock()
	r, ok := a.tasks[taskID]
	if ok {
		delete(a.tasks, taskID)
		r.cancel()
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.report(ctx, taskID, state, msg, labels)
}

func (a *Agent) report(ctx context.Context, taskID string, state model.TaskState, msg string, labels map[string]string) {
	status := &model.TaskStatus{
		TaskID:    taskID,
		NodeID:    a.info.ID,
		State:     state,
		Message:   msg,
		Labels:    labels,
		Timestamp: time.Now(),
	}
	var err error
	for i := 0; i < statusRetries; i++ {
		if err = a.store.PutStatus(ctx, status); err == nil {
			return
		}
	}
	a.log.Error("report status failed", zap.String("task", taskID), zap.String("state", string(state)), zap.Error(err))
}

func (a *Agent) watchInbox(ctx context.Context) {
	for ev := range a.store.WatchMessages(ctx, store.Inbox, a.info.ID) {
		a.handleMessage(ctx, ev)
	}
}

// handleMessage 处理一条探测请求. 消息无论能否处理都会删除
func (a *Agent) handleMessage(ctx context.Context, ev store.MessageEvent) {
	if ev.Err != nil {
		a.log.Warn("inbox watch error", zap.Error(ev.Err))
		return
	}
	defer func() {
		if err := a.store.DeleteMessage(ctx, ev.Key); err != nil {
			a.log.Warn("delete message failed", zap.String("key", ev.Key), zap.Error(err))
		}
	}()

	a.mu.Lock()
	hosted := a.proberTask != ""
	a.mu.Unlock()
	if !hosted {
		a.log.Debug("no prober hosted, dropping message")
		return
	}

	var req probe.Request
	if err := req.Unmarshal(ev.Data); err != nil {
		a.log.Warn("dropping malformed probe request", zap.Error(err))
		return
	}
	resp := a.prober.Probe(&req)
	if err := a.store.PutMessage(ctx, store.Outbox, a.info.ID, resp.Marshal()); err != nil {
		a.log.Error("send probe response failed", zap.Error(err))
	}
}

// parsePorts 解析 "7000-8000" 形式的端口区间
func parsePorts(specs []string) ([]model.PortRange, error) {
	var out []model.PortRange
	for _, s := range specs {
		begin, end, err := nat.ParsePortRange(s)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid port range %q", s)
		}
		if end > 65535 {
			return nil, errors.Errorf("invalid port range %q", s)
		}
		out = append(out, model.PortRange{Begin: uint16(begin), End: uint16(end)})
	}
	return out, nil
}

// localIP 第一个非回环 IPv4 地址
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return "127.0.0.1"
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
