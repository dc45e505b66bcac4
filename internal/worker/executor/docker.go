// Package executor 用本机 Docker 运行任务容器.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"keel/pkg/model"
)

const (
	// TaskLabel 容器上记录任务 ID 的 label, 用于重启后接管
	TaskLabel = "keel.task"
	// 失败时附带的日志行数
	logTail      = 50
	stopTimeout  = 10
	maxLogLength = 4096
)

type DockerExecutor struct {
	cli *client.Client
	log *zap.Logger
}

// NewDockerExecutor 从环境变量或默认路径连接本地 Docker
func NewDockerExecutor(log *zap.Logger) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "create docker client")
	}
	return &DockerExecutor{cli: cli, log: log}, nil
}

func (e *DockerExecutor) Close() error {
	return e.cli.Close()
}

// Start 拉取镜像 (本地没有时), 创建并启动容器
func (e *DockerExecutor) Start(ctx context.Context, task *model.TaskSpec) (string, error) {
	if task.Image == "" {
		return "", errors.Errorf("task %s has no image", task.ID)
	}
	if err := e.ensureImage(ctx, task.Image); err != nil {
		return "", err
	}

	exposed, bindings, err := portConfig(task.Ports)
	if err != nil {
		return "", err
	}
	labels := map[string]string{TaskLabel: task.ID}
	for k, v := range task.Labels {
		labels[k] = v
	}

	// 同名的旧容器 (已退出) 会让创建失败, 先清理掉
	if err := e.cli.ContainerRemove(ctx, task.Name, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		e.log.Warn("remove stale container failed", zap.String("name", task.Name), zap.Error(err))
	}

	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image:        task.Image,
		Cmd:          task.Command,
		Env:          containerEnv(task.Env),
		Labels:       labels,
		ExposedPorts: exposed,
		Tty:          false,
	}, &container.HostConfig{
		Binds:        binds(task.Volumes),
		PortBindings: bindings,
		Privileged:   task.Privileged,
	}, nil, nil, task.Name)
	if err != nil {
		return "", errors.Wrapf(err, "create container for %s", task.ID)
	}
	e.log.Info("container created", zap.String("task", task.ID), zap.String("container", resp.ID[:12]))

	if err := e.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", errors.Wrapf(err, "start container for %s", task.ID)
	}
	return resp.ID, nil
}

func (e *DockerExecutor) ensureImage(ctx context.Context, image string) error {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return errors.Wrapf(err, "inspect image %s", image)
	}
	e.log.Info("pulling image", zap.String("image", image))
	reader, err := e.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return errors.Wrapf(err, "pull image %s", image)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return errors.Wrapf(err, "pull image %s", image)
}

// Find 查找带任务 label 的运行中容器
func (e *DockerExecutor) Find(ctx context.Context, taskID string) (string, bool, error) {
	list, err := e.cli.ContainerList(ctx, types.ContainerListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", TaskLabel+"="+taskID),
			filters.Arg("status", "running"),
		),
	})
	if err != nil {
		return "", false, errors.Wrap(err, "list containers")
	}
	if len(list) == 0 {
		return "", false, nil
	}
	return list[0].ID, true, nil
}

// Wait 等待容器退出, 返回退出码和日志尾部
func (e *DockerExecutor) Wait(ctx context.Context, containerID string) (int64, string, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var code int64
	select {
	case err := <-errCh:
		if err != nil {
			return -1, "", errors.Wrap(err, "wait container")
		}
	case status := <-statusCh:
		code = status.StatusCode
		if status.Error != nil {
			return code, "", errors.New(status.Error.Message)
		}
	}

	// 容器已经退出, 用独立的 ctx 取日志
	logCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := e.cli.ContainerLogs(logCtx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(logTail),
	})
	if err != nil {
		e.log.Warn("read container logs failed", zap.String("container", containerID), zap.Error(err))
		return code, "", nil
	}
	defer out.Close()

	// stdcopy 把 docker 的多路复用流拆开
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, out); err != nil {
		e.log.Warn("demultiplex container logs failed", zap.Error(err))
	}
	return code, truncate(buf.String(), maxLogLength), nil
}

// Stop 停止并删除容器
func (e *DockerExecutor) Stop(ctx context.Context, containerID string) error {
	timeout := stopTimeout
	if err := e.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		return errors.Wrap(err, "stop container")
	}
	if err := e.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return errors.Wrap(err, "remove container")
	}
	return nil
}

// containerEnv map -> KEY=VALUE, 按 key 排序
func containerEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func portConfig(ports []model.PortMapping) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, strconv.Itoa(int(p.ContainerPort)))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "port %d/%s", p.ContainerPort, proto)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostPort: strconv.Itoa(int(p.HostPort))})
	}
	return exposed, bindings, nil
}

func binds(volumes []model.Volume) []string {
	out := make([]string, 0, len(volumes))
	for _, v := range volumes {
		b := v.HostPath + ":" + v.ContainerPath
		if v.ReadOnly {
			b += ":ro"
		}
		out = append(out, b)
	}
	return out
}

// truncate 保留末尾 max 字节
func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return fmt.Sprintf("...%s", s[len(s)-max:])
}
