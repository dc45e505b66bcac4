// Package stateproxy 持有调度器唯一需要跨重启保存的状态 (框架标识 + 目标版本).
// 启动时读取一次, 之后每次修改都同步写回存储.
package stateproxy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"keel/internal/codec"
	"keel/pkg/model"
	"keel/pkg/store"
)

type Proxy struct {
	store store.VariableStore
	log   *zap.Logger

	data model.SchedulerState
	v    *store.Variable // 最近一次读到或写入的版本
}

// New 读取并解码已有状态. 数据损坏时返回错误, 调用方应当终止进程
func New(ctx context.Context, st store.VariableStore, key string, log *zap.Logger) (*Proxy, error) {
	v, err := st.Fetch(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch scheduler state %s: %w", key, err)
	}

	p := &Proxy{store: st, log: log, v: v}
	if len(v.Value) > 0 {
		if err := codec.Unmarshal(v.Value, &p.data); err != nil {
			diag, _ := codec.Diagnose(v.Value)
			return nil, fmt.Errorf("decode scheduler state %s (%s): %w", key, diag, err)
		}
	}
	log.Info("initial scheduler state",
		zap.String("key", key),
		zap.Int64("version", v.Version),
		zap.String("framework_id", p.data.FrameworkID),
		zap.String("target_version", p.data.TargetVersion))
	return p, nil
}

// Identity 资源管理器分配的框架标识, 从未注册过时为空
func (p *Proxy) Identity() string {
	return p.data.FrameworkID
}

func (p *Proxy) SetIdentity(ctx context.Context, id string) error {
	next := p.data
	next.FrameworkID = id
	return p.writeback(ctx, next)
}

// TargetVersion 为空表示全部下线
func (p *Proxy) TargetVersion() string {
	return p.data.TargetVersion
}

func (p *Proxy) SetTargetVersion(ctx context.Context, version string) error {
	next := p.data
	next.TargetVersion = version
	return p.writeback(ctx, next)
}

// Reset 清空所有持久化字段
func (p *Proxy) Reset(ctx context.Context) error {
	return p.writeback(ctx, model.SchedulerState{})
}

// State 当前状态的拷贝
func (p *Proxy) State() model.SchedulerState {
	return p.data
}

// writeback 只在存储成功后才更新内存副本. 版本冲突说明有另一个调度器实例在写,
// 不做合并, 直接把错误交给调用方
func (p *Proxy) writeback(ctx context.Context, next model.SchedulerState) error {
	value, err := codec.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode scheduler state: %w", err)
	}
	stored, err := p.store.Store(ctx, p.v.Mutate(value))
	if err != nil {
		return fmt.Errorf("store scheduler state %s: %w", p.v.Key, err)
	}
	p.v = stored
	p.data = next
	p.log.Info("scheduler state stored",
		zap.Int64("version", stored.Version),
		zap.String("framework_id", next.FrameworkID),
		zap.String("target_version", next.TargetVersion))
	return nil
}
