package run

import (
	"time"

	"github.com/John-Robertt/dedup/internal/config"
	"github.com/John-Robertt/dedup/internal/domain"
)

// Observer 用于把“运行进度/阶段/逐文件结果”从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）。
// - Observer 的实现必须并发安全：OnFileDone 来自多个哈希 worker。
type Observer interface {
	// OnStart 在执行开始时调用（应尽量早，保证用户 1 秒内看到输出）。
	OnStart(command string, eff config.EffectiveConfig)
	// OnPhaseDone 在阶段结束时调用（用于打印阶段统计与耗时）。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnFileDone 在单个文件哈希完成（或失败）时调用；cached 表示命中新鲜度索引。
	OnFileDone(done, total int, path string, cached bool, err error)
	// OnMoveDone 在单个隔离移动执行（或被拒绝）后调用。
	OnMoveDone(idx, total int, res domain.MoveResult)
}

// Multi 把事件广播给多个 Observer（nil 会被忽略）。
func Multi(obs ...Observer) Observer {
	out := make(multi, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

type multi []Observer

func (m multi) OnStart(command string, eff config.EffectiveConfig) {
	for _, o := range m {
		o.OnStart(command, eff)
	}
}

func (m multi) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	for _, o := range m {
		o.OnPhaseDone(name, fields, dur)
	}
}

func (m multi) OnFileDone(done, total int, path string, cached bool, err error) {
	for _, o := range m {
		o.OnFileDone(done, total, path, cached, err)
	}
}

func (m multi) OnMoveDone(idx, total int, res domain.MoveResult) {
	for _, o := range m {
		o.OnMoveDone(idx, total, res)
	}
}

// nopObserver 让执行流程不必到处判 nil。
type nopObserver struct{}

func (nopObserver) OnStart(string, config.EffectiveConfig) {}
func (nopObserver) OnPhaseDone(string, map[string]any, time.Duration) {}
func (nopObserver) OnFileDone(int, int, string, bool, error) {}
func (nopObserver) OnMoveDone(int, int, domain.MoveResult) {}
