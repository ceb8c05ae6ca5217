package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/John-Robertt/dedup/internal/app/run"
	"github.com/John-Robertt/dedup/internal/config"
	"github.com/John-Robertt/dedup/internal/domain"
)

var _ run.Observer = (*progressUI)(nil)

// progressUI 是交互终端上的简洁进度输出。
//
// 约束：
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 哈希阶段逐文件事件很多：只在失败时逐条打印，其余按间隔汇总
// - keepalive：长时间没有输出时定期打印一行
type progressUI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	total  int
	done   int
	cached int
	failed int

	printEvery         time.Duration
	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		printEvery:         time.Second,
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(command string, eff config.EffectiveConfig) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.startedAt = now

	fmt.Fprintf(p.w, "[%s] dedup %s\n", now.Format("15:04:05"), command)
	fmt.Fprintln(p.w, "配置（生效）:")
	fmt.Fprintf(p.w, "  root: %s\n", eff.Root)
	if eff.ConfigFile != "" {
		fmt.Fprintf(p.w, "  config: %s\n", eff.ConfigFile)
	}
	if command != run.CommandFind {
		fmt.Fprintf(p.w, "  algorithm: %s\n", eff.Algorithm)
		fmt.Fprintf(p.w, "  concurrency: %d\n", eff.Concurrency)
		if eff.Algorithm.IsPerceptual() {
			fmt.Fprintf(p.w, "  similarity: max_hamming=%d max_edit=%d\n", eff.Similarity.MaxHamming, eff.Similarity.MaxEdit)
		}
	}
	if f := formatFilter(eff); f != "" {
		fmt.Fprintf(p.w, "  filter: %s\n", f)
	}
	fmt.Fprintf(p.w, "  exclude: %s + 固定排除 .dedup/、隔离目录\n", formatStringListJSON(eff.Exclude))
	if command == run.CommandQuarantine {
		fmt.Fprintf(p.w, "  quarantine_dir: %s\n", eff.QuarantineDir)
	}
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "list":
		fmt.Fprintf(p.w, "遍历: files=%d filtered=%d skipped=%d (%s)\n",
			intField(fields, "files"), intField(fields, "filtered"), intField(fields, "skipped"), formatShortDuration(dur),
		)
	case "hash":
		p.stopTickerLocked()
		fmt.Fprintf(p.w, "哈希: workers=%d hashed=%d index_hits=%d failed=%d (%s)\n",
			intField(fields, "workers"),
			intField(fields, "hashed"),
			intField(fields, "index_hits"),
			intField(fields, "failed"),
			formatShortDuration(dur),
		)
	case "group":
		fmt.Fprintf(p.w, "分组: groups=%d duplicates=%d (%s)\n",
			intField(fields, "groups"), intField(fields, "duplicates"), formatShortDuration(dur),
		)
	case "plan":
		fmt.Fprintf(p.w, "规划: moves=%d conflicts=%d (%s)\n",
			intField(fields, "moves"), intField(fields, "conflicts"), formatShortDuration(dur),
		)
	case "quarantine":
		fmt.Fprintf(p.w, "隔离: moves=%d (%s)\n", intField(fields, "moves"), formatShortDuration(dur))
	default:
		fmt.Fprintf(p.w, "%s (%s)\n", name, formatShortDuration(dur))
	}

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnFileDone(done, total int, path string, cached bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// done 由 run 层单调递增给出；这里同时维护计数，供 keepalive 使用。
	if done > p.done {
		p.done = done
	}
	p.total = total
	if cached {
		p.cached++
	}
	if err != nil {
		p.failed++
		fmt.Fprintf(p.w, "[%d/%d] FAIL %s: %s\n", done, total, path, truncate(err.Error(), 160))
		p.lastPrinted = time.Now()
	} else if done == total || time.Since(p.lastPrinted) >= p.printEvery {
		p.printProgressLocked()
	}

	if !p.tickerStarted && p.done < p.total {
		p.startTickerLocked()
	}
}

func (p *progressUI) OnMoveDone(idx, total int, res domain.MoveResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := strings.ToUpper(res.Status)
	switch res.Status {
	case domain.MoveStatusMoved:
		status = "OK"
	case domain.MoveStatusConflict:
		status = "CONFLICT"
	case domain.MoveStatusFailed:
		status = "FAIL"
	}

	if res.ErrorCode != "" {
		fmt.Fprintf(p.w, "[%d/%d] %s %s %s: %s\n", idx, total, status, filepath.Base(res.Src), res.ErrorCode, truncate(res.ErrorMsg, 160))
	} else {
		fmt.Fprintf(p.w, "[%d/%d] %s %s -> %s\n", idx, total, status, res.Src, res.Dst)
	}
	p.lastPrinted = time.Now()
}

func (p *progressUI) printProgressLocked() {
	fmt.Fprintf(p.w, "进度: done=%d/%d cached=%d failed=%d elapsed=%s\n",
		p.done, p.total, p.cached, p.failed, formatElapsed(time.Since(p.startedAt)),
	)
	p.lastPrinted = time.Now()
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}
	stop := p.stopCh

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if p.total > 0 && p.done < p.total && time.Since(p.lastPrinted) > threshold {
					p.printProgressLocked()
				}
				p.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func (p *progressUI) stopTickerLocked() {
	if p.tickerStarted {
		close(p.stopCh)
		p.tickerStarted = false
	}
}

func formatFilter(eff config.EffectiveConfig) string {
	f := eff.Filter
	var parts []string
	if f.MinSize > 0 {
		parts = append(parts, "min_size="+humanize.IBytes(f.MinSize))
	}
	if f.MaxSize > 0 {
		parts = append(parts, "max_size="+humanize.IBytes(f.MaxSize))
	}
	if f.Ext != "" {
		parts = append(parts, "ext="+f.Ext)
	}
	if f.Pattern != "" {
		parts = append(parts, "pattern="+truncate(f.Pattern, 80))
	}
	if !f.Since.IsZero() {
		parts = append(parts, "since="+f.Since.Format(time.RFC3339))
	}
	return strings.Join(parts, " ")
}

func formatStringListJSON(xs []string) string {
	// json.Marshal(nil slice) => "null"；对用户更友好的是 "[]"
	if xs == nil {
		xs = []string{}
	}
	b, err := json.Marshal(xs)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	switch x := fields[key].(type) {
	case int:
		return x
	case int64:
		return int(x)
	case uint64:
		return int(x)
	default:
		return 0
	}
}
