package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/John-Robertt/dedup/internal/config"
	"github.com/John-Robertt/dedup/internal/domain"
)

const namespace = "dedup"

// Collector 把执行事件累计为 Prometheus 指标；通过 WriteTextfile 导出给 node_exporter 的 textfile collector。
//
// 它满足 run.Observer，可与进度 UI 一起挂在 run.Multi 上。
type Collector struct {
	reg *prometheus.Registry

	files      *prometheus.CounterVec
	moves      *prometheus.CounterVec
	phase      *prometheus.GaugeVec
	lastRun    prometheus.Gauge
	runSeconds prometheus.Gauge
	info       *prometheus.GaugeVec

	once    sync.Once
	started time.Time
}

// New 创建独立 registry（不污染全局 DefaultRegisterer）。
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Files processed by the hashing stage, by result.",
		}, []string{"result"}),
		moves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moves_total",
			Help:      "Quarantine moves, by status.",
		}, []string{"status"}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall time of each pipeline phase in the last run.",
		}, []string{"phase"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run started.",
		}),
		runSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time from start to the last observed event.",
		}),
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_info",
			Help:      "Command and algorithm of the last run.",
		}, []string{"command", "algorithm"}),
	}
	c.reg.MustRegister(c.files, c.moves, c.phase, c.lastRun, c.runSeconds, c.info)
	return c
}

func (c *Collector) OnStart(command string, eff config.EffectiveConfig) {
	c.once.Do(func() {
		c.started = time.Now()
		c.lastRun.Set(float64(c.started.Unix()))
		c.info.WithLabelValues(command, string(eff.Algorithm)).Set(1)
	})
}

func (c *Collector) OnPhaseDone(name string, _ map[string]any, dur time.Duration) {
	c.phase.WithLabelValues(name).Set(dur.Seconds())
	c.touch()
}

func (c *Collector) OnFileDone(_, _ int, _ string, cached bool, err error) {
	switch {
	case err != nil:
		c.files.WithLabelValues("failed").Inc()
	case cached:
		c.files.WithLabelValues("cached").Inc()
	default:
		c.files.WithLabelValues("hashed").Inc()
	}
}

func (c *Collector) OnMoveDone(_, _ int, res domain.MoveResult) {
	c.moves.WithLabelValues(res.Status).Inc()
	c.touch()
}

func (c *Collector) touch() {
	if !c.started.IsZero() {
		c.runSeconds.Set(time.Since(c.started).Seconds())
	}
}

// WriteTextfile 以 Prometheus 文本格式原子写出所有指标。
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.reg)
}
