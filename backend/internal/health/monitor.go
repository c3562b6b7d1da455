package health

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"docguard/backend/internal/collab"
)

const (
	DefaultInterval = 5 * time.Second
	historyWindow   = time.Hour
	rateWindow      = time.Minute
)

// CoordinatorView 监控只读取协调器的健康和队列
type CoordinatorView interface {
	GetHealth() collab.Health
	QueueLength() int
}

type QueueView interface {
	QueueLength() int
}

type Thresholds struct {
	MaxOpsPerMinute     int           `json:"maxOpsPerMinute"`
	MaxAvgOperationTime time.Duration `json:"maxAvgOperationTime"`
	MaxErrorRate        float64       `json:"maxErrorRate"`
	MinHealthScore      float64       `json:"minHealthScore"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxOpsPerMinute:     120,
		MaxAvgOperationTime: time.Second,
		MaxErrorRate:        0.1,
		MinHealthScore:      70,
	}
}

// Metrics 每次采样重新计算，不持久化
type Metrics struct {
	OperationsPerMinute    int       `json:"operationsPerMinute"`
	AverageOperationTimeMs float64   `json:"averageOperationTimeMs"`
	ErrorRate              float64   `json:"errorRate"`
	HealthScore            float64   `json:"healthScore"`
	CoordinatorHealthy     bool      `json:"coordinatorHealthy"`
	CoordinatorIssues      []string  `json:"coordinatorIssues"`
	CoordinatorQueue       int       `json:"coordinatorQueueLength"`
	BufferQueue            int       `json:"bufferQueueLength"`
	LastUpdate             time.Time `json:"lastUpdate"`
}

type Diagnostics struct {
	Running     bool       `json:"running"`
	Interval    string     `json:"interval"`
	HistorySize int        `json:"historySize"`
	Thresholds  Thresholds `json:"thresholds"`
	Metrics     Metrics    `json:"metrics"`
	Alerts      []string   `json:"alerts"`
}

type MonitorOptions struct {
	Interval   time.Duration
	Thresholds Thresholds
	// Registerer 为 nil 时指标不注册
	Registerer prometheus.Registerer
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

type opRecord struct {
	at       time.Time
	duration time.Duration
	success  bool
}

type gauges struct {
	score      prometheus.Gauge
	opsPerMin  prometheus.Gauge
	avgSeconds prometheus.Gauge
	errorRate  prometheus.Gauge
	alerts     prometheus.Gauge
	queue      *prometheus.GaugeVec
	operations *prometheus.CounterVec
}

// Monitor 周期采样协调器和缓冲区，计算 0-100 健康分和告警。
// 不修改被观察的组件。
type Monitor struct {
	coordinator CoordinatorView
	buffer      QueueView
	interval    time.Duration
	logger      logrus.FieldLogger
	now         func() time.Time
	gauges      gauges

	mu         sync.RWMutex
	thresholds Thresholds
	history    []opRecord
	metrics    Metrics
	alerts     []string

	runMu sync.Mutex
	stop  chan struct{}
	done  chan struct{}
}

func NewMonitor(coordinator CoordinatorView, buffer QueueView, opt MonitorOptions) *Monitor {
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
	}
	if opt.Thresholds == (Thresholds{}) {
		opt.Thresholds = DefaultThresholds()
	}
	if opt.Logger == nil {
		opt.Logger = logrus.StandardLogger()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	m := &Monitor{
		coordinator: coordinator,
		buffer:      buffer,
		interval:    opt.Interval,
		logger:      opt.Logger.WithField("component", "health_monitor"),
		now:         opt.Now,
		thresholds:  opt.Thresholds,
		metrics:     Metrics{HealthScore: 100, CoordinatorHealthy: true},
		alerts:      []string{},
	}
	m.gauges = newGauges(opt.Registerer)
	return m
}

func newGauges(reg prometheus.Registerer) gauges {
	f := promauto.With(reg)
	return gauges{
		score: f.NewGauge(prometheus.GaugeOpts{
			Name: "docguard_health_score",
			Help: "Derived health score between 0 and 100",
		}),
		opsPerMin: f.NewGauge(prometheus.GaugeOpts{
			Name: "docguard_operations_per_minute",
			Help: "Coordinator operations recorded in the last minute",
		}),
		avgSeconds: f.NewGauge(prometheus.GaugeOpts{
			Name: "docguard_operation_duration_average_seconds",
			Help: "Average coordinator operation duration over the last minute",
		}),
		errorRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "docguard_operation_error_rate",
			Help: "Share of failed coordinator operations over the last minute",
		}),
		alerts: f.NewGauge(prometheus.GaugeOpts{
			Name: "docguard_active_alerts",
			Help: "Number of active health alerts",
		}),
		queue: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docguard_queue_length",
			Help: "Operations waiting for a lock",
		}, []string{"component"}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docguard_operations_total",
			Help: "Coordinator operations by result",
		}, []string{"result"}),
	}
}

// RecordOperation 实现 collab.OperationRecorder
func (m *Monitor) RecordOperation(duration time.Duration, success bool) {
	m.mu.Lock()
	m.history = append(m.history, opRecord{at: m.now(), duration: duration, success: success})
	m.mu.Unlock()
	result := "success"
	if !success {
		result = "failure"
	}
	m.gauges.operations.WithLabelValues(result).Inc()
}

// SetThresholds 配置热更新，下一次采样生效
func (m *Monitor) SetThresholds(t Thresholds) {
	m.mu.Lock()
	m.thresholds = t
	m.mu.Unlock()
	m.logger.WithField("action", "health_thresholds").
		WithField("maxOpsPerMinute", t.MaxOpsPerMinute).
		WithField("maxAvgOperationTime", t.MaxAvgOperationTime.String()).
		WithField("maxErrorRate", t.MaxErrorRate).
		WithField("minHealthScore", t.MinHealthScore).
		Info("health thresholds updated")
}

// StartMonitoring 立即采样一次，然后按固定间隔采样；重复调用无副作用
func (m *Monitor) StartMonitoring() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.Sample()
	go m.loop(m.stop, m.done)
}

func (m *Monitor) StopMonitoring() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
	m.stop, m.done = nil, nil
}

func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.stop != nil
}

func (m *Monitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sample()
		case <-stop:
			return
		}
	}
}

// Sample 一次采样：裁剪历史、计算窗口指标、打分、生成告警
func (m *Monitor) Sample() {
	now := m.now()
	var coord collab.Health
	coordQueue, bufferQueue := 0, 0
	if m.coordinator != nil {
		coord = m.coordinator.GetHealth()
		coordQueue = m.coordinator.QueueLength()
	} else {
		coord.IsHealthy = true
	}
	if m.buffer != nil {
		bufferQueue = m.buffer.QueueLength()
	}

	m.mu.Lock()
	m.pruneLocked(now)
	t := m.thresholds

	ops, failures := 0, 0
	var total time.Duration
	for _, r := range m.history {
		if now.Sub(r.at) > rateWindow {
			continue
		}
		ops++
		total += r.duration
		if !r.success {
			failures++
		}
	}
	metrics := Metrics{
		OperationsPerMinute: ops,
		CoordinatorHealthy:  coord.IsHealthy,
		CoordinatorIssues:   coord.Issues,
		CoordinatorQueue:    coordQueue,
		BufferQueue:         bufferQueue,
		LastUpdate:          now,
	}
	var avg time.Duration
	if ops > 0 {
		avg = total / time.Duration(ops)
		metrics.AverageOperationTimeMs = float64(avg) / float64(time.Millisecond)
		metrics.ErrorRate = float64(failures) / float64(ops)
	}

	alerts := []string{}
	score := 100.0
	if t.MaxOpsPerMinute > 0 && ops > t.MaxOpsPerMinute {
		alerts = append(alerts, fmt.Sprintf("high operation rate: %d ops/min (threshold %d)", ops, t.MaxOpsPerMinute))
		score -= math.Min(20, float64(ops-t.MaxOpsPerMinute)/float64(t.MaxOpsPerMinute)*20)
	}
	if t.MaxAvgOperationTime > 0 && avg > t.MaxAvgOperationTime {
		alerts = append(alerts, fmt.Sprintf("slow operations: average %.0fms (threshold %dms)",
			metrics.AverageOperationTimeMs, t.MaxAvgOperationTime.Milliseconds()))
		score -= math.Min(20, float64(avg-t.MaxAvgOperationTime)/float64(t.MaxAvgOperationTime)*20)
	}
	if metrics.ErrorRate > t.MaxErrorRate {
		alerts = append(alerts, fmt.Sprintf("high error rate: %.1f%% (threshold %.1f%%)", metrics.ErrorRate*100, t.MaxErrorRate*100))
	}
	score -= math.Min(30, metrics.ErrorRate*100)
	if !coord.IsHealthy {
		alerts = append(alerts, fmt.Sprintf("coordinator unhealthy: %d issue(s)", len(coord.Issues)))
		score -= 20
	}
	score -= math.Min(10, float64(2*len(alerts)))
	score = math.Max(0, math.Min(100, math.Round(score)))
	if score < t.MinHealthScore {
		alerts = append(alerts, fmt.Sprintf("health score %.0f below minimum %.0f", score, t.MinHealthScore))
	}
	metrics.HealthScore = score

	prevAlerts := len(m.alerts)
	m.metrics = metrics
	m.alerts = alerts
	m.mu.Unlock()

	m.publish(metrics, len(alerts))
	if len(alerts) > 0 && len(alerts) != prevAlerts {
		m.logger.WithField("action", "health_sample").
			WithField("score", score).
			WithField("alerts", alerts).
			Warn("health alerts changed")
	}
}

func (m *Monitor) pruneLocked(now time.Time) {
	keep := 0
	for keep < len(m.history) && now.Sub(m.history[keep].at) > historyWindow {
		keep++
	}
	if keep > 0 {
		m.history = append(m.history[:0], m.history[keep:]...)
	}
}

func (m *Monitor) publish(metrics Metrics, alerts int) {
	m.gauges.score.Set(metrics.HealthScore)
	m.gauges.opsPerMin.Set(float64(metrics.OperationsPerMinute))
	m.gauges.avgSeconds.Set(metrics.AverageOperationTimeMs / 1000)
	m.gauges.errorRate.Set(metrics.ErrorRate)
	m.gauges.alerts.Set(float64(alerts))
	m.gauges.queue.WithLabelValues("coordinator").Set(float64(metrics.CoordinatorQueue))
	m.gauges.queue.WithLabelValues("buffer").Set(float64(metrics.BufferQueue))
}

func (m *Monitor) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.metrics
	out.CoordinatorIssues = append([]string(nil), m.metrics.CoordinatorIssues...)
	return out
}

func (m *Monitor) Alerts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.alerts...)
}

func (m *Monitor) Diagnostics() Diagnostics {
	running := m.Running()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Diagnostics{
		Running:     running,
		Interval:    m.interval.String(),
		HistorySize: len(m.history),
		Thresholds:  m.thresholds,
		Metrics:     m.metrics,
		Alerts:      append([]string{}, m.alerts...),
	}
}
