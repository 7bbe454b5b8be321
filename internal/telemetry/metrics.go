package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — метрики release pipeline.
//
// nil *Metrics — валидный no-op: компоненты без метрик передают nil.
type Metrics struct {
	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	actions            *prometheus.CounterVec
	deployRollbacks    *prometheus.CounterVec
	approvalsPending   prometheus.Gauge
	scheduledTriggers  *prometheus.CounterVec
}

// NewMetrics регистрирует метрики в reg.
// Для процесса используется prometheus.DefaultRegisterer, в тестах — prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		executionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_executions_started_total",
			Help: "Executions created by triggers.",
		}, []string{"pipeline"}),
		executionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_executions_finished_total",
			Help: "Executions that reached a terminal state.",
		}, []string{"pipeline", "status", "reason"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conveyor_stage_duration_seconds",
			Help:    "Wall time of finished stages.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"pipeline", "stage", "status"}),
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_actions_total",
			Help: "Terminal action results by kind.",
		}, []string{"kind", "status"}),
		deployRollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_deploy_rollbacks_total",
			Help: "Deployments rolled back to the previous task definition.",
		}, []string{"service"}),
		approvalsPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "conveyor_approvals_pending",
			Help: "Approval gates waiting for a decision.",
		}),
		scheduledTriggers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_scheduled_triggers_total",
			Help: "Triggers emitted by the scheduler.",
		}, []string{"pipeline", "status"}),
	}
}

// ExecutionStarted учитывает новый execution.
func (m *Metrics) ExecutionStarted(pipeline string) {
	if m == nil {
		return
	}
	m.executionsStarted.WithLabelValues(pipeline).Inc()
}

// ExecutionFinished учитывает завершённый execution.
func (m *Metrics) ExecutionFinished(pipeline, status, reason string) {
	if m == nil {
		return
	}
	m.executionsFinished.WithLabelValues(pipeline, status, reason).Inc()
}

// StageFinished записывает длительность стадии.
func (m *Metrics) StageFinished(pipeline, stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(pipeline, stage, status).Observe(d.Seconds())
}

// ActionFinished учитывает результат action.
func (m *Metrics) ActionFinished(kind, status string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(kind, status).Inc()
}

// DeployRolledBack учитывает откат сервиса.
func (m *Metrics) DeployRolledBack(service string) {
	if m == nil {
		return
	}
	m.deployRollbacks.WithLabelValues(service).Inc()
}

// ApprovalsPending выставляет число открытых gate.
func (m *Metrics) ApprovalsPending(n int) {
	if m == nil {
		return
	}
	m.approvalsPending.Set(float64(n))
}

// ApprovalOpened увеличивает число открытых gate.
func (m *Metrics) ApprovalOpened() {
	if m == nil {
		return
	}
	m.approvalsPending.Inc()
}

// ApprovalClosed уменьшает число открытых gate.
func (m *Metrics) ApprovalClosed() {
	if m == nil {
		return
	}
	m.approvalsPending.Dec()
}

// ScheduledTrigger учитывает trigger планировщика (status: emitted, failed).
func (m *Metrics) ScheduledTrigger(pipeline, status string) {
	if m == nil {
		return
	}
	m.scheduledTriggers.WithLabelValues(pipeline, status).Inc()
}
