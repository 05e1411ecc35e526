package diag

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 进程级指标，注册在私有 Registry 上（不污染全局 DefaultRegisterer）：
// - llmbatch_op_total{comp,stage,result}
// - llmbatch_error_total{comp,code}
// - llmbatch_op_duration_seconds{comp,stage}
// - llmbatch_degraded_batches_total
// - llmbatch_backend_calls_total{result}
var (
	registry = prometheus.NewRegistry()

	opTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llmbatch_op_total",
		Help: "Pipeline operations by component, stage and result.",
	}, []string{"comp", "stage", "result"})

	errorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llmbatch_error_total",
		Help: "Errors by component and classification code.",
	}, []string{"comp", "code"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llmbatch_op_duration_seconds",
		Help:    "Duration of finished operations.",
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 9),
	}, []string{"comp", "stage"})

	degradedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "llmbatch_degraded_batches_total",
		Help: "Batches whose backend call failed after retries and were filled with empty results.",
	})

	callTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llmbatch_backend_calls_total",
		Help: "Backend invocations by result (ok, transient, fatal, other, cached).",
	}, []string{"result"})
)

func init() {
	registry.MustRegister(opTotal, errorTotal, opDuration, degradedTotal, callTotal)
}

// Registry 返回指标注册表（供 --metrics-file 导出或测试读取）。
func Registry() *prometheus.Registry { return registry }

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	opTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	if code == "" {
		code = string(CodeUnknown)
	}
	errorTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS) / 1000)
}

// AddDegraded 累加降级批数。
func AddDegraded(n int) {
	if n > 0 {
		degradedTotal.Add(float64(n))
	}
}

// IncCall 记录一次后端调用结果。
func IncCall(result string) {
	callTotal.WithLabelValues(result).Inc()
}

// WriteMetricsFile 以 Prometheus 文本格式原子写出当前指标（node_exporter textfile 约定）。
func WriteMetricsFile(path string) error {
	return prometheus.WriteToTextfile(path, registry)
}
