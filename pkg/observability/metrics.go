package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	wsSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "geoassist_ws_sessions",
		Help: "the number of websocket sessions currently open",
	})
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoassist_agent_turns_total",
		Help: "the number of chat turns processed",
	}, []string{"status"})
	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoassist_tool_calls_total",
		Help: "the number of tool calls dispatched",
	}, []string{"tool", "status"})
	llmCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoassist_llm_calls_total",
		Help: "the number of LLM completions requested",
	}, []string{"model", "status"})
	llmTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoassist_llm_tokens_total",
		Help: "the number of tokens reported by the LLM provider",
	}, []string{"model"})
	sqlExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoassist_sql_executions_total",
		Help: "the number of SQL template executions",
	}, []string{"template", "status"})
	analysisRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoassist_analysis_runs_total",
		Help: "the number of analysis plans executed",
	}, []string{"status"})
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geoassist_http_request_duration_seconds",
		Help:    "the length of time it took to serve an HTTP request",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

// MetricsHandler serves the default Prometheus registry, which also carries
// the standard Go runtime collectors.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func RecordSessionOpened() { wsSessions.Inc() }
func RecordSessionClosed() { wsSessions.Dec() }

func RecordTurn(err error) {
	turnsTotal.WithLabelValues(outcome(err)).Inc()
}

func RecordToolCall(tool string, err error) {
	toolCallsTotal.WithLabelValues(tool, outcome(err)).Inc()
}

func RecordLLMCall(model string, tokens int, err error) {
	llmCallsTotal.WithLabelValues(model, outcome(err)).Inc()
	if tokens > 0 {
		llmTokensTotal.WithLabelValues(model).Add(float64(tokens))
	}
}

func RecordSQLExecution(template string, err error) {
	sqlExecutionsTotal.WithLabelValues(template, outcome(err)).Inc()
}

func RecordAnalysisRun(err error) {
	analysisRunsTotal.WithLabelValues(outcome(err)).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
