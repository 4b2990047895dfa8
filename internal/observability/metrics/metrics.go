// Package metrics 以 Prometheus 格式暴露请求指标。
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sparkdemo"

// Recorder 汇总每次请求的结果。零值不可用，请使用 NewRecorder。
type Recorder struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	tokens   *prometheus.CounterVec
}

// NewRecorder 创建独立注册表上的指标集合。
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of LLM requests by mode and status.",
		}, []string{"backend", "mode", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "LLM request latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"backend", "mode"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed by kind.",
		}, []string{"backend", "kind"}),
	}
	r.registry.MustRegister(r.requests, r.latency, r.tokens)
	return r
}

// Observation 是一次请求结束后的指标输入。
type Observation struct {
	Backend          string
	Mode             string
	Status           string
	Latency          time.Duration
	PromptTokens     int
	CompletionTokens int
}

// Observe 记录一次请求。nil Recorder 直接忽略。
func (r *Recorder) Observe(o Observation) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(o.Backend, o.Mode, o.Status).Inc()
	r.latency.WithLabelValues(o.Backend, o.Mode).Observe(o.Latency.Seconds())
	if o.PromptTokens > 0 {
		r.tokens.WithLabelValues(o.Backend, "prompt").Add(float64(o.PromptTokens))
	}
	if o.CompletionTokens > 0 {
		r.tokens.WithLabelValues(o.Backend, "completion").Add(float64(o.CompletionTokens))
	}
}

// Handler 返回 /metrics 处理器。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry 返回底层注册表。
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Server 是可关闭的指标 HTTP 服务。
type Server struct {
	srv  *http.Server
	errs chan error
}

// StartServer 在 addr 上启动指标服务。
func StartServer(addr string, r *Recorder) (*Server, error) {
	if addr == "" {
		return nil, errors.New("metrics address 不能为空")
	}
	if r == nil {
		return nil, errors.New("metrics recorder 不能为空")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	s := &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		errs: make(chan error, 1),
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errs <- err
		}
		close(s.errs)
	}()
	return s, nil
}

// Shutdown 优雅关闭服务并返回运行期间的监听错误。
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("关闭指标服务失败: %w", err)
	}
	return <-s.errs
}
