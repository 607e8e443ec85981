package server

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// appMetrics keeps its own registry so multiple App instances (tests spin up
// several) never collide on collector registration.
type appMetrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	llmRequests *prometheus.CounterVec
	llmDuration *prometheus.HistogramVec
	llmTokens   *prometheus.CounterVec
}

func newAppMetrics() *appMetrics {
	m := &appMetrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "echo_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "echo_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "echo_llm_requests_total",
			Help: "Inference calls by endpoint, model and outcome.",
		}, []string{"endpoint", "model", "success"}),
		llmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "echo_llm_request_duration_seconds",
			Help:    "Inference call latency by endpoint.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
		}, []string{"endpoint"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "echo_llm_tokens_total",
			Help: "Estimated tokens by endpoint and direction.",
		}, []string{"endpoint", "direction"}),
	}

	m.registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.llmRequests,
		m.llmDuration,
		m.llmTokens,
	)
	return m
}

func (m *appMetrics) handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func (m *appMetrics) observeLLM(endpoint, model string, success bool, elapsed time.Duration, promptTokens, completionTokens int) {
	m.llmRequests.WithLabelValues(endpoint, model, strconv.FormatBool(success)).Inc()
	m.llmDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
	m.llmTokens.WithLabelValues(endpoint, "prompt").Add(float64(promptTokens))
	m.llmTokens.WithLabelValues(endpoint, "completion").Add(float64(completionTokens))
}

// requestMetricsMiddleware records every API request twice: a prometheus
// observation and an api_hits row for the admin analytics endpoints. The row
// insert is best-effort and never fails the request.
func (a *App) requestMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		elapsed := time.Since(start)
		status := c.Writer.Status()

		a.metrics.httpRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(status)).Inc()
		a.metrics.httpDuration.WithLabelValues(route, c.Request.Method).Observe(elapsed.Seconds())

		var userID any
		if user, ok := authUserFromContext(c); ok {
			userID = user.ID
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := a.db.Exec(
			ctx,
			`INSERT INTO api_hits (user_id, endpoint, method, ip_address, user_agent, response_status, response_time_ms, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
			userID,
			route,
			c.Request.Method,
			c.ClientIP(),
			c.Request.UserAgent(),
			status,
			elapsed.Milliseconds(),
		); err != nil {
			log.Printf("record api hit failed: %v", err)
		}
	}
}
