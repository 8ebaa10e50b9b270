package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	EnqueuedJobs     prometheus.Counter
	ProcessedJobs    prometheus.Counter
	FailedJobs       prometheus.Counter
	ProviderCalls    *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	CommandsExecuted prometheus.Counter
	CommandsBlocked  prometheus.Counter
	RateLimited      prometheus.Counter
	ChatCompletions  prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentmux",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by method and status",
			}, []string{"method", "status"}),
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agentmux",
				Name:      "queue_enqueued_total",
				Help:      "Total jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agentmux",
				Name:      "queue_processed_total",
				Help:      "Total jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agentmux",
				Name:      "queue_failed_total",
				Help:      "Total jobs failed during processing",
			}),
			ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentmux",
				Name:      "provider_calls_total",
				Help:      "Total provider chat calls by kind",
			}, []string{"kind"}),
			ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentmux",
				Name:      "provider_errors_total",
				Help:      "Total provider chat failures by kind",
			}, []string{"kind"}),
			CommandsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agentmux",
				Name:      "commands_executed_total",
				Help:      "Total commands executed",
			}),
			CommandsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agentmux",
				Name:      "commands_blocked_total",
				Help:      "Total command executions blocked by policy",
			}),
			RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agentmux",
				Name:      "rate_limited_total",
				Help:      "Total requests rejected by the hourly rate limit",
			}),
			ChatCompletions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agentmux",
				Name:      "chat_completions_total",
				Help:      "Total chat and instruct completions served",
			}),
		}
		prometheus.MustRegister(
			global.RequestsTotal,
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.ProviderCalls,
			global.ProviderErrors,
			global.CommandsExecuted,
			global.CommandsBlocked,
			global.RateLimited,
			global.ChatCompletions,
		)
	})
	return global
}
