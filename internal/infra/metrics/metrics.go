package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DigestBuildSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "digest_build_seconds",
		Help:    "Время построения дайджеста",
		Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 180, 300, 450, 600},
	})

	DigestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digests_total",
		Help: "Результаты генерации дайджестов",
	}, []string{"cause", "result"})

	PushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "push_notifications_total",
		Help: "Отправленные push-уведомления",
	}, []string{"status"})

	SchedulerTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_ticks_total",
		Help: "Количество проверок планировщика",
	})

	SchedulerDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_dispatches_total",
		Help: "Решения планировщика по задачам",
	}, []string{"kind", "outcome"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600},
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		DigestBuildSeconds,
		DigestsTotal,
		PushTotal,
		SchedulerTicks,
		SchedulerDispatches,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
	)
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}

// ObserveDigest фиксирует результат генерации дайджеста.
func ObserveDigest(cause, result string, start time.Time) {
	if cause == "" {
		cause = "unknown"
	}
	DigestsTotal.WithLabelValues(cause, result).Inc()
	if result == "stored" {
		DigestBuildSeconds.Observe(time.Since(start).Seconds())
	}
}

// ObserveDispatch фиксирует решение планировщика по задаче.
func ObserveDispatch(kind, outcome string) {
	SchedulerDispatches.WithLabelValues(kind, outcome).Inc()
}
