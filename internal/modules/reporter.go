package modules

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nathanielvictory/VirtualConsultantTwo/internal/logger"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/types"
	"github.com/nats-io/nats.go"
)

const metricsSubject = "metrics.report"

// Reporter aggregates task results into daily metrics.
type Reporter struct {
	nc            *nats.Conn
	statusSubject string
	logger        *logger.Logger
	metrics       map[string]TaskMetrics
	metricsMutex  sync.RWMutex
	sub           *nats.Subscription
	now           func() time.Time
}

type TaskMetrics struct {
	TotalTasks      int            `json:"total_tasks"`
	SucceededTasks  int            `json:"succeeded_tasks"`
	FailedTasks     int            `json:"failed_tasks"`
	ByRoutingKey    map[string]int `json:"by_routing_key"`
	AverageDuration float64        `json:"average_duration"`
	LastUpdated     time.Time      `json:"last_updated"`
	TotalDuration   float64        `json:"-"` // Used for average calculation
}

func NewReporter(nc *nats.Conn, statusSubject string, log *logger.Logger) *Reporter {
	return &Reporter{
		nc:            nc,
		statusSubject: statusSubject,
		logger:        log.Named("reporter"),
		metrics:       make(map[string]TaskMetrics),
		now:           time.Now,
	}
}

func (r *Reporter) Start(ctx context.Context) error {
	// Subscribe to task results for metrics
	sub, err := r.nc.Subscribe(r.statusSubject, func(msg *nats.Msg) {
		var result types.TaskResult
		if err := json.Unmarshal(msg.Data, &result); err != nil {
			r.logger.Warnw("error unmarshaling task result", "error", err)
			return
		}

		r.updateMetrics(result)
	})
	if err != nil {
		return err
	}
	r.sub = sub

	go r.publishMetrics(ctx)
	go r.cleanupMetrics(ctx)

	return nil
}

func (r *Reporter) updateMetrics(result types.TaskResult) {
	r.metricsMutex.Lock()
	defer r.metricsMutex.Unlock()

	// Daily buckets keyed by UTC date
	dateKey := result.Timestamp.UTC().Format("2006-01-02")

	metrics, exists := r.metrics[dateKey]
	if !exists {
		metrics = TaskMetrics{
			ByRoutingKey: make(map[string]int),
		}
	}

	metrics.TotalTasks++
	metrics.LastUpdated = result.Timestamp
	metrics.TotalDuration += result.Duration
	metrics.AverageDuration = metrics.TotalDuration / float64(metrics.TotalTasks)
	if result.RoutingKey != "" {
		metrics.ByRoutingKey[result.RoutingKey]++
	}

	switch result.Status {
	case types.TaskStatusSucceeded:
		metrics.SucceededTasks++
	case types.TaskStatusFailed:
		metrics.FailedTasks++
	}

	r.metrics[dateKey] = metrics
}

func (r *Reporter) publishMetrics(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reportData, err := json.Marshal(r.GetMetrics())
			if err != nil {
				r.logger.Errorw("error marshaling metrics", "error", err)
				continue
			}
			if err := r.nc.Publish(metricsSubject, reportData); err != nil {
				r.logger.Warnw("error publishing metrics", "error", err)
			}
		}
	}
}

func (r *Reporter) cleanupMetrics(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.prune(30)
		}
	}
}

// prune keeps only the last days of metrics.
func (r *Reporter) prune(days int) {
	r.metricsMutex.Lock()
	defer r.metricsMutex.Unlock()

	cutoffDate := r.now().UTC().AddDate(0, 0, -days)
	for date := range r.metrics {
		if parsedDate, err := time.Parse("2006-01-02", date); err == nil {
			if parsedDate.Before(cutoffDate) {
				delete(r.metrics, date)
			}
		}
	}
}

func (r *Reporter) GetMetrics() map[string]TaskMetrics {
	r.metricsMutex.RLock()
	defer r.metricsMutex.RUnlock()

	metrics := make(map[string]TaskMetrics, len(r.metrics))
	for date, metric := range r.metrics {
		byKey := make(map[string]int, len(metric.ByRoutingKey))
		for k, v := range metric.ByRoutingKey {
			byKey[k] = v
		}
		metric.ByRoutingKey = byKey
		metrics[date] = metric
	}

	return metrics
}

func (r *Reporter) Stop() error {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			r.logger.Warnw("error unsubscribing from task results", "error", err)
		}
	}

	// Publish final metrics before stopping
	reportData, err := json.Marshal(r.GetMetrics())
	if err == nil {
		if err := r.nc.Publish(metricsSubject, reportData); err != nil {
			r.logger.Warnw("error publishing final metrics", "error", err)
		}
	}

	return nil
}
