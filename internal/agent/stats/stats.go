// Package stats buffers finished flow records and ships them to the
// controller in batches. The queue is bounded: when full, the oldest
// records are dropped so a long controller outage costs history, not
// memory.
package stats

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/agent/proxy"
	"github.com/nekoproxy/nekoproxy/internal/metrics"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

// Defaults for the reporter tunables.
const (
	DefaultInterval  = 60 * time.Second
	DefaultBatchSize = 100
	DefaultCapacity  = 10000
)

// StatsClient is the part of the controller client the reporter needs.
type StatsClient interface {
	ReportStats(ctx context.Context, report types.StatsReport) error
}

// Reporter batches flow records and uploads them periodically.
type Reporter struct {
	client    StatsClient
	agentID   uint
	interval  time.Duration
	batchSize int
	capacity  int
	metrics   *metrics.Agent // may be nil
	logger    *zap.Logger

	mu    sync.Mutex
	queue []types.ConnectionRecord
}

// Options configures a Reporter. Zero fields take the package defaults.
type Options struct {
	Client    StatsClient
	AgentID   uint
	Interval  time.Duration
	BatchSize int
	Capacity  int
	Metrics   *metrics.Agent
	Logger    *zap.Logger
}

// New creates a Reporter.
func New(opts Options) *Reporter {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	return &Reporter{
		client:    opts.Client,
		agentID:   opts.AgentID,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		capacity:  opts.Capacity,
		metrics:   opts.Metrics,
		logger:    opts.Logger.Named("stats"),
	}
}

// Record queues one finished flow. Safe for concurrent use; called from the
// proxies' connection goroutines.
func (r *Reporter) Record(flow proxy.Flow) {
	duration := flow.Duration
	rec := types.ConnectionRecord{
		ServiceID:     flow.ServiceID,
		ClientIP:      flow.ClientIP,
		Status:        flow.Status,
		Duration:      &duration,
		BytesSent:     flow.BytesSent,
		BytesReceived: flow.BytesReceived,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}

	r.mu.Lock()
	if len(r.queue) >= r.capacity {
		// Drop the oldest record to make room.
		r.queue = r.queue[1:]
		if r.metrics != nil {
			r.metrics.QueueDropped.Inc()
		}
	}
	r.queue = append(r.queue, rec)
	depth := len(r.queue)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.QueueDepth.Set(float64(depth))
	}
}

// Pending returns the number of queued records.
func (r *Reporter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Run uploads batches until ctx is cancelled, then flushes what remains with
// a short grace period.
func (r *Reporter) Run(ctx context.Context) {
	r.logger.Info("stats reporter started",
		zap.Duration("interval", r.interval), zap.Int("batch_size", r.batchSize))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			r.sendBatch(ctx)
		}
	}
}

// Flush drains the whole queue, batch by batch, stopping at the first
// failure.
func (r *Reporter) Flush(ctx context.Context) {
	for r.Pending() > 0 {
		if !r.sendBatch(ctx) {
			return
		}
	}
}

// sendBatch uploads up to batchSize records from the head of the queue.
// On failure the batch goes back to the head so nothing is lost and order
// is preserved. Returns false when a send failed or nothing was pending.
func (r *Reporter) sendBatch(ctx context.Context) bool {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return false
	}
	n := len(r.queue)
	if n > r.batchSize {
		n = r.batchSize
	}
	batch := make([]types.ConnectionRecord, n)
	copy(batch, r.queue[:n])
	r.queue = r.queue[n:]
	r.mu.Unlock()

	err := r.client.ReportStats(ctx, types.StatsReport{
		AgentID:     r.agentID,
		Connections: batch,
	})
	if err != nil {
		// Requeue at the head; drop-oldest still applies if the queue
		// overflowed meanwhile.
		r.mu.Lock()
		r.queue = append(batch, r.queue...)
		if excess := len(r.queue) - r.capacity; excess > 0 {
			r.queue = r.queue[excess:]
			if r.metrics != nil {
				r.metrics.QueueDropped.Add(float64(excess))
			}
		}
		depth := len(r.queue)
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.QueueDepth.Set(float64(depth))
		}
		r.logger.Warn("failed to report stats, will retry", zap.Int("batch_size", len(batch)), zap.Error(err))
		return false
	}

	if r.metrics != nil {
		r.metrics.QueueDepth.Set(float64(r.Pending()))
	}
	r.logger.Debug("stats batch reported", zap.Int("batch_size", len(batch)))
	return true
}
