package stats

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/agent/proxy"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

// fakeStatsClient captures reports and can be told to fail.
type fakeStatsClient struct {
	mu      sync.Mutex
	reports []types.StatsReport
	err     error
}

func (c *fakeStatsClient) ReportStats(_ context.Context, report types.StatsReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.reports = append(c.reports, report)
	return nil
}

func (c *fakeStatsClient) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *fakeStatsClient) all() []types.StatsReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.StatsReport(nil), c.reports...)
}

func newTestReporter(c StatsClient, batchSize, capacity int) *Reporter {
	return New(Options{
		Client:    c,
		AgentID:   42,
		BatchSize: batchSize,
		Capacity:  capacity,
		Logger:    zap.NewNop(),
	})
}

func flow(ip string) proxy.Flow {
	return proxy.Flow{
		ServiceID:     1,
		ClientIP:      ip,
		Status:        types.ConnStatusCompleted,
		Duration:      0.5,
		BytesSent:     100,
		BytesReceived: 200,
	}
}

func TestReporterBatchesInOrder(t *testing.T) {
	client := &fakeStatsClient{}
	r := newTestReporter(client, 2, 100)

	r.Record(flow("10.0.0.1"))
	r.Record(flow("10.0.0.2"))
	r.Record(flow("10.0.0.3"))
	require.Equal(t, 3, r.Pending())

	r.Flush(context.Background())
	require.Zero(t, r.Pending())

	reports := client.all()
	require.Len(t, reports, 2, "three records at batch size two means two uploads")
	assert.Equal(t, uint(42), reports[0].AgentID)
	require.Len(t, reports[0].Connections, 2)
	assert.Equal(t, "10.0.0.1", reports[0].Connections[0].ClientIP)
	assert.Equal(t, "10.0.0.2", reports[0].Connections[1].ClientIP)
	require.Len(t, reports[1].Connections, 1)
	assert.Equal(t, "10.0.0.3", reports[1].Connections[0].ClientIP)
}

func TestReporterRequeuesFailedBatch(t *testing.T) {
	client := &fakeStatsClient{}
	r := newTestReporter(client, 10, 100)

	r.Record(flow("10.0.0.1"))
	r.Record(flow("10.0.0.2"))

	client.setErr(errors.New("controller down"))
	r.Flush(context.Background())
	assert.Equal(t, 2, r.Pending(), "failed batch must return to the queue")
	assert.Empty(t, client.all())

	client.setErr(nil)
	r.Flush(context.Background())
	require.Zero(t, r.Pending())

	reports := client.all()
	require.Len(t, reports, 1)
	// Order survived the retry.
	assert.Equal(t, "10.0.0.1", reports[0].Connections[0].ClientIP)
	assert.Equal(t, "10.0.0.2", reports[0].Connections[1].ClientIP)
}

func TestReporterDropsOldestAtCapacity(t *testing.T) {
	client := &fakeStatsClient{}
	r := newTestReporter(client, 10, 3)

	r.Record(flow("10.0.0.1"))
	r.Record(flow("10.0.0.2"))
	r.Record(flow("10.0.0.3"))
	r.Record(flow("10.0.0.4")) // evicts 10.0.0.1
	require.Equal(t, 3, r.Pending())

	r.Flush(context.Background())
	reports := client.all()
	require.Len(t, reports, 1)
	require.Len(t, reports[0].Connections, 3)
	assert.Equal(t, "10.0.0.2", reports[0].Connections[0].ClientIP)
	assert.Equal(t, "10.0.0.4", reports[0].Connections[2].ClientIP)
}

func TestReporterRecordCarriesFlowFields(t *testing.T) {
	client := &fakeStatsClient{}
	r := newTestReporter(client, 10, 100)

	f := proxy.Flow{
		ServiceID:     9,
		ClientIP:      "203.0.113.5",
		Status:        types.ConnStatusBlocked,
		Duration:      1.5,
		BytesSent:     0,
		BytesReceived: 0,
	}
	r.Record(f)
	r.Flush(context.Background())

	reports := client.all()
	require.Len(t, reports, 1)
	rec := reports[0].Connections[0]
	assert.Equal(t, uint(9), rec.ServiceID)
	assert.Equal(t, types.ConnStatusBlocked, rec.Status)
	require.NotNil(t, rec.Duration)
	assert.Equal(t, 1.5, *rec.Duration)
	assert.NotEmpty(t, rec.Timestamp)
}
