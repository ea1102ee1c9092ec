package cli

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/models"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/services"
)

// slowCatalog blocks each run until ctx is done, then takes a little longer
// to finish, as a pass with writes still in flight would.
type slowCatalog struct {
	started  chan struct{}
	finished atomic.Bool
}

func (c *slowCatalog) Run(ctx context.Context, opts services.RunOptions) (*models.RunSummary, error) {
	select {
	case c.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)
	c.finished.Store(true)
	return models.NewRunSummary(models.JobCatalog), ctx.Err()
}

func (c *slowCatalog) Resync(ctx context.Context, origin, sourceID string) (*models.ReconciliationOutcome, error) {
	return nil, nil
}

type countingDirectory struct {
	runs atomic.Int32
}

func (d *countingDirectory) Run(ctx context.Context) (*models.RunSummary, error) {
	d.runs.Add(1)
	return models.NewRunSummary(models.JobDirectory), nil
}

func TestScheduler_WaitCoversInFlightPass(t *testing.T) {
	catalog := &slowCatalog{started: make(chan struct{}, 1)}
	directory := &countingDirectory{}
	sched := newScheduler(catalog, directory, time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	select {
	case <-catalog.started:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled pass never started")
	}

	cancel()
	sched.Wait()

	assert.True(t, catalog.finished.Load(), "Wait returned before the running pass finished")
	assert.Zero(t, directory.runs.Load(), "directory job must not start after cancellation")
}

func TestScheduler_RunsBothJobs(t *testing.T) {
	directory := &countingDirectory{}
	catalog := &fastCatalog{}
	sched := newScheduler(catalog, directory, time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	require.Eventually(t, func() bool {
		return catalog.runs.Load() >= 2 && directory.runs.Load() >= 2
	}, 2*time.Second, time.Millisecond)

	cancel()
	sched.Wait()
}

type fastCatalog struct {
	runs atomic.Int32
}

func (c *fastCatalog) Run(ctx context.Context, opts services.RunOptions) (*models.RunSummary, error) {
	c.runs.Add(1)
	return models.NewRunSummary(models.JobCatalog), nil
}

func (c *fastCatalog) Resync(ctx context.Context, origin, sourceID string) (*models.ReconciliationOutcome, error) {
	return nil, nil
}
