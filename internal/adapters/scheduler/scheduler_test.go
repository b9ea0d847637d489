package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/application"
)

type countingJobs struct {
	settled   atomic.Int64
	converted atomic.Int64
	fail      bool
}

func (j *countingJobs) SettleRewards(context.Context) (application.SettlementReport, error) {
	j.settled.Add(1)
	if j.fail {
		return application.SettlementReport{}, errors.New("database unavailable")
	}
	return application.SettlementReport{Scanned: 1, Payable: 1}, nil
}

func (j *countingJobs) ProcessPendingConversions(context.Context) (application.ConversionReport, error) {
	j.converted.Add(1)
	return application.ConversionReport{}, nil
}

func TestSchedulerRunsBothJobsUntilCancelled(t *testing.T) {
	jobs := &countingJobs{}
	s := New(nil, jobs, Intervals{Settlement: 20 * time.Millisecond, Conversions: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return jobs.settled.Load() >= 2 && jobs.converted.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerKeepsRunningAfterJobFailure(t *testing.T) {
	jobs := &countingJobs{fail: true}
	s := New(nil, jobs, Intervals{Settlement: 10 * time.Millisecond, Conversions: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	assert.Eventually(t, func() bool { return jobs.settled.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}
