package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/usageledger/internal/clock"
	"github.com/smallbiznis/usageledger/internal/pipeline"
	pipelinedomain "github.com/smallbiznis/usageledger/internal/pipeline/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRunner struct {
	requests []pipeline.Request
	err      error
	block    bool
}

func (f *fakeRunner) Run(ctx context.Context, req pipeline.Request) (*pipeline.RunSummary, error) {
	f.requests = append(f.requests, req)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.RunSummary{
		RunID:  "run-1",
		Status: "PARTIAL",
		Platforms: []*pipeline.PlatformSummary{
			{Platform: "cursor", Status: pipelinedomain.StatusCompleted},
			{Platform: "claude_ai", Status: pipelinedomain.StatusFailed},
		},
	}, nil
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newTestScheduler(runner Runner, c clock.Clock, cfg Config) *Scheduler {
	return newScheduler(runner, c, cfg, nil, zap.NewNop())
}

func TestRunOnceWaitsForRunHour(t *testing.T) {
	runner := &fakeRunner{}
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 5, 59, 0, 0, time.UTC))
	s := newTestScheduler(runner, clk, Config{RunAtHour: 6})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Empty(t, runner.requests)

	clk.Advance(time.Minute)
	require.NoError(t, s.RunOnce(context.Background()))
	require.Len(t, runner.requests, 1)
}

func TestRunOnceCoversLookbackWindowOncePerDay(t *testing.T) {
	runner := &fakeRunner{}
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC))
	s := newTestScheduler(runner, clk, Config{RunAtHour: 6, LookbackDays: 3})

	require.NoError(t, s.RunOnce(context.Background()))
	require.Len(t, runner.requests, 1)
	assert.Equal(t, date(2026, 3, 7), runner.requests[0].From)
	assert.Equal(t, date(2026, 3, 9), runner.requests[0].To)

	clk.Advance(2 * time.Hour)
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Len(t, runner.requests, 1, "same day must not run twice")

	clk.Advance(24 * time.Hour)
	require.NoError(t, s.RunOnce(context.Background()))
	require.Len(t, runner.requests, 2)
	assert.Equal(t, date(2026, 3, 10), runner.requests[1].To)
}

func TestRunOnceRetriesRejectedRun(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC))
	s := newTestScheduler(runner, clk, Config{})

	require.Error(t, s.RunOnce(context.Background()))

	runner.err = nil
	clk.Advance(5 * time.Minute)
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Len(t, runner.requests, 2)
}

func TestRunOnceTimeoutIsSoft(t *testing.T) {
	runner := &fakeRunner{block: true}
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC))
	s := newTestScheduler(runner, clk, Config{JobTimeout: 10 * time.Millisecond})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.True(t, s.lastTarget.IsZero())
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	runner := &fakeRunner{}
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC))
	s := newTestScheduler(runner, clk, Config{RunInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunForever(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunForever did not stop")
	}
	assert.Len(t, runner.requests, 1)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{RunAtHour: 30}.withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)
}
