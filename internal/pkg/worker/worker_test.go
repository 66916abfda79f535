package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsJobs(t *testing.T) {
	p := New(10, 3)
	p.Start(context.Background())
	defer p.Shutdown(context.Background())

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(Job{ID: "j", Run: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}
	p.Wait()
	assert.Equal(t, int32(10), ran.Load())
}

func TestPoolRejectsWhenFull(t *testing.T) {
	p := New(1, 1)
	p.Start(context.Background())
	defer p.Shutdown(context.Background())

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(Job{ID: "busy", Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, p.Submit(Job{ID: "queued", Run: func(ctx context.Context) error { return nil }}))

	err := p.Submit(Job{ID: "overflow", Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(block)
	p.Wait()
}

func TestPoolSurvivesPanicsAndErrors(t *testing.T) {
	p := New(4, 1)
	p.Start(context.Background())
	defer p.Shutdown(context.Background())

	var after atomic.Bool
	require.NoError(t, p.Submit(Job{ID: "panic", Run: func(ctx context.Context) error { panic("boom") }}))
	require.NoError(t, p.Submit(Job{ID: "err", Run: func(ctx context.Context) error { return errors.New("nope") }}))
	require.NoError(t, p.Submit(Job{ID: "ok", Run: func(ctx context.Context) error {
		after.Store(true)
		return nil
	}}))
	p.Wait()
	assert.True(t, after.Load())
}

func TestShutdownRejectsNewJobs(t *testing.T) {
	p := New(2, 1)
	p.Start(context.Background())
	require.NoError(t, p.Shutdown(context.Background()))

	err := p.Submit(Job{ID: "late", Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestShutdownDeadlineCancelsRunningJobs(t *testing.T) {
	p := New(1, 1)
	p.Start(context.Background())

	canceled := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(Job{ID: "slow", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	<-canceled
}
