package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sekolah-adm-api/pkg/jobs"
)

type retentionQueueStub struct {
	jobs []jobs.Job
	err  error
}

func (q *retentionQueueStub) Enqueue(job jobs.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type snapshotSweeperStub struct {
	cutoff  time.Time
	removed int64
	err     error
}

func (s *snapshotSweeperStub) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return s.removed, s.err
}

type pendingSweeperStub struct {
	cutoff  time.Time
	removed int64
	err     error
}

func (s *pendingSweeperStub) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return s.removed, s.err
}

type sweepMetricsStub struct {
	targets []string
}

func (m *sweepMetricsStub) ObserveSweep(target string, duration time.Duration) {
	m.targets = append(m.targets, target)
}

func TestRetentionServiceHandleSweepSnapshots(t *testing.T) {
	snapshots := &snapshotSweeperStub{removed: 3}
	metrics := &sweepMetricsStub{}
	svc := NewRetentionService(&retentionQueueStub{}, snapshots, &pendingSweeperStub{}, metrics, RetentionConfig{}, nil)

	err := svc.Handle(context.Background(), jobs.Job{ID: "job-1", Type: JobTypeSweepSnapshots})
	require.NoError(t, err)
	require.False(t, snapshots.cutoff.IsZero())
	require.Equal(t, []string{"snapshots"}, metrics.targets)
}

func TestRetentionServiceHandleSweepResolved(t *testing.T) {
	pending := &pendingSweeperStub{removed: 2}
	metrics := &sweepMetricsStub{}
	svc := NewRetentionService(&retentionQueueStub{}, &snapshotSweeperStub{}, pending, metrics, RetentionConfig{
		ResolvedRetainFor: 720 * time.Hour,
	}, nil)

	before := time.Now().UTC()
	err := svc.Handle(context.Background(), jobs.Job{ID: "job-2", Type: JobTypeSweepResolved})
	require.NoError(t, err)

	// Cutoff sits one retention period in the past.
	expected := before.Add(-720 * time.Hour)
	require.WithinDuration(t, expected, pending.cutoff, time.Minute)
	require.Equal(t, []string{"pending_changes"}, metrics.targets)
}

func TestRetentionServiceHandlePropagatesSweepErrors(t *testing.T) {
	snapshots := &snapshotSweeperStub{err: errors.New("db down")}
	svc := NewRetentionService(&retentionQueueStub{}, snapshots, &pendingSweeperStub{}, nil, RetentionConfig{}, nil)

	err := svc.Handle(context.Background(), jobs.Job{ID: "job-3", Type: JobTypeSweepSnapshots})
	require.Error(t, err)
}

func TestRetentionServiceHandleIgnoresUnknownJobs(t *testing.T) {
	svc := NewRetentionService(&retentionQueueStub{}, &snapshotSweeperStub{}, &pendingSweeperStub{}, nil, RetentionConfig{}, nil)

	require.NoError(t, svc.Handle(context.Background(), jobs.Job{ID: "job-4", Type: "unknown"}))
}

func TestRetentionServiceEnqueuesBothSweeps(t *testing.T) {
	queue := &retentionQueueStub{}
	svc := NewRetentionService(queue, &snapshotSweeperStub{}, &pendingSweeperStub{}, nil, RetentionConfig{}, nil)

	svc.enqueueSweeps()
	require.Len(t, queue.jobs, 2)
	require.Equal(t, JobTypeSweepSnapshots, queue.jobs[0].Type)
	require.Equal(t, JobTypeSweepResolved, queue.jobs[1].Type)
	require.NotEmpty(t, queue.jobs[0].ID)
}

func TestRetentionServiceStartStopIdempotent(t *testing.T) {
	svc := NewRetentionService(&retentionQueueStub{}, &snapshotSweeperStub{}, &pendingSweeperStub{}, nil, RetentionConfig{Interval: time.Hour}, nil)

	ctx := context.Background()
	svc.Start(ctx)
	svc.Start(ctx)
	svc.Stop()
	svc.Stop()
}
