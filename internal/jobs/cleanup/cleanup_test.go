package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeTrimmer struct {
	cutoff  time.Time
	trimmed int64
	err     error
}

func (f *fakeTrimmer) TrimProcessedPayloadsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	if f.err != nil {
		return 0, f.err
	}
	return f.trimmed, nil
}

func TestRunTrimsPayloadsOlderThanRetention(t *testing.T) {
	now := time.Date(2026, time.February, 10, 12, 0, 0, 0, time.UTC)

	trimmer := &fakeTrimmer{trimmed: 3}
	job := New(trimmer, 30*24*time.Hour, nil)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run cleanup job: %v", err)
	}

	want := now.Add(-30 * 24 * time.Hour)
	if !trimmer.cutoff.Equal(want) {
		t.Fatalf("unexpected cutoff: got %v want %v", trimmer.cutoff, want)
	}
}

func TestRunDefaultsRetention(t *testing.T) {
	now := time.Date(2026, time.February, 10, 12, 0, 0, 0, time.UTC)

	trimmer := &fakeTrimmer{}
	job := New(trimmer, 0, nil)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run cleanup job: %v", err)
	}

	want := now.Add(-90 * 24 * time.Hour)
	if !trimmer.cutoff.Equal(want) {
		t.Fatalf("unexpected default cutoff: got %v want %v", trimmer.cutoff, want)
	}
}

func TestRunPropagatesTrimError(t *testing.T) {
	trimmer := &fakeTrimmer{err: errors.New("db down")}
	job := New(trimmer, time.Hour, nil)

	if err := job.Run(context.Background()); err == nil {
		t.Fatalf("expected error from trim failure")
	}
}
