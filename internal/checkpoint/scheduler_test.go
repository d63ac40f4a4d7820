package checkpoint

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeCheckpointer struct {
	calls int32
	err   error
}

func (f *fakeCheckpointer) Checkpoint() error {
	atomic.AddInt32(&f.calls, 1)
	return f.err
}

func TestSchedulerRunsOnInterval(t *testing.T) {
	target := &fakeCheckpointer{}
	s := New(target, Options{Interval: 10 * time.Millisecond})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&target.calls) < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 checkpoint calls, got %d", target.calls)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSchedulerReportsResults(t *testing.T) {
	wantErr := errors.New("disk full")
	target := &fakeCheckpointer{err: wantErr}
	s := New(target, Options{Interval: 10 * time.Millisecond, ResultBuffer: 4})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	select {
	case res := <-s.Results():
		if res.Err == nil || res.Err.Error() != wantErr.Error() {
			t.Fatalf("Results() gave err %v, want %v", res.Err, wantErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a scheduled result")
	}
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	target := &fakeCheckpointer{}
	s := New(target, Options{Interval: time.Hour})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	s.Stop() // must not panic or block
}

func TestSchedulerDefaultIntervalWhenUnset(t *testing.T) {
	target := &fakeCheckpointer{}
	s := New(target, Options{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	if s.interval != 5*time.Minute {
		t.Fatalf("interval = %v, want 5m default", s.interval)
	}
}

func TestSchedulerInvalidCronExprFailsStart(t *testing.T) {
	target := &fakeCheckpointer{}
	s := New(target, Options{CronExpr: "not a cron expression"})
	if err := s.Start(); err == nil {
		t.Fatal("expected Start to fail on an invalid cron expression")
	}
}
