package jobs

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/R3E-Network/chatsphere/internal/logging"
)

func TestSchedulerAddAndRun(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler(time.Second, logging.New(logging.Config{Level: "debug", Output: &buf}))

	ran := 0
	job := func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Errorf("expected job context to carry a deadline")
		}
		ran++
		return nil
	}
	if err := s.Add("sweep", "@every 1m", job); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add("sweep", "@every 1m", job); err == nil {
		t.Fatalf("expected duplicate job error")
	}
	if err := s.Add("broken", "not a spec", job); err == nil {
		t.Fatalf("expected invalid spec error")
	}

	s.Run("sweep", job)
	if ran != 1 {
		t.Fatalf("expected job to run once, ran %d", ran)
	}

	s.Run("failing", func(context.Context) error { return errors.New("db down") })
	if !strings.Contains(buf.String(), "scheduled job failed") {
		t.Fatalf("expected failure to be logged, got %q", buf.String())
	}

	if _, ok := s.Jobs()["sweep"]; !ok {
		t.Fatalf("expected sweep in job listing")
	}
}

func TestSchedulerLifecycle(t *testing.T) {
	s := NewScheduler(time.Second, nil)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if err := s.Add("late", "@daily", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("add after start: %v", err)
	}
	if next := s.Jobs()["late"]; next.IsZero() {
		t.Fatalf("expected next run to be scheduled")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	var sawCancel bool
	s.Run("after-stop", func(ctx context.Context) error {
		sawCancel = ctx.Err() != nil
		return nil
	})
	if !sawCancel {
		t.Fatalf("expected runs after stop to see a cancelled context")
	}
}
