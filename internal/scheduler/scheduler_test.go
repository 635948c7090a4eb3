package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KafClaw/KafGenome/internal/absorption"
	"github.com/KafClaw/KafGenome/internal/evaluator"
	"github.com/KafClaw/KafGenome/internal/evolution"
	"github.com/KafClaw/KafGenome/internal/store"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	return New(Config{
		TickInterval:   50 * time.Millisecond,
		MaxConcWrite:   1,
		MaxConcDefault: 5,
		LockPath:       filepath.Join(t.TempDir(), "test.lock"),
	})
}

func TestSchedulerDispatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newTestScheduler(t)
	var ran atomic.Int32
	cron, _ := ParseCron("* * * * *")
	s.Register(&Job{
		Name:     "test-job",
		Cron:     cron,
		Category: CategoryDefault,
		Run: func(context.Context) error {
			ran.Add(1)
			return nil
		},
	})

	s.tick(context.Background(), time.Now())
	s.Wait()

	if ran.Load() != 1 {
		t.Errorf("expected 1 run, got %d", ran.Load())
	}
	st := s.Status()
	if len(st) != 1 || st[0].Status != "ok" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestSchedulerRecordsJobError(t *testing.T) {
	s := newTestScheduler(t)
	cron, _ := ParseCron("* * * * *")
	s.Register(&Job{Name: "broken", Cron: cron, Run: func(context.Context) error {
		return errors.New("store unavailable")
	}})

	got, ok := s.RunNow(context.Background(), "broken")
	if !ok {
		t.Fatal("expected job to be found")
	}
	if got.Status != "error" || got.Error != "store unavailable" {
		t.Fatalf("unexpected run status %+v", got)
	}
	if _, ok := s.RunNow(context.Background(), "missing"); ok {
		t.Fatal("unknown job should not run")
	}
}

func TestSchedulerLockPreventsOverlap(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "overlap.lock")
	s1 := New(Config{TickInterval: 50 * time.Millisecond, LockPath: lockPath})
	s2 := New(Config{TickInterval: 50 * time.Millisecond, LockPath: lockPath})

	acquired, err := s1.lock.TryLock()
	if err != nil || !acquired {
		t.Fatal("s1 should acquire lock")
	}

	var ran atomic.Int32
	cron, _ := ParseCron("* * * * *")
	s2.Register(&Job{Name: "overlap", Cron: cron, Run: func(context.Context) error {
		ran.Add(1)
		return nil
	}})
	s2.tick(context.Background(), time.Now())
	s2.Wait()
	if ran.Load() != 0 {
		t.Error("s2 should not dispatch while s1 holds the lock")
	}

	if err := s1.lock.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	s2.tick(context.Background(), time.Now())
	s2.Wait()
	if ran.Load() != 1 {
		t.Errorf("s2 should dispatch after s1 released, ran %d", ran.Load())
	}
}

func TestSchedulerDefaultCategoryLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(Config{
		TickInterval:   time.Hour,
		MaxConcWrite:   1,
		MaxConcDefault: 2,
		LockPath:       filepath.Join(t.TempDir(), "test.lock"),
	})
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	cron, _ := ParseCron("* * * * *")
	for _, name := range []string{"a-discovery", "b-discovery", "c-discovery"} {
		s.Register(&Job{Name: name, Cron: cron, Category: CategoryDefault, Run: func(context.Context) error {
			started.Done()
			<-release
			return nil
		}})
	}

	s.tick(context.Background(), time.Now())
	started.Wait()

	got := map[string]string{}
	for _, st := range s.Status() {
		got[st.Job] = st.Status
		if st.Next.IsZero() || !st.Next.After(st.Tick) {
			t.Errorf("%s: next run %v must follow tick %v", st.Job, st.Next, st.Tick)
		}
	}
	want := map[string]string{"a-discovery": "dispatched", "b-discovery": "dispatched", "c-discovery": "skipped_concurrency"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("status mismatch (-want +got):\n%s", diff)
	}
	close(release)
	s.Wait()

	for _, st := range s.Status() {
		if st.Job != "c-discovery" && st.Status != "ok" {
			t.Fatalf("expected %s to finish ok, got %s", st.Job, st.Status)
		}
	}
}

func TestSchedulerSkipsWhenWriteSlotBusy(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newTestScheduler(t)
	release := make(chan struct{})
	started := make(chan struct{})
	cron, _ := ParseCron("* * * * *")
	s.Register(&Job{Name: "slow-write", Cron: cron, Category: CategoryWrite, Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})

	ctx := context.Background()
	s.tick(ctx, time.Now())
	<-started
	s.tick(ctx, time.Now())
	if st := s.Status(); st[0].Status != "skipped_concurrency" {
		t.Fatalf("expected second tick to be skipped, got %+v", st)
	}
	close(release)
	s.Wait()
}

func TestSchedulerNonMatchingJobNotDispatched(t *testing.T) {
	s := newTestScheduler(t)

	var ran atomic.Int32
	cron, _ := ParseCron("0 0 * * *")
	s.Register(&Job{Name: "midnight-only", Cron: cron, Run: func(context.Context) error {
		ran.Add(1)
		return nil
	}})

	s.tick(context.Background(), time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC))
	s.Wait()
	if ran.Load() != 0 {
		t.Errorf("expected 0 runs for non-matching job, got %d", ran.Load())
	}
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	s := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestEngineJobs(t *testing.T) {
	if _, err := EngineJobs(Engine{}, Schedules{EvaluatePending: "bogus"}); err != nil {
		t.Fatalf("jobs without a component are skipped, got %v", err)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "genome.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ev := evaluator.New(st, nil, nil, nil, evaluator.Config{})
	abs := absorption.New(st, nil, 0)

	if _, err := EngineJobs(Engine{Evaluator: ev}, Schedules{EvaluatePending: "61 * * * *"}); err == nil {
		t.Fatal("expected invalid cron error")
	}

	jobs, err := EngineJobs(Engine{Evaluator: ev, Absorption: abs}, DefaultSchedules())
	if err != nil {
		t.Fatalf("engine jobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].Name != JobEvaluatePending || jobs[1].Name != JobAbsorbSweep {
		t.Fatalf("unexpected jobs %v", jobs)
	}

	ctx := context.Background()
	for i, child := range []string{"child-A", "child-B", "child-C"} {
		err := st.InsertBehavior(ctx, &store.LearnedBehavior{
			ID:             "b" + child,
			ChildID:        child,
			CapabilityName: "cache-tune",
			BehaviorType:   evolution.BehaviorPerformanceTuning,
			Description:    "raise cache ttl",
			Evidence:       evolution.Doc{},
			Confidence:     0.7 + 0.1*float64(i),
			DiscoveredAt:   st.Now(),
		})
		if err != nil {
			t.Fatalf("insert behavior: %v", err)
		}
	}

	s := newTestScheduler(t)
	for _, j := range jobs {
		s.Register(j)
	}
	if got, _ := s.RunNow(ctx, JobEvaluatePending); got.Status != "ok" {
		t.Fatalf("evaluate-pending: %+v", got)
	}
	history, err := ev.History(ctx, "cache-tune")
	if err != nil || len(history) != 1 {
		t.Fatalf("expected one scheduled evaluation, got %d (%v)", len(history), err)
	}
	if history[0].Evaluator != "scheduler" {
		t.Fatalf("expected scheduler evaluator, got %q", history[0].Evaluator)
	}
	if got, _ := s.RunNow(ctx, JobAbsorbSweep); got.Status != "ok" {
		t.Fatalf("absorb-sweep: %+v", got)
	}
}
