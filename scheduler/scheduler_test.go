package scheduler

import (
	"context"
	"testing"
	"time"

	gateerrors "github.com/kbukum/conngate/errors"
	"github.com/kbukum/conngate/logger"
)

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s := New(cfg, logger.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func mustAdmit(t *testing.T, s *Scheduler, requestID, clientID string) *Ticket {
	t.Helper()
	tk, err := s.Enqueue(requestID, clientID, 0, 1)
	if err != nil {
		t.Fatalf("Enqueue %s: %v", requestID, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Await(ctx, tk); err != nil {
		t.Fatalf("Await %s: %v", requestID, err)
	}
	return tk
}

func TestSchedulerAdmitsUpToCap(t *testing.T) {
	s := newTestScheduler(t, Config{MaxConcurrent: 2, MaxQueueSize: 10})

	a := mustAdmit(t, s, "r1", "client-a")
	b := mustAdmit(t, s, "r2", "client-b")

	// Third stays queued until a slot frees.
	tk, err := s.Enqueue("r3", "client-a", 0, 1)
	if err != nil {
		t.Fatalf("Enqueue r3: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.Await(ctx, tk); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded for queued ticket, got %v", err)
	}

	s.Release(a)
	s.Release(b)
}

func TestSchedulerReleaseAdmitsNext(t *testing.T) {
	s := newTestScheduler(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})

	first := mustAdmit(t, s, "r1", "client-a")

	next, err := s.Enqueue("r2", "client-a", 0, 1)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	s.Release(first)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Await(ctx, next); err != nil {
		t.Fatalf("expected admission after release, got %v", err)
	}
	s.Release(next)
}

func TestSchedulerFairShareAcrossClients(t *testing.T) {
	// Global cap 4; client A floods with 10 requests before client B
	// enqueues 1. B must be admitted in the first wave, not behind
	// all of A's backlog.
	s := newTestScheduler(t, Config{MaxConcurrent: 4, MaxQueueSize: 64})

	holders := make([]*Ticket, 0, 4)

	// Saturate the cap with A so later enqueues queue up.
	for i := 0; i < 4; i++ {
		holders = append(holders, mustAdmit(t, s, "warm", "client-a"))
	}

	var aTickets []*Ticket
	for i := 0; i < 10; i++ {
		tk, err := s.Enqueue("a-req", "client-a", 0, 1)
		if err != nil {
			t.Fatalf("Enqueue a-req: %v", err)
		}
		aTickets = append(aTickets, tk)
	}
	bTicket, err := s.Enqueue("b-req", "client-b", 0, 1)
	if err != nil {
		t.Fatalf("Enqueue b-req: %v", err)
	}

	// Free two slots: with two live clients the fair share is 4/2=2,
	// so A is over its share and B must take one of the freed slots.
	s.Release(holders[0])
	s.Release(holders[1])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Await(ctx, bTicket); err != nil {
		t.Fatalf("client B starved behind client A backlog: %v", err)
	}

	st := s.Stats()
	if st.ActiveByClient["client-b"] != 1 {
		t.Fatalf("ActiveByClient[b] = %d, want 1", st.ActiveByClient["client-b"])
	}
	if st.ActiveByClient["client-a"] > 3 {
		t.Fatalf("client A holds %d slots with B waiting", st.ActiveByClient["client-a"])
	}

	s.Release(bTicket)
	for _, tk := range holders[2:] {
		s.Release(tk)
	}
	_ = aTickets
}

func TestSchedulerActiveCountNeverExceedsFairShare(t *testing.T) {
	// Two live clients, cap 4, share 2. A flood from client A must stop
	// at A's share even while a slot sits free; the slot is only handed
	// to A once client B leaves and the shares rebalance.
	s := newTestScheduler(t, Config{MaxConcurrent: 4, MaxQueueSize: 64})

	bTicket := mustAdmit(t, s, "b-req", "client-b")

	var aTickets []*Ticket
	for i := 0; i < 10; i++ {
		tk, err := s.Enqueue("a-req", "client-a", 0, 1)
		if err != nil {
			t.Fatalf("Enqueue a-req: %v", err)
		}
		aTickets = append(aTickets, tk)
	}

	st := s.Stats()
	if st.ActiveByClient["client-a"] > st.FairShare {
		t.Fatalf("ActiveByClient[a] = %d exceeds fair share %d",
			st.ActiveByClient["client-a"], st.FairShare)
	}
	if st.ActiveByClient["client-a"] != 2 {
		t.Fatalf("ActiveByClient[a] = %d, want 2", st.ActiveByClient["client-a"])
	}
	if st.ActiveTotal != 3 {
		t.Fatalf("ActiveTotal = %d, want 3 (one slot held back)", st.ActiveTotal)
	}

	// B leaves: share recomputes to 4 and A may fill the cap.
	s.Release(bTicket)

	admitted := 0
	for _, tk := range aTickets {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if err := s.Await(ctx, tk); err == nil {
			admitted++
		}
		cancel()
	}
	if admitted != 4 {
		t.Fatalf("admitted = %d after rebalance, want 4", admitted)
	}
	st = s.Stats()
	if st.ActiveByClient["client-a"] != 4 || st.FairShare != 4 {
		t.Fatalf("ActiveByClient[a]=%d FairShare=%d, want 4/4",
			st.ActiveByClient["client-a"], st.FairShare)
	}
}

func TestSchedulerPriorityOrderWithinClient(t *testing.T) {
	s := newTestScheduler(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})

	holder := mustAdmit(t, s, "warm", "client-a")

	low, err := s.Enqueue("low", "client-a", 5, 1)
	if err != nil {
		t.Fatalf("Enqueue low: %v", err)
	}
	high, err := s.Enqueue("high", "client-a", 1, 1)
	if err != nil {
		t.Fatalf("Enqueue high: %v", err)
	}

	s.Release(holder)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Await(ctx, high); err != nil {
		t.Fatalf("high-priority ticket not admitted first: %v", err)
	}

	// low is still queued.
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	if err := s.Await(shortCtx, low); err != context.DeadlineExceeded {
		t.Fatalf("low-priority ticket admitted out of order: %v", err)
	}

	s.Release(high)
}

func TestSchedulerFIFOWithinPriority(t *testing.T) {
	s := newTestScheduler(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})

	holder := mustAdmit(t, s, "warm", "client-a")

	first, err := s.Enqueue("first", "client-a", 3, 1)
	if err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}
	second, err := s.Enqueue("second", "client-a", 3, 1)
	if err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}

	s.Release(holder)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Await(ctx, first); err != nil {
		t.Fatalf("earlier ticket not admitted first: %v", err)
	}
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	if err := s.Await(shortCtx, second); err != context.DeadlineExceeded {
		t.Fatalf("later ticket jumped the queue: %v", err)
	}
	s.Release(first)
}

func TestSchedulerQueueFull(t *testing.T) {
	s := newTestScheduler(t, Config{MaxConcurrent: 1, MaxQueueSize: 2})

	holder := mustAdmit(t, s, "warm", "client-a")

	for i := 0; i < 2; i++ {
		if _, err := s.Enqueue("fill", "client-a", 0, 1); err != nil {
			t.Fatalf("Enqueue fill: %v", err)
		}
	}

	_, err := s.Enqueue("overflow", "client-a", 0, 1)
	if !gateerrors.HasCode(err, gateerrors.ErrCodeQueueFull) {
		t.Fatalf("expected QUEUE_FULL, got %v", err)
	}

	st := s.Stats()
	if st.Rejected != 1 {
		t.Fatalf("Rejected = %d, want 1", st.Rejected)
	}
	s.Release(holder)
}

func TestSchedulerQueueTimeoutReaper(t *testing.T) {
	s := newTestScheduler(t, Config{
		MaxConcurrent: 1,
		MaxQueueSize:  10,
		QueueTimeout:  80 * time.Millisecond,
		ReapInterval:  20 * time.Millisecond,
	})

	holder := mustAdmit(t, s, "warm", "client-a")

	tk, err := s.Enqueue("stuck", "client-a", 0, 1)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = s.Await(ctx, tk)
	if !gateerrors.HasCode(err, gateerrors.ErrCodeQueueTimeout) {
		t.Fatalf("expected QUEUE_TIMEOUT, got %v", err)
	}

	st := s.Stats()
	if st.Expired != 1 {
		t.Fatalf("Expired = %d, want 1", st.Expired)
	}
	if st.QueueDepth != 0 {
		t.Fatalf("QueueDepth = %d after eviction, want 0", st.QueueDepth)
	}
	s.Release(holder)
}

func TestSchedulerAwaitCancelRemovesTicket(t *testing.T) {
	s := newTestScheduler(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})

	holder := mustAdmit(t, s, "warm", "client-a")

	tk, err := s.Enqueue("cancelled", "client-a", 0, 1)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Await(ctx, tk); err != context.Canceled {
		t.Fatalf("Await after cancel = %v, want context.Canceled", err)
	}

	if depth := s.Stats().QueueDepth; depth != 0 {
		t.Fatalf("QueueDepth = %d after cancel, want 0", depth)
	}

	// The slot must still flow to the next ticket.
	next, err := s.Enqueue("next", "client-a", 0, 1)
	if err != nil {
		t.Fatalf("Enqueue next: %v", err)
	}
	s.Release(holder)

	awaitCtx, awaitCancel := context.WithTimeout(context.Background(), time.Second)
	defer awaitCancel()
	if err := s.Await(awaitCtx, next); err != nil {
		t.Fatalf("Await next: %v", err)
	}
	s.Release(next)
}

func TestSchedulerDoubleReleaseIsNoOp(t *testing.T) {
	s := newTestScheduler(t, Config{MaxConcurrent: 2, MaxQueueSize: 10})

	tk := mustAdmit(t, s, "r1", "client-a")
	s.Release(tk)
	s.Release(tk)

	if active := s.Stats().ActiveTotal; active != 0 {
		t.Fatalf("ActiveTotal = %d after double release, want 0", active)
	}
}

func TestSchedulerStopFailsQueuedTickets(t *testing.T) {
	s := New(Config{MaxConcurrent: 1, MaxQueueSize: 10}, logger.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	holder := mustAdmit(t, s, "warm", "client-a")
	tk, err := s.Enqueue("stranded", "client-a", 0, 1)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	awaitCtx, awaitCancel := context.WithTimeout(context.Background(), time.Second)
	defer awaitCancel()
	err = s.Await(awaitCtx, tk)
	if !gateerrors.HasCode(err, gateerrors.ErrCodeQueueTimeout) {
		t.Fatalf("expected QUEUE_TIMEOUT on shutdown, got %v", err)
	}

	// Enqueue after Stop fails fast.
	if _, err := s.Enqueue("late", "client-a", 0, 1); err == nil {
		t.Fatal("Enqueue after Stop succeeded")
	}
	_ = holder
}

func TestSchedulerStatsSnapshot(t *testing.T) {
	s := newTestScheduler(t, Config{MaxConcurrent: 2, MaxQueueSize: 10})

	a := mustAdmit(t, s, "r1", "client-a")
	b := mustAdmit(t, s, "r2", "client-b")
	if _, err := s.Enqueue("r3", "client-a", 0, 1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	st := s.Stats()
	if st.ActiveTotal != 2 || st.QueueDepth != 1 {
		t.Fatalf("ActiveTotal=%d QueueDepth=%d, want 2/1", st.ActiveTotal, st.QueueDepth)
	}
	if st.ActiveClients != 2 {
		t.Fatalf("ActiveClients = %d, want 2", st.ActiveClients)
	}
	if st.FairShare != 1 {
		t.Fatalf("FairShare = %d, want 1", st.FairShare)
	}
	if st.QueuedByClient["client-a"] != 1 {
		t.Fatalf("QueuedByClient[a] = %d, want 1", st.QueuedByClient["client-a"])
	}

	s.Release(a)
	s.Release(b)
}

func TestSchedulerConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.MaxConcurrent <= 0 || cfg.MaxQueueSize <= 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.ReapInterval > cfg.QueueTimeout {
		t.Fatalf("ReapInterval %s exceeds QueueTimeout %s", cfg.ReapInterval, cfg.QueueTimeout)
	}
}
