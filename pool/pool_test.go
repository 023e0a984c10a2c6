package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kbukum/conngate/backend/backendtest"
	gateerrors "github.com/kbukum/conngate/errors"
)

func newTestPool(t *testing.T, cfg Config, connector *backendtest.Connector) *Pool {
	t.Helper()
	if connector == nil {
		connector = &backendtest.Connector{}
	}
	p := New(cfg, connector, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("pool start failed: %v", err)
	}
	t.Cleanup(func() {
		_ = p.Stop(context.Background())
	})
	return p
}

func TestPool_StartOpensMinSize(t *testing.T) {
	connector := &backendtest.Connector{}
	p := newTestPool(t, Config{MinSize: 3, MaxSize: 5, HealthCheckInterval: time.Hour}, connector)

	stats := p.Stats()
	if stats.Total != 3 || stats.Idle != 3 {
		t.Errorf("expected 3 idle connections, got %+v", stats)
	}
	if connector.OpenCount() != 3 {
		t.Errorf("expected 3 physical connections, got %d", connector.OpenCount())
	}
}

func TestPool_AcquireReleaseRoundTrip(t *testing.T) {
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 2, HealthCheckInterval: time.Hour}, nil)

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	stats := p.Stats()
	if stats.InUse != 1 {
		t.Errorf("expected 1 in use, got %+v", stats)
	}

	p.Release(pc, true)
	stats = p.Stats()
	if stats.InUse != 0 || stats.Idle != 1 {
		t.Errorf("expected idle after release, got %+v", stats)
	}
}

func TestPool_GrowsUpToMaxSize(t *testing.T) {
	connector := &backendtest.Connector{}
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 3, HealthCheckInterval: time.Hour}, connector)

	ctx := context.Background()
	var held []*PooledConn
	for i := 0; i < 3; i++ {
		pc, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		held = append(held, pc)
	}

	if got := p.Stats().Total; got != 3 {
		t.Errorf("expected total 3, got %d", got)
	}
	for _, pc := range held {
		p.Release(pc, true)
	}
}

// Pool min=2 max=3 with a 1s acquire timeout: of 4 concurrent acquires,
// 3 succeed and the 4th fails with ACQUIRE_TIMEOUT at about 1s.
func TestPool_FourthAcquireTimesOut(t *testing.T) {
	p := newTestPool(t, Config{
		MinSize:             2,
		MaxSize:             3,
		AcquireTimeout:      300 * time.Millisecond,
		HealthCheckInterval: time.Hour,
	}, nil)

	ctx := context.Background()
	type result struct {
		pc      *PooledConn
		err     error
		elapsed time.Duration
	}

	results := make(chan result, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			pc, err := p.Acquire(ctx)
			results <- result{pc, err, time.Since(start)}
		}()
	}
	wg.Wait()
	close(results)

	var ok, timedOut int
	for r := range results {
		if r.err == nil {
			ok++
			continue
		}
		timedOut++
		if !gateerrors.HasCode(r.err, gateerrors.ErrCodeAcquireTimeout) {
			t.Errorf("expected ACQUIRE_TIMEOUT, got %v", r.err)
		}
		if r.elapsed < 250*time.Millisecond || r.elapsed > time.Second {
			t.Errorf("timeout fired at %s, want ~300ms", r.elapsed)
		}
	}

	if ok != 3 || timedOut != 1 {
		t.Errorf("expected 3 successes and 1 timeout, got %d/%d", ok, timedOut)
	}
}

func TestPool_ExhaustedFailFastWithoutWaitBudget(t *testing.T) {
	p := newTestPool(t, Config{
		MinSize:             1,
		MaxSize:             1,
		AcquireTimeout:      time.Second,
		HealthCheckInterval: time.Hour,
	}, nil)

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer p.Release(pc, true)

	// Full pool and an already-expired deadline: no point parking.
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	start := time.Now()
	_, err = p.Acquire(ctx)
	if !gateerrors.HasCode(err, gateerrors.ErrCodePoolExhausted) {
		t.Fatalf("expected POOL_EXHAUSTED, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("fail-fast took %s", elapsed)
	}
}

func TestPool_WaiterGetsReleasedConnection(t *testing.T) {
	p := newTestPool(t, Config{
		MinSize:             1,
		MaxSize:             1,
		AcquireTimeout:      time.Second,
		HealthCheckInterval: time.Hour,
	}, nil)

	ctx := context.Background()
	pc, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan *PooledConn, 1)
	go func() {
		pc2, err := p.Acquire(ctx)
		if err != nil {
			t.Errorf("waiter acquire failed: %v", err)
		}
		got <- pc2
	}()

	// Let the second acquire park.
	time.Sleep(50 * time.Millisecond)
	p.Release(pc, true)

	select {
	case pc2 := <-got:
		if pc2.ID() != pc.ID() {
			t.Error("waiter should receive the released connection")
		}
		p.Release(pc2, true)
	case <-time.After(time.Second):
		t.Fatal("waiter never admitted")
	}
}

func TestPool_StaleHandleReleaseAfterHandoffIsNoOp(t *testing.T) {
	p := newTestPool(t, Config{
		MinSize:             1,
		MaxSize:             1,
		AcquireTimeout:      time.Second,
		HealthCheckInterval: time.Hour,
	}, nil)

	ctx := context.Background()
	first, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan *PooledConn, 1)
	go func() {
		pc, err := p.Acquire(ctx)
		if err != nil {
			t.Errorf("waiter acquire failed: %v", err)
		}
		got <- pc
	}()

	time.Sleep(50 * time.Millisecond)
	p.Release(first, true)

	var second *PooledConn
	select {
	case second = <-got:
	case <-time.After(time.Second):
		t.Fatal("waiter never admitted")
	}

	// The stale handle must not disturb the new borrower.
	p.Release(first, true)
	if st := p.Stats(); st.InUse != 1 || st.Idle != 0 {
		t.Fatalf("stale release changed pool state: %+v", st)
	}

	p.Release(second, true)
	if st := p.Stats(); st.InUse != 0 || st.Idle != 1 {
		t.Fatalf("expected idle after real release: %+v", st)
	}
}

func TestPool_ReleaseResetsAmbientState(t *testing.T) {
	connector := &backendtest.Connector{}
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 1, HealthCheckInterval: time.Hour}, connector)

	ctx := context.Background()
	pc, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	fake := connector.Conns()[0]
	fake.SetNamespace("tenant-42")
	p.Release(pc, true)

	if ns := fake.CurrentNamespace(); ns != "" {
		t.Errorf("ambient namespace leaked across release: %q", ns)
	}
	if fake.Resets() != 1 {
		t.Errorf("expected one reset, got %d", fake.Resets())
	}
}

func TestPool_ResetFailureReplacesConnection(t *testing.T) {
	connector := &backendtest.Connector{}
	p := newTestPool(t, Config{
		MinSize:             1,
		MaxSize:             2,
		AcquireTimeout:      time.Second,
		HealthCheckInterval: time.Hour,
	}, connector)

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	fake := connector.Conns()[0]
	fake.ResetErr = errors.New("reset refused")
	p.Release(pc, true)

	if !fake.Closed() {
		t.Error("a connection that cannot reset must be closed")
	}

	// Replenish restores MinSize in the background.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Total >= 1 && connector.OpenCount() >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("pool never replenished: %+v", p.Stats())
}

func TestPool_UnhealthyReleaseQuarantines(t *testing.T) {
	connector := &backendtest.Connector{}
	p := newTestPool(t, Config{
		MinSize:             1,
		MaxSize:             2,
		AcquireTimeout:      time.Second,
		HealthCheckInterval: time.Hour,
	}, connector)

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	fake := connector.Conns()[0]

	p.Release(pc, false)

	if !fake.Closed() {
		t.Error("unhealthy connection must be closed, not pooled")
	}
	if st := p.Stats(); st.Idle > 0 {
		// The replacement may not have landed yet, but the bad
		// connection must never be in the idle set.
		for _, info := range p.Connections() {
			if info.ID == pc.ID() {
				t.Errorf("quarantined connection still tracked: %+v", info)
			}
		}
		_ = st
	}
}

func TestPool_DoubleReleaseIsNoOp(t *testing.T) {
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 2, HealthCheckInterval: time.Hour}, nil)

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	p.Release(pc, true)
	before := p.Stats()
	p.Release(pc, true)
	after := p.Stats()

	if before.Idle != after.Idle || before.Total != after.Total {
		t.Errorf("double release changed state: %+v -> %+v", before, after)
	}
}

func TestPool_CreationRetriesTransientFailures(t *testing.T) {
	connector := &backendtest.Connector{
		DialErrs: []error{errors.New("dial refused")},
	}
	p := New(Config{MinSize: 1, MaxSize: 2, RetryAttempts: 3, HealthCheckInterval: time.Hour}, connector, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start should retry past a transient dial error: %v", err)
	}
	defer func() { _ = p.Stop(context.Background()) }()

	if connector.Dials() != 2 {
		t.Errorf("expected 2 dials (1 failure + 1 success), got %d", connector.Dials())
	}
}

func TestPool_CreationFailureSurfacesAfterRetries(t *testing.T) {
	dialErr := errors.New("backend down")
	connector := &backendtest.Connector{
		DialErrs: []error{dialErr, dialErr, dialErr},
	}
	p := New(Config{MinSize: 1, MaxSize: 1, RetryAttempts: 3, HealthCheckInterval: time.Hour}, connector, nil)

	err := p.Start(context.Background())
	if err == nil {
		_ = p.Stop(context.Background())
		t.Fatal("expected start to fail")
	}
	if !gateerrors.HasCode(err, gateerrors.ErrCodeConnectionUnhealthy) {
		t.Errorf("expected CONNECTION_UNHEALTHY, got %v", err)
	}
	if !errors.Is(err, dialErr) {
		t.Errorf("cause should be preserved, got %v", err)
	}
}

func TestPool_ProbeFailuresQuarantineAfterTwo(t *testing.T) {
	connector := &backendtest.Connector{}
	p := newTestPool(t, Config{
		MinSize:             1,
		MaxSize:             2,
		HealthCheckInterval: 30 * time.Millisecond,
		MaxIdleDuration:     time.Hour,
	}, connector)

	fake := connector.Conns()[0]
	fake.SetPingErr(errors.New("probe dead"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fake.Closed() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !fake.Closed() {
		t.Fatal("connection failing probes was never quarantined")
	}

	// One failed probe is tolerated; quarantine takes two.
	if fake.Pings() < 2 {
		t.Errorf("expected at least 2 probes before quarantine, got %d", fake.Pings())
	}

	// The quarantined connection is replaced without breaching MinSize.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Total >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if total := p.Stats().Total; total < 1 {
		t.Fatalf("Total = %d after quarantine, want at least MinSize", total)
	}
}

func TestPool_AcquireDuringProbeGetsHandedSurvivor(t *testing.T) {
	// With one slow-pinging connection, an acquire landing while the
	// maintenance pass holds the idle set must be handed the connection
	// once the probe passes, not left to time out.
	connector := &backendtest.Connector{
		Configure: func(c *backendtest.Conn) {
			c.PingDelay = 150 * time.Millisecond
		},
	}
	p := newTestPool(t, Config{
		MinSize:             1,
		MaxSize:             1,
		AcquireTimeout:      time.Second,
		HealthCheckInterval: 20 * time.Millisecond,
		MaxIdleDuration:     time.Hour,
	}, connector)

	// Wait until the maintenance pass has taken the connection for probing.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := p.Stats()
		if st.Idle == 0 && st.InUse == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Now()
	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire during probe failed after %s: %v", time.Since(start), err)
	}
	p.Release(pc, true)
}

func TestPool_IdleRetirementKeepsMinSize(t *testing.T) {
	connector := &backendtest.Connector{}
	p := newTestPool(t, Config{
		MinSize:             1,
		MaxSize:             4,
		AcquireTimeout:      time.Second,
		HealthCheckInterval: 25 * time.Millisecond,
		MaxIdleDuration:     50 * time.Millisecond,
	}, connector)

	// Grow the pool to 3, then return everything to idle.
	ctx := context.Background()
	var held []*PooledConn
	for i := 0; i < 3; i++ {
		pc, err := p.Acquire(ctx)
		if err != nil {
			t.Fatal(err)
		}
		held = append(held, pc)
	}
	for _, pc := range held {
		p.Release(pc, true)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Total == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("idle connections never retired to MinSize: %+v", p.Stats())
}

func TestPool_AcquireAfterStopFails(t *testing.T) {
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 1, HealthCheckInterval: time.Hour}, nil)
	if err := p.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := p.Acquire(context.Background())
	if !gateerrors.HasCode(err, gateerrors.ErrCodePoolClosed) {
		t.Errorf("expected POOL_CLOSED, got %v", err)
	}
}

func TestPool_StopWakesWaiters(t *testing.T) {
	p := newTestPool(t, Config{
		MinSize:             1,
		MaxSize:             1,
		AcquireTimeout:      5 * time.Second,
		HealthCheckInterval: time.Hour,
	}, nil)

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := p.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if !gateerrors.HasCode(err, gateerrors.ErrCodePoolClosed) {
			t.Errorf("waiter should fail with POOL_CLOSED, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Stop")
	}

	// Late release of an in-use connection after Stop closes it.
	p.Release(pc, true)
}

func TestPool_SingleHolderInvariant(t *testing.T) {
	p := newTestPool(t, Config{
		MinSize:             2,
		MaxSize:             4,
		AcquireTimeout:      2 * time.Second,
		HealthCheckInterval: time.Hour,
	}, nil)

	ctx := context.Background()
	var mu sync.Mutex
	holders := make(map[string]int)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				pc, err := p.Acquire(ctx)
				if err != nil {
					continue
				}
				mu.Lock()
				holders[pc.ID()]++
				if holders[pc.ID()] > 1 {
					t.Errorf("connection %s held by %d borrowers", pc.ID(), holders[pc.ID()])
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				holders[pc.ID()]--
				mu.Unlock()
				p.Release(pc, true)
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	if stats.InUse != 0 {
		t.Errorf("expected no in-use connections after drain, got %+v", stats)
	}
	if stats.Total > 4 {
		t.Errorf("pool exceeded MaxSize: %+v", stats)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{MinSize: 1, MaxSize: 2}, false},
		{"equal sizes", Config{MinSize: 2, MaxSize: 2}, false},
		{"zero min", Config{MinSize: 0, MaxSize: 2}, true},
		{"max below min", Config{MinSize: 3, MaxSize: 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
