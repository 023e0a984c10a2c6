package scheduler

import (
	"container/heap"
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/kbukum/conngate/component"
	gateerrors "github.com/kbukum/conngate/errors"
	"github.com/kbukum/conngate/logger"
)

// Config configures the fair scheduler.
type Config struct {
	// MaxConcurrent is the global cap on admitted requests.
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent" validate:"gt=0"`
	// MaxQueueSize caps total queued (not yet admitted) requests.
	MaxQueueSize int `yaml:"max_queue_size" mapstructure:"max_queue_size" validate:"gt=0"`
	// QueueTimeout evicts tickets that wait longer than this.
	QueueTimeout time.Duration `yaml:"queue_timeout" mapstructure:"queue_timeout"`
	// ReapInterval is the cadence of the eviction sweep.
	ReapInterval time.Duration `yaml:"reap_interval" mapstructure:"reap_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 8,
		MaxQueueSize:  128,
		QueueTimeout:  30 * time.Second,
		ReapInterval:  time.Second,
	}
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = d.QueueTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
		if c.ReapInterval > c.QueueTimeout/2 {
			c.ReapInterval = c.QueueTimeout / 2
		}
	}
}

// clientQueue holds one client's pending tickets and active count.
type clientQueue struct {
	id      string
	pending ticketHeap
	active  int
}

func (cq *clientQueue) idle() bool {
	return len(cq.pending) == 0 && cq.active == 0
}

// Scheduler admits requests fairly across clients up to a global cap.
type Scheduler struct {
	config Config
	log    *logger.Logger

	mu          sync.Mutex
	clients     map[string]*clientQueue
	order       []string // round-robin order over known clients
	cursor      int      // index of the next client to consider
	queued      int
	activeTotal int
	nextSeq     uint64
	closed      bool

	admitted int64
	rejected int64
	expired  int64

	reapCancel context.CancelFunc
	reapDone   chan struct{}
}

// Stats is a point-in-time scheduler snapshot.
type Stats struct {
	MaxConcurrent int            `json:"max_concurrent"`
	MaxQueueSize  int            `json:"max_queue_size"`
	QueueDepth    int            `json:"queue_depth"`
	ActiveTotal   int            `json:"active_total"`
	ActiveClients int            `json:"active_clients"`
	FairShare     int            `json:"fair_share"`
	QueuedByClient map[string]int `json:"queued_by_client"`
	ActiveByClient map[string]int `json:"active_by_client"`
	Admitted      int64          `json:"admitted"`
	Rejected      int64          `json:"rejected"`
	Expired       int64          `json:"expired"`
}

// New creates a scheduler. The reaper does not run until Start.
func New(cfg Config, log *logger.Logger) *Scheduler {
	cfg.ApplyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		config:  cfg,
		log:     log.WithComponent("scheduler"),
		clients: make(map[string]*clientQueue),
	}
}

// Name implements component.Component.
func (s *Scheduler) Name() string { return "scheduler" }

// Start launches the queue reaper. It implements component.Component.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stderrors.New("scheduler: closed")
	}
	if s.reapCancel != nil {
		return stderrors.New("scheduler: already started")
	}

	reapCtx, cancel := context.WithCancel(context.Background())
	s.reapCancel = cancel
	s.reapDone = make(chan struct{})
	go s.reapLoop(reapCtx)
	return nil
}

// Stop fails all queued tickets and stops the reaper. It implements
// component.Component.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	var evicted []*Ticket
	for _, cq := range s.clients {
		for len(cq.pending) > 0 {
			t := heap.Pop(&cq.pending).(*Ticket)
			t.state = ticketExpired
			evicted = append(evicted, t)
		}
	}
	s.queued = 0
	cancel := s.reapCancel
	done := s.reapDone
	s.mu.Unlock()

	for _, t := range evicted {
		err := gateerrors.QueueTimeout(t.clientID, time.Since(t.enqueuedAt))
		t.result <- err.WithDetail("reason", "shutdown")
	}

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Health implements component.Component.
func (s *Scheduler) Health(ctx context.Context) component.Health {
	stats := s.Stats()
	h := component.Health{Name: s.Name(), Status: component.StatusHealthy}
	if stats.QueueDepth >= stats.MaxQueueSize {
		h.Status = component.StatusDegraded
		h.Message = "queue saturated"
	}
	return h
}

// Enqueue queues a request for admission. It fails fast with QUEUE_FULL
// when the global queue is at capacity.
func (s *Scheduler) Enqueue(requestID, clientID string, priority, cost int) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, gateerrors.QueueFull(s.queued, s.config.MaxQueueSize).
			WithDetail("reason", "shutdown")
	}
	if s.queued >= s.config.MaxQueueSize {
		s.rejected++
		return nil, gateerrors.QueueFull(s.queued, s.config.MaxQueueSize)
	}

	s.nextSeq++
	t := &Ticket{
		requestID:  requestID,
		clientID:   clientID,
		priority:   priority,
		cost:       cost,
		enqueuedAt: time.Now(),
		seq:        s.nextSeq,
		result:     make(chan error, 1),
		state:      ticketQueued,
		index:      -1,
	}

	cq := s.clients[clientID]
	if cq == nil {
		cq = &clientQueue{id: clientID}
		s.clients[clientID] = cq
		s.order = append(s.order, clientID)
	}
	heap.Push(&cq.pending, t)
	s.queued++

	s.dispatchLocked()
	return t, nil
}

// Await blocks until the ticket is admitted, expires, or ctx is done.
// An abandoned ticket is removed from the queue before admission; if
// admission raced the cancellation, the slot is released immediately.
func (s *Scheduler) Await(ctx context.Context, t *Ticket) error {
	select {
	case err := <-t.result:
		return err

	case <-ctx.Done():
		s.mu.Lock()
		if t.state == ticketQueued {
			s.removeLocked(t)
			t.state = ticketCancelled
			s.mu.Unlock()
			return ctx.Err()
		}
		s.mu.Unlock()

		// Admission already happened; take the result and give the
		// slot back.
		select {
		case err := <-t.result:
			if err == nil {
				s.Release(t)
			}
		default:
		}
		return ctx.Err()
	}
}

// Release frees an admitted ticket's slot. Safe to call once per ticket;
// further calls are no-ops.
func (s *Scheduler) Release(t *Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.state != ticketAdmitted {
		return
	}
	t.state = ticketReleased

	if cq := s.clients[t.clientID]; cq != nil {
		cq.active--
		if cq.idle() {
			s.dropClientLocked(t.clientID)
		}
	}
	s.activeTotal--
	s.dispatchLocked()
}

// Stats returns a point-in-time snapshot.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		MaxConcurrent:  s.config.MaxConcurrent,
		MaxQueueSize:   s.config.MaxQueueSize,
		QueueDepth:     s.queued,
		ActiveTotal:    s.activeTotal,
		ActiveClients:  len(s.clients),
		FairShare:      s.fairShareLocked(),
		QueuedByClient: make(map[string]int, len(s.clients)),
		ActiveByClient: make(map[string]int, len(s.clients)),
		Admitted:       s.admitted,
		Rejected:       s.rejected,
		Expired:        s.expired,
	}
	for id, cq := range s.clients {
		st.QueuedByClient[id] = len(cq.pending)
		st.ActiveByClient[id] = cq.active
	}
	return st
}

// --- internals ---

// fairShareLocked is the per-client concurrency allotment, recomputed from
// the live client count. Never below one, or nobody gets in.
func (s *Scheduler) fairShareLocked() int {
	n := len(s.clients)
	if n == 0 {
		return s.config.MaxConcurrent
	}
	share := s.config.MaxConcurrent / n
	if share < 1 {
		share = 1
	}
	return share
}

// dispatchLocked admits tickets round-robin until the global cap or the
// queues run out. A client at its fair share is skipped even when slots
// are free; the slot stays idle until a release rebalances the shares.
// The cursor resumes after the last client served so no client gets
// structural priority.
func (s *Scheduler) dispatchLocked() {
	for s.activeTotal < s.config.MaxConcurrent && s.queued > 0 {
		if !s.admitOneLocked(s.fairShareLocked()) {
			return
		}
	}
}

// admitOneLocked admits the next eligible ticket in round-robin order.
func (s *Scheduler) admitOneLocked(share int) bool {
	n := len(s.order)
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		cq := s.clients[s.order[idx]]
		if cq == nil || len(cq.pending) == 0 {
			continue
		}
		if cq.active >= share {
			continue
		}

		t := heap.Pop(&cq.pending).(*Ticket)
		s.queued--
		t.state = ticketAdmitted
		cq.active++
		s.activeTotal++
		s.admitted++
		s.cursor = (idx + 1) % n
		t.result <- nil
		return true
	}
	return false
}

// removeLocked takes a queued ticket out of its client's heap.
func (s *Scheduler) removeLocked(t *Ticket) {
	cq := s.clients[t.clientID]
	if cq == nil || t.index < 0 {
		return
	}
	heap.Remove(&cq.pending, t.index)
	s.queued--
	if cq.idle() {
		s.dropClientLocked(t.clientID)
	}
	s.dispatchLocked()
}

// dropClientLocked forgets a client with no pending or active work.
func (s *Scheduler) dropClientLocked(clientID string) {
	delete(s.clients, clientID)
	for i, id := range s.order {
		if id == clientID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			if s.cursor > i {
				s.cursor--
			}
			if len(s.order) > 0 {
				s.cursor %= len(s.order)
			} else {
				s.cursor = 0
			}
			return
		}
	}
}

// reapLoop periodically evicts queued tickets older than QueueTimeout.
func (s *Scheduler) reapLoop(ctx context.Context) {
	defer close(s.reapDone)

	ticker := time.NewTicker(s.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapExpired()
		}
	}
}

func (s *Scheduler) reapExpired() {
	cutoff := time.Now().Add(-s.config.QueueTimeout)

	s.mu.Lock()
	var evicted []*Ticket
	for _, cq := range s.clients {
		// Collect first: removal reindexes the heap.
		var stale []*Ticket
		for _, t := range cq.pending {
			if t.enqueuedAt.Before(cutoff) {
				stale = append(stale, t)
			}
		}
		for _, t := range stale {
			heap.Remove(&cq.pending, t.index)
			s.queued--
			t.state = ticketExpired
			s.expired++
			evicted = append(evicted, t)
		}
	}
	for _, t := range evicted {
		if cq := s.clients[t.clientID]; cq != nil && cq.idle() {
			s.dropClientLocked(t.clientID)
		}
	}
	s.dispatchLocked()
	s.mu.Unlock()

	for _, t := range evicted {
		s.log.Warn("queued request expired", logger.Fields(
			logger.FieldRequestID, t.requestID,
			logger.FieldClientID, t.clientID))
		t.result <- gateerrors.QueueTimeout(t.clientID, time.Since(t.enqueuedAt))
	}
}
