package scheduler

import (
	"time"
)

// ticketState tracks where a ticket is in its lifecycle. Guarded by the
// scheduler mutex.
type ticketState int

const (
	ticketQueued ticketState = iota
	ticketAdmitted
	ticketCancelled
	ticketExpired
	ticketReleased
)

// Ticket is one queued admission request.
type Ticket struct {
	requestID  string
	clientID   string
	priority   int
	cost       int
	enqueuedAt time.Time
	seq        uint64

	// result delivers admission (nil) or a terminal error exactly once.
	result chan error

	// guarded by Scheduler.mu
	state ticketState
	index int // heap index, -1 when not queued
}

// RequestID returns the ticket's request identifier.
func (t *Ticket) RequestID() string { return t.requestID }

// ClientID returns the owning client.
func (t *Ticket) ClientID() string { return t.clientID }

// Priority returns the ticket priority; lower is served first.
func (t *Ticket) Priority() int { return t.priority }

// ticketHeap orders tickets by priority ascending with FIFO tie-break.
type ticketHeap []*Ticket

func (h ticketHeap) Len() int { return len(h) }

func (h ticketHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if !h[i].enqueuedAt.Equal(h[j].enqueuedAt) {
		return h[i].enqueuedAt.Before(h[j].enqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h ticketHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *ticketHeap) Push(x any) {
	t := x.(*Ticket)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *ticketHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
