package messaging

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/courier-go/contracts"
)

// ScheduleDispatcher receives envelopes whose scheduled time has come
type ScheduleDispatcher func(ctx context.Context, env *contracts.Envelope) error

// LocalScheduler holds non-durable scheduled envelopes in memory and hands
// them to a dispatcher when they are due. Held envelopes are lost when the
// process stops.
type LocalScheduler struct {
	dispatch ScheduleDispatcher
	now      func() time.Time
	logger   *slog.Logger

	mu    sync.Mutex
	items scheduleHeap
	wake  chan struct{}
}

// NewLocalScheduler creates a scheduler. now defaults to time.Now.
func NewLocalScheduler(dispatch ScheduleDispatcher, now func() time.Time, logger *slog.Logger) *LocalScheduler {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalScheduler{
		dispatch: dispatch,
		now:      now,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Schedule holds env until env.ScheduledTime. Envelopes without a
// scheduled time are due immediately.
func (s *LocalScheduler) Schedule(env *contracts.Envelope) {
	at := s.now()
	if env.ScheduledTime != nil {
		at = *env.ScheduledTime
	}

	s.mu.Lock()
	heap.Push(&s.items, &scheduledItem{env: env, at: at})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Count returns the number of envelopes waiting
func (s *LocalScheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Len()
}

// Run dispatches due envelopes until ctx is done
func (s *LocalScheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		for _, env := range s.popDue() {
			if err := s.dispatch(ctx, env); err != nil {
				s.logger.Error("failed to dispatch scheduled envelope",
					"envelopeId", env.ID,
					"messageType", env.MessageType,
					"error", err)
			}
		}

		wait, ok := s.nextWait()
		if !ok {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *LocalScheduler) popDue() []*contracts.Envelope {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*contracts.Envelope
	for s.items.Len() > 0 && !s.items[0].at.After(now) {
		item := heap.Pop(&s.items).(*scheduledItem)
		due = append(due, item.env)
	}
	return due
}

func (s *LocalScheduler) nextWait() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items.Len() == 0 {
		return 0, false
	}
	wait := s.items[0].at.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

type scheduledItem struct {
	env *contracts.Envelope
	at  time.Time
}

// scheduleHeap orders items by due time
type scheduleHeap []*scheduledItem

func (h scheduleHeap) Len() int           { return len(h) }
func (h scheduleHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h scheduleHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *scheduleHeap) Push(x any) {
	*h = append(*h, x.(*scheduledItem))
}

func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
