package optimizer

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

// Broker fans progress events out to subscribers. Each subscriber has its own
// unbounded queue drained by a pump goroutine, so a slow reader delays only itself.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
	closed bool
	logger *zap.Logger
}

type subscription struct {
	id    int
	jobID uuid.UUID // uuid.Nil receives every job
	out   chan domain.ProgressEvent
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once

	// closing asks the pump to deliver what is queued and then close out.
	closing     chan struct{}
	closingOnce sync.Once

	mu    sync.Mutex
	queue []domain.ProgressEvent
}

// NewBroker creates an empty broker.
func NewBroker(logger *zap.Logger) *Broker {
	return &Broker{
		subs:   make(map[int]*subscription),
		logger: logger.With(zap.String("component", "broker")),
	}
}

// Subscribe returns a channel of events for jobID, or for every job when jobID is
// uuid.Nil. A per-job channel is closed after that job's completion event. The
// returned function unsubscribes and may be called more than once.
func (b *Broker) Subscribe(jobID uuid.UUID) (<-chan domain.ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscription{
		id:    b.nextID,
		jobID: jobID,
		out:   make(chan domain.ProgressEvent),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	b.nextID++
	if b.closed {
		close(s.out)
		return s.out, func() {}
	}
	b.subs[s.id] = s
	go s.pump()

	return s.out, func() { b.remove(s) }
}

// Publish queues ev for every matching subscriber. It never blocks on readers.
func (b *Broker) Publish(ev domain.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		if s.jobID != uuid.Nil && s.jobID != ev.JobID {
			continue
		}
		s.push(ev)
		if s.jobID != uuid.Nil && ev.Type == domain.EventJobCompleted {
			delete(b.subs, s.id)
		}
	}
}

// Close stops accepting subscribers. Live subscriptions receive the events already
// queued for them before their channel closes; unsubscribing still drops them.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, s := range b.subs {
		s.finish()
		delete(b.subs, id)
	}
	b.logger.Debug("Broker closed")
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) remove(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
	s.stop()
}

func (s *subscription) push(ev domain.ProgressEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) finish() {
	s.closingOnce.Do(func() { close(s.closing) })
}

// pump delivers queued events in order until the subscription stops or a per-job
// subscription delivers the completion event.
func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
			if s.jobID != uuid.Nil && ev.Type == domain.EventJobCompleted {
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		case <-s.closing:
			s.mu.Lock()
			drained := len(s.queue) == 0
			s.mu.Unlock()
			if drained {
				return
			}
		}
	}
}
