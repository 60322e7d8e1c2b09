package progress

import (
	"log/slog"
	"sync"
)

// Subscription is one registered notification channel. Events are written to
// the Conn by a dedicated goroutine in the order they were queued.
type Subscription struct {
	clientID string
	conn     Conn
	queue    chan Event
	done     chan struct{}
	once     sync.Once
	logger   *slog.Logger
}

func newSubscription(clientID string, conn Conn, size int, logger *slog.Logger) *Subscription {
	return &Subscription{
		clientID: clientID,
		conn:     conn,
		queue:    make(chan Event, size),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// ClientID returns the id the subscription was registered under.
func (s *Subscription) ClientID() string { return s.clientID }

// Done is closed once the subscription has been replaced or released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) offer(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			// A stop that raced with this receive wins.
			select {
			case <-s.done:
				return
			default:
			}
			if err := s.conn.WriteEvent(ev); err != nil {
				s.logger.Debug("progress event write failed", "client_id", s.clientID, "error", err)
			}
		}
	}
}
