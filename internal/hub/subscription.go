package hub

import "time"

// Subscription binds one session to one channel. It is owned by the Hub.
type Subscription struct {
	id       string
	channel  Channel
	session  string
	joinedAt time.Time

	ch   chan []byte
	done chan struct{}
	hub  *Hub
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Channel returns the channel the subscription is bound to.
func (s *Subscription) Channel() Channel { return s.channel }

// Session returns the session identity passed to Subscribe.
func (s *Subscription) Session() string { return s.session }

// JoinedAt returns when the subscription was created.
func (s *Subscription) JoinedAt() time.Time { return s.joinedAt }

// C delivers messages in publish order. It is closed when the subscription
// ends, whether by Unsubscribe or because the hub dropped it.
func (s *Subscription) C() <-chan []byte { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Unsubscribe is shorthand for Hub.Unsubscribe.
func (s *Subscription) Unsubscribe() { s.hub.Unsubscribe(s) }

// offer must be called with the hub read lock held.
func (s *Subscription) offer(msg []byte) bool {
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}
