package messaging

// Subscriber is the outbound half of the duplex channel the subscription
// manager drives.
type Subscriber interface {
	Subscribe(threadID string) error
	Unsubscribe(threadID string) error
}

// SubscriptionManager tracks the thread the duplex channel is subscribed to
// and enforces at-most-one active subscription per client. It has no lock of
// its own: it is logically part of the Store and every method must be called
// with the Store's mutex held.
type SubscriptionManager struct {
	channel Subscriber
	current string
}

// subscribeLocked makes threadID the single active subscription, defensively
// unsubscribing any stale one first. Subscribing to the already-active
// thread re-issues the subscribe, which the server treats as idempotent;
// that is what re-establishes the open thread after a reconnect.
func (m *SubscriptionManager) subscribeLocked(threadID string) {
	if m.channel == nil {
		m.current = threadID
		return
	}
	if m.current != "" && m.current != threadID {
		m.channel.Unsubscribe(m.current)
	}
	m.channel.Subscribe(threadID)
	m.current = threadID
}

// unsubscribeLocked releases the subscription when threadID is the active
// one; otherwise it is a no-op.
func (m *SubscriptionManager) unsubscribeLocked(threadID string) {
	if m.current != threadID {
		return
	}
	if m.channel != nil {
		m.channel.Unsubscribe(threadID)
	}
	m.current = ""
}
