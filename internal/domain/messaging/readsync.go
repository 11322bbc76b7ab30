package messaging

// ReadSyncer debounces read receipts: opening a thread starts a visibility
// session, and at most one receipt is sent per session no matter how many
// times the UI reports the thread visible. A failed receipt is not retried
// within its session; the next open retries. Like the subscription manager
// it has no lock of its own; the Store's mutex guards all fields.
type ReadSyncer struct {
	session   int
	attempted int
	inFlight  bool
}

// beginSessionLocked starts a new visibility session. Called when a thread
// is opened.
func (r *ReadSyncer) beginSessionLocked() {
	r.session++
}

// shouldSendLocked reports whether a receipt is still owed for the current
// session.
func (r *ReadSyncer) shouldSendLocked() bool {
	return !r.inFlight && r.attempted != r.session
}

// markAttemptedLocked records that this session's single receipt has been
// issued.
func (r *ReadSyncer) markAttemptedLocked() {
	r.attempted = r.session
}
