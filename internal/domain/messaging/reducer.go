package messaging

import "time"

// storeEvent is the closed set of mutations ever applied to the projection.
// Every change to threads, logs, or counters is expressed as one of these
// variants and funneled through applyLocked, so each reconciliation rule
// lives in exactly one place and the local-origin / remote-origin split is
// explicit.
type storeEvent interface {
	isStoreEvent()
}

// Local-origin events: the user acted on this client.

// localMessageQueued appends an optimistic entry to the open log.
type localMessageQueued struct {
	msg *Message
}

// sendConfirmed reconciles the server's copy of a sent message with the
// optimistic entry, matched by correlation id.
type sendConfirmed struct {
	localID   string
	confirmed *Message
}

// sendFailed flags the optimistic entry for manual retry.
type sendFailed struct {
	msg *Message
}

// receiptConfirmed applies a server-acknowledged read receipt: the baseline
// captured at issue time is subtracted, and messages loaded under the same
// open generation are stamped read.
type receiptConfirmed struct {
	threadID string
	baseline int
	gen      int
}

// Remote-origin events: a peer (or this user on another device) acted.

// remoteMessage is a pushed new_message frame.
type remoteMessage struct {
	msg *Message
}

// remoteRead is a pushed message_read frame.
type remoteRead struct {
	threadID   string
	readerRole Role
}

func (localMessageQueued) isStoreEvent() {}
func (sendConfirmed) isStoreEvent()      {}
func (sendFailed) isStoreEvent()         {}
func (receiptConfirmed) isStoreEvent()   {}
func (remoteMessage) isStoreEvent()      {}
func (remoteRead) isStoreEvent()         {}

// applyLocked is the single reducer over the projection. Callers hold s.mu.
func (s *Store) applyLocked(ev storeEvent) {
	switch ev := ev.(type) {
	case localMessageQueued:
		if s.openID == ev.msg.ThreadID {
			s.messages = append(s.messages, ev.msg)
		}

	case sendConfirmed:
		if s.openID == ev.confirmed.ThreadID {
			if idx := indexByID(s.messages, ev.confirmed.ID); idx >= 0 {
				// The push copy of this message won the race; drop any
				// still-unconfirmed optimistic entry so the id appears
				// exactly once. An adopted entry already carries the server
				// id and stays.
				s.messages = dropUnconfirmed(s.messages, ev.localID)
			} else if idx := indexByLocalID(s.messages, ev.localID); idx >= 0 {
				cp := *ev.confirmed
				cp.LocalID = ev.localID
				s.messages[idx] = &cp
				sortMessages(s.messages)
			}
		}
		s.touchThreadLocked(ev.confirmed)

	case sendFailed:
		ev.msg.Pending = false
		ev.msg.Failed = true

	case receiptConfirmed:
		// The receipt covers what was unread when it was issued. Messages
		// pushed while the request was in flight keep their count, so a
		// concurrent peer update is never merged away.
		if t, ok := s.threadIndex[ev.threadID]; ok {
			t.UnreadCount -= ev.baseline
			if t.UnreadCount < 0 {
				t.UnreadCount = 0
			}
		}
		if s.openID == ev.threadID && s.openGen == ev.gen {
			now := time.Now()
			for _, m := range s.messages {
				if m.SenderID != s.self.UserID && !m.IsRead {
					m.IsRead = true
					readAt := now
					m.ReadAt = &readAt
				}
			}
		}

	case remoteMessage:
		msg := ev.msg
		if msg.ThreadID == s.openID {
			if indexByID(s.messages, msg.ID) >= 0 {
				return
			}
			cp := *msg
			if msg.SenderID == s.self.UserID {
				// The push for an own message can outrun the send response,
				// and pushes carry no correlation id. Adopt the server copy
				// into the matching optimistic slot so the log never shows
				// both, even if the send later errors.
				if idx := indexUnconfirmedEcho(s.messages, msg); idx >= 0 {
					cp.LocalID = s.messages[idx].LocalID
					s.messages[idx] = &cp
					sortMessages(s.messages)
					s.touchThreadLocked(msg)
					return
				}
			}
			s.messages = append(s.messages, &cp)
			sortMessages(s.messages)
			s.touchThreadLocked(msg)
			return
		}
		s.touchThreadLocked(msg)
		if msg.SenderID != s.self.UserID {
			if t, ok := s.threadIndex[msg.ThreadID]; ok {
				t.UnreadCount++
			}
		}

	case remoteRead:
		// A receipt from this client's own role is an echo of its own action.
		if ev.readerRole == s.self.Role {
			return
		}
		if ev.threadID != s.openID {
			return
		}
		now := time.Now()
		for _, m := range s.messages {
			if m.SenderID == s.self.UserID && !m.IsRead {
				m.IsRead = true
				readAt := now
				m.ReadAt = &readAt
			}
		}
	}
}
