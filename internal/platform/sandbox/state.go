package sandbox

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/domain/messaging"
)

// Sandbox identities. The bearer token always authenticates as the demo
// patient; counterpart messages are injected server-side.
const (
	PatientID = "patient-demo"
	DoctorID  = "doctor-osei"
)

// state is the in-memory source of truth the sandbox serves from. It holds
// the same shapes the real gateway returns, so client reconciliation code
// exercises the genuine wire model.
type state struct {
	mu          sync.Mutex
	threads     []*messaging.Thread
	messages    map[string][]*messaging.Message // thread id -> log, oldest first
	attachments map[string]*messaging.Attachment
}

func newState() *state {
	return &state{
		messages:    make(map[string][]*messaging.Message),
		attachments: make(map[string]*messaging.Attachment),
	}
}

// seed populates two demo threads so a fresh sandbox is immediately usable.
func (st *state) seed() {
	base := time.Now().Add(-48 * time.Hour)

	st.addThread(&messaging.Thread{
		ID:              "thread-osei",
		CounterpartID:   DoctorID,
		CounterpartName: "Dr. Amara Osei",
		CounterpartRole: messaging.RoleDoctor,
		CanSendMessage:  true,
		CreatedAt:       base,
	})
	for i, text := range []string{
		"Hello! How have you been feeling since we adjusted the dosage?",
		"A bit better, the headaches are less frequent now.",
		"That's good progress. Keep the evening dose with food.",
	} {
		sender, role := DoctorID, messaging.RoleDoctor
		if i == 1 {
			sender, role = PatientID, messaging.RolePatient
		}
		st.append(newTextMessage("thread-osei", sender, role, text, base.Add(time.Duration(i)*time.Hour)))
	}

	st.addThread(&messaging.Thread{
		ID:              "thread-patel",
		CounterpartID:   "doctor-patel",
		CounterpartName: "Dr. Ravi Patel",
		CounterpartRole: messaging.RoleDoctor,
		CanSendMessage:  false, // connection still pending approval
		CreatedAt:       base.Add(24 * time.Hour),
	})
}

func newTextMessage(threadID, senderID string, role messaging.Role, text string, at time.Time) *messaging.Message {
	content := text
	return &messaging.Message{
		ID:         uuid.New().String(),
		ThreadID:   threadID,
		SenderID:   senderID,
		SenderRole: role,
		Content:    &content,
		Type:       messaging.MessageText,
		CreatedAt:  at,
	}
}

func (st *state) addThread(t *messaging.Thread) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.threads = append(st.threads, t)
}

// listThreads returns one page of summaries, most recent activity first.
func (st *state) listThreads(search string, page, pageSize int) *messaging.ThreadPage {
	st.mu.Lock()
	defer st.mu.Unlock()

	matched := make([]*messaging.Thread, 0, len(st.threads))
	needle := strings.ToLower(search)
	for _, t := range st.threads {
		if needle != "" && !strings.Contains(strings.ToLower(t.CounterpartName), needle) {
			continue
		}
		matched = append(matched, t)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].LastMessageAt.After(matched[j].LastMessageAt)
	})

	start := (page - 1) * pageSize
	if start < 0 || start >= len(matched) {
		return &messaging.ThreadPage{Total: len(matched)}
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}

	out := make([]*messaging.Thread, 0, end-start)
	for _, t := range matched[start:end] {
		cp := *t
		out = append(out, &cp)
	}
	return &messaging.ThreadPage{Threads: out, Total: len(matched), HasMore: end < len(matched)}
}

func (st *state) thread(threadID string) *messaging.Thread {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.threadLocked(threadID)
}

func (st *state) threadLocked(threadID string) *messaging.Thread {
	for _, t := range st.threads {
		if t.ID == threadID {
			return t
		}
	}
	return nil
}

// listMessages pages backward through a thread's log: the page ends just
// before the message with id `before`, or at the newest message when before
// is empty. Messages within a page are oldest first.
func (st *state) listMessages(threadID, before string, limit int) *messaging.MessagePage {
	st.mu.Lock()
	defer st.mu.Unlock()

	log := st.messages[threadID]
	end := len(log)
	if before != "" {
		for i, m := range log {
			if m.ID == before {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	out := make([]*messaging.Message, 0, end-start)
	for _, m := range log[start:end] {
		cp := *m
		out = append(out, &cp)
	}
	return &messaging.MessagePage{Messages: out, HasMore: start > 0}
}

// append stores a message and refreshes its thread's summary. Messages from
// the counterpart bump the patient's unread counter.
func (st *state) append(msg *messaging.Message) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.messages[msg.ThreadID] = append(st.messages[msg.ThreadID], msg)
	t := st.threadLocked(msg.ThreadID)
	if t == nil {
		return
	}
	t.LastMessageAt = msg.CreatedAt
	t.LastMessagePreview = msg.Preview()
	if msg.SenderID != PatientID {
		t.UnreadCount++
	}
}

// markRead zeroes the unread counter and stamps the counterpart's messages as
// read by the patient.
func (st *state) markRead(threadID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	t := st.threadLocked(threadID)
	if t == nil {
		return fmt.Errorf("thread %s not found", threadID)
	}
	t.UnreadCount = 0
	now := time.Now()
	for _, m := range st.messages[threadID] {
		if m.SenderID != PatientID && !m.IsRead {
			m.IsRead = true
			readAt := now
			m.ReadAt = &readAt
		}
	}
	return nil
}

func (st *state) saveAttachment(a *messaging.Attachment) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.attachments[a.ID] = a
}

func (st *state) attachment(id string) *messaging.Attachment {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.attachments[id]
}

// createThread starts (or returns) the thread with a counterpart.
func (st *state) createThread(counterpartID string) *messaging.Thread {
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, t := range st.threads {
		if t.CounterpartID == counterpartID {
			return t
		}
	}
	t := &messaging.Thread{
		ID:              "thread-" + uuid.New().String()[:8],
		CounterpartID:   counterpartID,
		CounterpartRole: messaging.RoleDoctor,
		CanSendMessage:  true,
		CreatedAt:       time.Now(),
	}
	st.threads = append(st.threads, t)
	return t
}
