package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/realtime"
)

const defaultPageSize = 20

// Channel is the duplex transport slice the store needs. *realtime.Client
// satisfies it.
type Channel interface {
	Subscribe(threadID string) error
	Unsubscribe(threadID string) error
	OnFrame(frameType string, h realtime.Handler)
	OnReady(h realtime.ReadyHook)
}

// Identity is the authenticated party this store projects threads for.
type Identity struct {
	UserID string
	Role   Role
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger attaches a logger.
func WithStoreLogger(log zerolog.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// WithPageSize overrides the page size used for thread and message fetches.
func WithPageSize(n int) StoreOption {
	return func(s *Store) { s.pageSize = n }
}

// Store is the single in-memory projection of the user's threads. One Store
// exists per authenticated session. Every mutation, whether from a user
// action, a completed request, or a pushed event, funnels through s.mu; the
// subscription manager and read synchronizer share the same lock, so their
// state and the cache can never diverge mid-update. Reconciliation between
// optimistic and server-confirmed state is expressed as storeEvent variants
// applied by a single reducer (see reducer.go) rather than scattered field
// patching.
type Store struct {
	api      API
	self     Identity
	log      zerolog.Logger
	pageSize int

	subs *SubscriptionManager
	read *ReadSyncer

	mu          sync.Mutex
	threads     []*Thread
	threadIndex map[string]*Thread
	page        int
	hasMore     bool

	openID   string
	openGen  int
	messages []*Message
	hasOlder bool
}

// NewStore creates the thread store for the given identity. channel may be
// nil for request/response-only use; AttachChannel wires push events later.
func NewStore(api API, self Identity, opts ...StoreOption) *Store {
	s := &Store{
		api:         api,
		self:        self,
		log:         zerolog.Nop(),
		pageSize:    defaultPageSize,
		threadIndex: make(map[string]*Thread),
	}
	s.subs = &SubscriptionManager{}
	s.read = &ReadSyncer{}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AttachChannel binds the store to the duplex channel: push frames flow into
// the reconciliation handlers and reconnects re-establish the open thread's
// subscription.
func (s *Store) AttachChannel(ch Channel) {
	s.mu.Lock()
	s.subs.channel = ch
	s.mu.Unlock()

	ch.OnFrame(FrameNewMessage, func(payload json.RawMessage) {
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.log.Warn().Err(err).Msg("messaging: dropping malformed new_message frame")
			return
		}
		s.HandleNewMessage(&msg)
	})
	ch.OnFrame(FrameMessageRead, func(payload json.RawMessage) {
		var rr readReceipt
		if err := json.Unmarshal(payload, &rr); err != nil {
			s.log.Warn().Err(err).Msg("messaging: dropping malformed message_read frame")
			return
		}
		s.HandleMessageRead(rr.ThreadID, rr.ReaderType)
	})
	ch.OnReady(func(reconnected bool) {
		if !reconnected {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		// Re-issue the subscription for whatever thread is open right now;
		// threads closed before the reconnect completed stay closed.
		if s.openID != "" {
			s.subs.subscribeLocked(s.openID)
		}
	})
}

// ---------------------------------------------------------------------------
// Thread list
// ---------------------------------------------------------------------------

// LoadThreads fetches a page of thread summaries. With appendPage the new
// page is merged by id-union: already-known threads keep their position and
// are refreshed in place, unknown ones are appended. Without it the list is
// replaced wholesale and paging restarts.
func (s *Store) LoadThreads(ctx context.Context, search string, appendPage bool) error {
	s.mu.Lock()
	page := 1
	if appendPage {
		page = s.page + 1
	}
	s.mu.Unlock()

	res, err := s.api.ListThreads(ctx, search, page, s.pageSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !appendPage {
		s.threads = nil
		s.threadIndex = make(map[string]*Thread)
	}
	for _, t := range res.Threads {
		if existing, ok := s.threadIndex[t.ID]; ok {
			*existing = *t
			continue
		}
		cp := *t
		s.threads = append(s.threads, &cp)
		s.threadIndex[cp.ID] = &cp
	}
	s.page = page
	s.hasMore = res.HasMore
	return nil
}

// HasMoreThreads reports whether another page of summaries exists.
func (s *Store) HasMoreThreads() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Threads returns a snapshot of the thread summaries in display order.
func (s *Store) Threads() []Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Thread, len(s.threads))
	for i, t := range s.threads {
		out[i] = *t
	}
	return out
}

// UnreadTotal returns the derived total unread count across all threads.
func (s *Store) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, t := range s.threads {
		total += t.UnreadCount
	}
	return total
}

// ---------------------------------------------------------------------------
// Open thread
// ---------------------------------------------------------------------------

// LoadThread opens a thread and fetches its recent history, or with loadMore
// prepends an older page to the already-open thread. Opening subscribes the
// duplex channel to the thread and starts a new visibility session for read
// receipts. Responses that arrive after the open thread changed are dropped
// by an explicit thread-id and generation check, since requests may complete
// out of issue order.
func (s *Store) LoadThread(ctx context.Context, threadID string, loadMore bool) error {
	s.mu.Lock()
	var before string
	gen := s.openGen
	if loadMore {
		if s.openID != threadID {
			s.mu.Unlock()
			return fmt.Errorf("messaging: thread %s is not open", threadID)
		}
		if len(s.messages) > 0 {
			before = s.messages[0].ID
		}
	} else {
		s.openGen++
		gen = s.openGen
		s.openID = threadID
		s.messages = nil
		s.hasOlder = false
		s.read.beginSessionLocked()
		s.subs.subscribeLocked(threadID)
	}
	s.mu.Unlock()

	res, err := s.api.ListMessages(ctx, threadID, before, s.pageSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openID != threadID || s.openGen != gen {
		// Stale continuation for a thread that is no longer open.
		return nil
	}

	if loadMore {
		s.messages = mergeByID(res.Messages, s.messages)
	} else {
		s.messages = mergeByID(res.Messages, nil)
	}
	s.hasOlder = res.HasMore
	return nil
}

// HasOlderMessages reports whether an older page exists for the open thread.
func (s *Store) HasOlderMessages() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasOlder
}

// OpenThreadID returns the id of the open thread, or "".
func (s *Store) OpenThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openID
}

// Messages returns a snapshot of the open thread's log in chronological
// order.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = *m
	}
	return out
}

// ClearCurrentThread releases the open thread's log and its subscription.
// Idempotent.
func (s *Store) ClearCurrentThread() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openID == "" {
		return
	}
	s.subs.unsubscribeLocked(s.openID)
	s.openID = ""
	s.openGen++
	s.messages = nil
	s.hasOlder = false
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// SendMessage optimistically appends a locally-tagged message to the open
// log, then issues the network call. On success the optimistic entry is
// replaced by the server-confirmed copy, matched by correlation id, never by
// content. On failure the entry is flagged failed and kept for manual retry.
func (s *Store) SendMessage(ctx context.Context, threadID, content string, msgType MessageType, attachmentIDs []string) (*Message, error) {
	s.mu.Lock()
	if t, ok := s.threadIndex[threadID]; ok && !t.CanSendMessage {
		s.mu.Unlock()
		return nil, fmt.Errorf("messaging: thread %s is read-only until the connection is approved", threadID)
	}

	body := content
	optimistic := &Message{
		LocalID:    uuid.New().String(),
		ThreadID:   threadID,
		SenderID:   s.self.UserID,
		SenderRole: s.self.Role,
		Content:    &body,
		Type:       msgType,
		CreatedAt:  time.Now(),
		Pending:    true,
	}
	if content == "" {
		optimistic.Content = nil
	}
	s.applyLocked(localMessageQueued{msg: optimistic})
	s.mu.Unlock()

	return s.deliver(ctx, optimistic, attachmentIDs)
}

// RetryMessage re-issues a previously failed optimistic message. Failed
// sends are never retried automatically; this is the explicit user action.
func (s *Store) RetryMessage(ctx context.Context, localID string) (*Message, error) {
	s.mu.Lock()
	var target *Message
	for _, m := range s.messages {
		if m.LocalID == localID && m.Failed {
			target = m
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("messaging: no failed message %s to retry", localID)
	}
	target.Failed = false
	target.Pending = true
	attachmentIDs := make([]string, 0, len(target.Attachments))
	for _, a := range target.Attachments {
		attachmentIDs = append(attachmentIDs, a.ID)
	}
	s.mu.Unlock()

	return s.deliver(ctx, target, attachmentIDs)
}

// deliver performs the network send for an optimistic entry and reconciles
// the outcome into the log.
func (s *Store) deliver(ctx context.Context, optimistic *Message, attachmentIDs []string) (*Message, error) {
	content := ""
	if optimistic.Content != nil {
		content = *optimistic.Content
	}
	confirmed, err := s.api.SendMessage(ctx, optimistic.ThreadID, SendMessageRequest{
		Content:       content,
		Type:          optimistic.Type,
		AttachmentIDs: attachmentIDs,
		ClientRef:     optimistic.LocalID,
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.applyLocked(sendFailed{msg: optimistic})
		return nil, err
	}

	s.applyLocked(sendConfirmed{localID: optimistic.LocalID, confirmed: confirmed})
	return confirmed, nil
}

// ---------------------------------------------------------------------------
// Push reconciliation
// ---------------------------------------------------------------------------

// HandleNewMessage reconciles a pushed message. For the open thread it is
// appended unless its id is already present, which covers the race where the
// send response and the push for the same message both arrive. For any other
// thread it bumps that thread's unread counter and refreshes its preview.
func (s *Store) HandleNewMessage(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(remoteMessage{msg: msg})
}

// HandleMessageRead reconciles a pushed read receipt. A receipt whose reader
// role matches this client's own role is an echo of its own action and is
// ignored. A peer receipt marks this user's sent copies as read; isRead never
// reverts and the local unread counter is untouched.
func (s *Store) HandleMessageRead(threadID string, readerRole Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(remoteRead{threadID: threadID, readerRole: readerRole})
}

// touchThreadLocked refreshes a thread summary's preview and timestamp from
// a message, creating a placeholder summary when the thread is not yet known
// (a counterpart can open a thread the list has not been refreshed to see).
func (s *Store) touchThreadLocked(msg *Message) {
	t, ok := s.threadIndex[msg.ThreadID]
	if !ok {
		t = &Thread{
			ID:              msg.ThreadID,
			CounterpartID:   msg.SenderID,
			CounterpartRole: msg.SenderRole,
			CanSendMessage:  true,
			CreatedAt:       msg.CreatedAt,
		}
		if msg.SenderID == s.self.UserID {
			// Own message in an unknown thread; counterpart unknown until
			// the next LoadThreads.
			t.CounterpartID = ""
			t.CounterpartRole = ""
		}
		s.threads = append(s.threads, t)
		s.threadIndex[t.ID] = t
	}
	if !msg.CreatedAt.Before(t.LastMessageAt) {
		t.LastMessageAt = msg.CreatedAt
		t.LastMessagePreview = msg.Preview()
	}
}

// ---------------------------------------------------------------------------
// Subscriptions and read state (store-facing surface)
// ---------------------------------------------------------------------------

// SubscribeToThread enforces the at-most-one-subscription invariant and
// subscribes the channel to the given thread.
func (s *Store) SubscribeToThread(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs.subscribeLocked(threadID)
}

// UnsubscribeFromThread drops the subscription if it is the active one.
func (s *Store) UnsubscribeFromThread(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs.unsubscribeLocked(threadID)
}

// SubscribedThread returns the currently subscribed thread id, or "".
func (s *Store) SubscribedThread() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs.current
}

// MarkVisible reports that the open thread is visible to the user and, at
// most once per visibility session, sends the read receipt. On success the
// thread's unread counter is zeroed and readAt is stamped on the loaded
// messages. On failure the counter is left untouched; the next visibility
// transition retries.
func (s *Store) MarkVisible(ctx context.Context) error {
	s.mu.Lock()
	threadID := s.openID
	gen := s.openGen
	if threadID == "" || !s.read.shouldSendLocked() {
		s.mu.Unlock()
		return nil
	}
	s.read.inFlight = true
	s.read.markAttemptedLocked()
	baseline := 0
	if t, ok := s.threadIndex[threadID]; ok {
		baseline = t.UnreadCount
	}
	s.mu.Unlock()

	err := s.api.MarkThreadRead(ctx, threadID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.read.inFlight = false
	if err != nil {
		// Never optimistically zeroed; the next open of this thread retries.
		return err
	}

	s.applyLocked(receiptConfirmed{threadID: threadID, baseline: baseline, gen: gen})
	return nil
}

// ---------------------------------------------------------------------------
// Attachments and thread creation
// ---------------------------------------------------------------------------

// UploadAttachment uploads content in one shot and returns the opaque
// attachment reference to pass to SendMessage.
func (s *Store) UploadAttachment(ctx context.Context, filename string, content io.Reader) (*Attachment, error) {
	return s.api.UploadAttachment(ctx, filename, content)
}

// StartThread creates a thread with a counterpart (doctor-initiated) and
// merges the new summary into the list.
func (s *Store) StartThread(ctx context.Context, counterpartID string) (*Thread, error) {
	t, err := s.api.StartThread(ctx, counterpartID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.threadIndex[t.ID]; ok {
		*existing = *t
		return t, nil
	}
	cp := *t
	s.threads = append([]*Thread{&cp}, s.threads...)
	s.threadIndex[cp.ID] = &cp
	return t, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func indexByID(msgs []*Message, id string) int {
	if id == "" {
		return -1
	}
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func indexByLocalID(msgs []*Message, localID string) int {
	for i, m := range msgs {
		if m.LocalID == localID {
			return i
		}
	}
	return -1
}

// dropUnconfirmed removes the optimistic entry with the given correlation
// id. Entries that already carry a server id are confirmed and stay.
func dropUnconfirmed(msgs []*Message, localID string) []*Message {
	out := msgs[:0]
	for _, m := range msgs {
		if m.LocalID == localID && m.ID == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// indexUnconfirmedEcho finds an unconfirmed own entry matching a pushed
// message by sender, type, and content.
func indexUnconfirmedEcho(msgs []*Message, pushed *Message) int {
	for i, m := range msgs {
		if m.ID != "" || m.SenderID != pushed.SenderID || m.Type != pushed.Type {
			continue
		}
		if contentEqual(m.Content, pushed.Content) {
			return i
		}
	}
	return -1
}

func contentEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// mergeByID unions an older page with the current log, dropping duplicates
// by id and restoring chronological order.
func mergeByID(older, current []*Message) []*Message {
	seen := make(map[string]bool, len(current))
	for _, m := range current {
		if m.ID != "" {
			seen[m.ID] = true
		}
	}
	merged := make([]*Message, 0, len(older)+len(current))
	for _, m := range older {
		if m.ID != "" && seen[m.ID] {
			continue
		}
		cp := *m
		merged = append(merged, &cp)
	}
	merged = append(merged, current...)
	sortMessages(merged)
	return merged
}

// sortMessages keeps a log in chronological order. The sort is stable so
// equal timestamps preserve arrival order.
func sortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
