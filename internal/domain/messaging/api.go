package messaging

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
)

// API is the REST surface the thread store consumes. *Client satisfies it;
// tests substitute mocks.
type API interface {
	ListThreads(ctx context.Context, search string, page, pageSize int) (*ThreadPage, error)
	ListMessages(ctx context.Context, threadID, before string, limit int) (*MessagePage, error)
	SendMessage(ctx context.Context, threadID string, req SendMessageRequest) (*Message, error)
	MarkThreadRead(ctx context.Context, threadID string) error
	UploadAttachment(ctx context.Context, filename string, content io.Reader) (*Attachment, error)
	StartThread(ctx context.Context, counterpartID string) (*Thread, error)
}

// ThreadPage is one page of thread summaries.
type ThreadPage struct {
	Threads []*Thread `json:"threads"`
	Total   int       `json:"total"`
	HasMore bool      `json:"has_more"`
}

// MessagePage is one backward page of a thread's history, oldest first.
type MessagePage struct {
	Messages []*Message `json:"messages"`
	HasMore  bool       `json:"has_more"`
}

// SendMessageRequest is the body of a send-message call. ClientRef is the
// correlation id the server echoes back so the optimistic copy can be
// replaced without matching on content.
type SendMessageRequest struct {
	Content       string      `json:"content,omitempty"`
	Type          MessageType `json:"type"`
	AttachmentIDs []string    `json:"attachment_ids,omitempty"`
	ClientRef     string      `json:"client_ref"`
}

// rester is the slice of rest.Client the messaging API uses.
type rester interface {
	Get(ctx context.Context, path string, out interface{}) error
	Post(ctx context.Context, path string, body, out interface{}) error
	Upload(ctx context.Context, path, field, filename string, content io.Reader, out interface{}) error
}

// Client implements API over the platform REST endpoints.
type Client struct {
	rest rester
}

// NewAPI creates the REST-backed messaging API.
func NewAPI(rest rester) *Client {
	return &Client{rest: rest}
}

func (c *Client) ListThreads(ctx context.Context, search string, page, pageSize int) (*ThreadPage, error) {
	q := url.Values{}
	if search != "" {
		q.Set("search", search)
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))

	var out ThreadPage
	if err := c.rest.Get(ctx, "/v1/messaging/threads?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return &out, nil
}

func (c *Client) ListMessages(ctx context.Context, threadID, before string, limit int) (*MessagePage, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	q.Set("limit", strconv.Itoa(limit))

	var out MessagePage
	path := "/v1/messaging/threads/" + url.PathEscape(threadID) + "/messages?" + q.Encode()
	if err := c.rest.Get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", threadID, err)
	}
	return &out, nil
}

func (c *Client) SendMessage(ctx context.Context, threadID string, req SendMessageRequest) (*Message, error) {
	var out Message
	path := "/v1/messaging/threads/" + url.PathEscape(threadID) + "/messages"
	if err := c.rest.Post(ctx, path, req, &out); err != nil {
		return nil, fmt.Errorf("send message to %s: %w", threadID, err)
	}
	return &out, nil
}

func (c *Client) MarkThreadRead(ctx context.Context, threadID string) error {
	path := "/v1/messaging/threads/" + url.PathEscape(threadID) + "/read"
	if err := c.rest.Post(ctx, path, nil, nil); err != nil {
		return fmt.Errorf("mark thread %s read: %w", threadID, err)
	}
	return nil
}

func (c *Client) UploadAttachment(ctx context.Context, filename string, content io.Reader) (*Attachment, error) {
	var out Attachment
	if err := c.rest.Upload(ctx, "/v1/messaging/attachments", "file", filename, content, &out); err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}
	return &out, nil
}

func (c *Client) StartThread(ctx context.Context, counterpartID string) (*Thread, error) {
	var out Thread
	body := map[string]string{"counterpart_id": counterpartID}
	if err := c.rest.Post(ctx, "/v1/messaging/threads", body, &out); err != nil {
		return nil, fmt.Errorf("start thread with %s: %w", counterpartID, err)
	}
	return &out, nil
}
