package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/realty/pkg/router"
)

// Handler serves one prompt for a session. *router.Coordinator implements it.
type Handler interface {
	Handle(ctx context.Context, prompt, sessionID string) (*router.Response, error)
}

// SessionCounter reports how many sessions are registered.
type SessionCounter interface {
	Len() int
}

// QueryRequest is the body of POST /realestate-agent. Both the nested
// shape {"query":{"prompt"},"session_input":{"session_id"}} and the flat
// shape {"prompt","session_id"} are accepted.
type QueryRequest struct {
	Prompt    string
	SessionID string
}

type queryBody struct {
	Query *struct {
		Prompt string `json:"prompt"`
	} `json:"query,omitempty"`
	SessionInput *struct {
		SessionID string `json:"session_id"`
	} `json:"session_input,omitempty"`
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
}

// UnmarshalJSON accepts either request shape. Nested fields win when both
// are present.
func (q *QueryRequest) UnmarshalJSON(data []byte) error {
	var body queryBody
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}
	q.Prompt = body.Prompt
	q.SessionID = body.SessionID
	if body.Query != nil {
		q.Prompt = body.Query.Prompt
	}
	if body.SessionInput != nil {
		q.SessionID = body.SessionInput.SessionID
	}
	return nil
}

// ErrorResponse is the body of every non-2xx HTTP response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// Frame is one websocket request. It embeds the HTTP request body.
type Frame struct {
	ID string `json:"id"`
	QueryRequest
}

// UnmarshalJSON decodes the id alongside either request shape.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var meta struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return err
	}
	f.ID = meta.ID
	return f.QueryRequest.UnmarshalJSON(data)
}

// FrameResponse answers one Frame. Status mirrors the HTTP status the same
// request would have received.
type FrameResponse struct {
	ID       string           `json:"id"`
	Status   int              `json:"status"`
	Response *router.Response `json:"response,omitempty"`
	Detail   string           `json:"detail,omitempty"`
}

// Client is one websocket connection.
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string

	writeMu      sync.Mutex
	lastActivity atomic.Int64 // unix nanos
	inFlight     atomic.Int32
}

// WriteJSON serializes writes to the connection.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Client) info(now time.Time) ClientInfo {
	last := time.Unix(0, c.lastActivity.Load())
	return ClientInfo{
		ID:           c.ID,
		ConnectedAt:  c.ConnectedAt,
		LastActivity: last,
		IPAddress:    c.IPAddress,
		InFlight:     int(c.inFlight.Load()),
		Idle:         now.Sub(last) > idleAfter,
	}
}

// ClientInfo describes a connected websocket client.
type ClientInfo struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	IPAddress    string    `json:"ip_address"`
	InFlight     int       `json:"in_flight"`
	Idle         bool      `json:"idle"`
}
