package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"walletlink/pairing"
)

// Envelope kinds.
const (
	KindRequest  = "request"
	KindResponse = "response"
	KindEvent    = "event"
)

// Channels an envelope can travel on.
const (
	ChannelRoom = "room"
	ChannelC2C  = "c2c"
)

// Relay push event types.
type EventType string

const (
	EventConnect       EventType = "connect"
	EventDisconnect    EventType = "disconnect"
	EventConnectError  EventType = "connect_error"
	EventUserLeft      EventType = "user-left"
	EventStartTransfer EventType = "start-transfer"
	EventRoomFull      EventType = "room-full"
)

// Relay error codes carried in response envelopes.
const (
	CodeRateLimit          = "rate-limit"
	CodeRoomNotFound       = "room-not-found"
	CodeConnectionRejected = "connection-rejected"
	CodeInternal           = "internal"
)

var (
	// ErrNotConnected indicates the relay socket is not established.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrConnectionClosed indicates the relay socket closed mid-request.
	ErrConnectionClosed = errors.New("transport: connection closed")
)

// Envelope is the tagged wire message for every relay exchange. A
// request carries Method+Params, a response echoes the correlation ID
// with Result or Error, and an event carries Event+Params.
type Envelope struct {
	Kind    string          `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Channel string          `json:"channel,omitempty"`
	RoomID  string          `json:"roomId,omitempty"`
	Method  string          `json:"method,omitempty"`
	Event   EventType       `json:"event,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a structured error carried in a response envelope.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("transport: rpc error %s: %s", e.Code, e.Message)
}

// translateError maps relay error codes onto the local error taxonomy
// so callers never have to inspect relay-specific codes.
func translateError(rpcErr *RPCError) error {
	switch rpcErr.Code {
	case CodeRateLimit:
		return ErrRateLimitExceeded
	case CodeRoomNotFound, CodeConnectionRejected:
		return fmt.Errorf("%w: %s", pairing.ErrInvalidRoomID, rpcErr.Message)
	default:
		return rpcErr
	}
}

// Event is a push notification delivered to the session event loop.
type Event struct {
	Type      EventType
	RoomID    string
	UserID    string
	UserCount int
	Direction *TransferDirection
	Err       error
}

// eventPayload is the wire shape of server push event params.
type eventPayload struct {
	RoomID       string `json:"roomId"`
	UserID       string `json:"userId"`
	UserCount    int    `json:"userCount"`
	FromUserID   string `json:"fromUserId"`
	ToUserID     string `json:"toUserId"`
	RandomNumber string `json:"randomNumber"`
}
