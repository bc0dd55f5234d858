package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// DefaultRequestTimeout bounds one RPC round-trip.
	DefaultRequestTimeout = 30 * time.Second
	// dialMaxElapsedTime bounds the reconnect backoff loop.
	dialMaxElapsedTime = 60 * time.Second
)

// Client is a websocket relay connection implementing RoomManager and,
// per room, the client-to-client channel. One Client carries at most one
// pairing/transfer session at a time.
type Client struct {
	endpoint     string
	connectionID string

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *Envelope

	handlerMu sync.RWMutex
	handlers  map[string]RequestHandler

	limiter *RateLimiter

	events chan Event

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the relay endpoint, retrying with exponential backoff
// until the context is done or the backoff gives up.
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("relay endpoint is required")
	}

	var conn *websocket.Conn
	operation := func() error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			return fmt.Errorf("dial relay %q: %w", endpoint, err)
		}
		conn = c
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = dialMaxElapsedTime
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}

	client := &Client{
		endpoint:     endpoint,
		connectionID: uuid.NewString(),
		conn:         conn,
		pending:      make(map[string]chan *Envelope),
		handlers:     make(map[string]RequestHandler),
		limiter:      NewRateLimiter(RateLimitWindow),
		events:       make(chan Event, 16),
		closed:       make(chan struct{}),
	}

	go client.readLoop()
	client.pushEvent(Event{Type: EventConnect})
	log.Debugf("Connected to relay %s", endpoint)

	return client, nil
}

// ConnectionID identifies this relay connection; it keys rate-limit
// state and dies with the connection.
func (c *Client) ConnectionID() string {
	return c.connectionID
}

// Events returns the push-event stream. The final event on a dying
// connection is disconnect; consumers should also watch Done.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed when the connection is fully closed.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Close tears down the relay connection. It is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
		c.limiter.DropConnection(c.connectionID)

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()

		log.Debugf("Relay connection closed")
	})
	return nil
}

// RegisterRoomHandler installs the answering side of the client-to-client
// channel for a room. Incoming requests for other rooms are rejected.
func (c *Client) RegisterRoomHandler(roomID string, handler RequestHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[roomID] = handler
}

// UnregisterRoomHandler removes the handler for a room.
func (c *Client) UnregisterRoomHandler(roomID string) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	delete(c.handlers, roomID)
}

// CreateRoom asks the relay to allocate a fresh room.
func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	var result struct {
		RoomID string `json:"roomId"`
	}
	if err := c.request(ctx, ChannelRoom, "", MethodCreateRoom, nil, &result); err != nil {
		return "", err
	}
	return result.RoomID, nil
}

// JoinRoom joins an existing room.
func (c *Client) JoinRoom(ctx context.Context, params JoinParams) (*JoinResult, error) {
	var result JoinResult
	if err := c.request(ctx, ChannelRoom, params.RoomID, MethodJoinRoom, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// JoinRoomAfterCreate joins the room this connection just created.
func (c *Client) JoinRoomAfterCreate(ctx context.Context, params JoinParams) (*JoinResult, error) {
	var result JoinResult
	if err := c.request(ctx, ChannelRoom, params.RoomID, MethodJoinRoomAfterCreate, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// LeaveRoom notifies the relay that this user left the room.
func (c *Client) LeaveRoom(ctx context.Context, roomID, userID string) error {
	params := map[string]string{"roomId": roomID, "userId": userID}
	return c.request(ctx, ChannelRoom, roomID, MethodLeaveRoom, params, nil)
}

// RoomUsers lists the current occupants of a room.
func (c *Client) RoomUsers(ctx context.Context, roomID string) ([]UserInfo, error) {
	var result []UserInfo
	params := map[string]string{"roomId": roomID}
	if err := c.request(ctx, ChannelRoom, roomID, MethodRoomUsers, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// StartTransfer asks the relay to announce the transfer direction to
// both peers.
func (c *Client) StartTransfer(ctx context.Context, roomID, fromUserID, toUserID string) (*TransferDirection, error) {
	params := TransferDirection{RoomID: roomID, FromUserID: fromUserID, ToUserID: toUserID}
	var result TransferDirection
	if err := c.request(ctx, ChannelRoom, roomID, MethodStartTransfer, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ClientAPI returns the calling side of the client-to-client channel
// scoped to a room.
func (c *Client) ClientAPI(roomID string) ClientAPI {
	return &roomClient{client: c, roomID: roomID}
}

var _ RoomManager = (*Client)(nil)

// roomClient implements ClientAPI by sending c2c request envelopes
// through the owning Client.
type roomClient struct {
	client *Client
	roomID string
}

func (r *roomClient) VerifyPairingCode(ctx context.Context, req KeyExchangeRequest) (*KeyExchangeResponse, error) {
	var result KeyExchangeResponse
	if err := r.client.request(ctx, ChannelC2C, r.roomID, MethodVerifyPairingCode, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *roomClient) ChangeTransferDirection(ctx context.Context, direction TransferDirection) (*TransferDirection, error) {
	direction.RoomID = r.roomID
	var result TransferDirection
	if err := r.client.request(ctx, ChannelC2C, r.roomID, MethodChangeTransferDirection, direction, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *roomClient) SendTransferData(ctx context.Context, rawData string) error {
	params := map[string]string{"rawData": rawData}
	return r.client.request(ctx, ChannelC2C, r.roomID, MethodSendTransferData, params, nil)
}

func (r *roomClient) CancelTransfer(ctx context.Context) error {
	return r.client.request(ctx, ChannelC2C, r.roomID, MethodCancelTransfer, nil, nil)
}

var _ ClientAPI = (*roomClient)(nil)

// request performs one correlated RPC round-trip.
func (c *Client) request(ctx context.Context, channel, roomID, method string, params, result any) error {
	select {
	case <-c.closed:
		return ErrNotConnected
	default:
	}

	env := Envelope{
		Kind:    KindRequest,
		ID:      uuid.NewString(),
		Channel: channel,
		RoomID:  roomID,
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		env.Params = raw
	}

	responses := make(chan *Envelope, 1)
	c.pendingMu.Lock()
	c.pending[env.ID] = responses
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, env.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(&env); err != nil {
		return err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrConnectionClosed
	case response, ok := <-responses:
		if !ok || response == nil {
			return ErrConnectionClosed
		}
		if response.Error != nil {
			return translateError(response.Error)
		}
		if result != nil && len(response.Result) > 0 {
			if err := json.Unmarshal(response.Result, result); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Client) write(env *Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.closed:
			default:
				log.Debugf("Relay read failed: %v", err)
				c.pushEvent(Event{Type: EventDisconnect, Err: err})
				_ = c.Close()
			}
			return
		}

		switch env.Kind {
		case KindResponse:
			c.deliverResponse(&env)
		case KindRequest:
			// Inbound client-to-client request from the peer.
			go c.dispatchRequest(&env)
		case KindEvent:
			c.deliverEvent(&env)
		default:
			log.Warnf("Dropping envelope with unknown kind %q", env.Kind)
		}
	}
}

func (c *Client) deliverResponse(env *Envelope) {
	c.pendingMu.Lock()
	responses, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		log.Debugf("Dropping response with unknown correlation id %q", env.ID)
		return
	}
	responses <- env
}

func (c *Client) deliverEvent(env *Envelope) {
	var payload eventPayload
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, &payload); err != nil {
			log.Warnf("Dropping malformed %s event: %v", env.Event, err)
			return
		}
	}

	event := Event{
		Type:      env.Event,
		RoomID:    payload.RoomID,
		UserID:    payload.UserID,
		UserCount: payload.UserCount,
	}
	if env.Event == EventStartTransfer {
		event.Direction = &TransferDirection{
			RoomID:       payload.RoomID,
			FromUserID:   payload.FromUserID,
			ToUserID:     payload.ToUserID,
			RandomNumber: payload.RandomNumber,
		}
	}

	c.pushEvent(event)
}

func (c *Client) pushEvent(event Event) {
	select {
	case <-c.closed:
	case c.events <- event:
	default:
		log.Warnf("Event buffer full, dropping %s event", event.Type)
	}
}

// dispatchRequest answers an inbound client-to-client request: rate
// limiting first, then method dispatch to the registered room handler.
func (c *Client) dispatchRequest(env *Envelope) {
	if env.Channel != ChannelC2C {
		c.respondError(env, CodeInternal, "unsupported request channel")
		return
	}

	if c.limiter.ShouldThrottle(c.connectionID, env.Channel, env.Method) {
		log.Debugf("Throttled %s request in room %s", env.Method, env.RoomID)
		c.respondError(env, CodeRateLimit, "request limit exceeded")
		return
	}

	c.handlerMu.RLock()
	handler, ok := c.handlers[env.RoomID]
	c.handlerMu.RUnlock()
	if !ok {
		c.respondError(env, CodeRoomNotFound, "no handler for room")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
	defer cancel()

	result, err := c.handleMethod(ctx, handler, env)
	if err != nil {
		c.respondError(env, CodeInternal, err.Error())
		return
	}

	response := Envelope{Kind: KindResponse, ID: env.ID, Channel: env.Channel, RoomID: env.RoomID}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			c.respondError(env, CodeInternal, err.Error())
			return
		}
		response.Result = raw
	}
	if err := c.write(&response); err != nil {
		log.Debugf("Failed to answer %s request: %v", env.Method, err)
	}
}

func (c *Client) handleMethod(ctx context.Context, handler RequestHandler, env *Envelope) (any, error) {
	switch env.Method {
	case MethodVerifyPairingCode:
		var req KeyExchangeRequest
		if err := json.Unmarshal(env.Params, &req); err != nil {
			return nil, fmt.Errorf("unmarshal key exchange request: %w", err)
		}
		return handler.HandleVerifyPairingCode(ctx, req)

	case MethodChangeTransferDirection:
		var direction TransferDirection
		if err := json.Unmarshal(env.Params, &direction); err != nil {
			return nil, fmt.Errorf("unmarshal transfer direction: %w", err)
		}
		return handler.HandleChangeTransferDirection(ctx, direction)

	case MethodSendTransferData:
		var params struct {
			RawData string `json:"rawData"`
		}
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return nil, fmt.Errorf("unmarshal transfer data: %w", err)
		}
		return nil, handler.HandleTransferData(ctx, params.RawData)

	case MethodCancelTransfer:
		return nil, handler.HandleCancelTransfer(ctx)

	default:
		return nil, fmt.Errorf("unknown method %q", env.Method)
	}
}

func (c *Client) respondError(env *Envelope, code, message string) {
	response := Envelope{
		Kind:    KindResponse,
		ID:      env.ID,
		Channel: env.Channel,
		RoomID:  env.RoomID,
		Error:   &RPCError{Code: code, Message: message},
	}
	if err := c.write(&response); err != nil {
		log.Debugf("Failed to send error response: %v", err)
	}
}
