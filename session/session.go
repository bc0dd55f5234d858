// Package session drives one pairing and transfer session over a relay
// room: room lifecycle, the pairing-code key exchange, direction
// negotiation and the encrypted bundle transfer. All secret material a
// session holds lives in memory only and is wiped on leave, disconnect
// or peer departure.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"walletlink/bundle"
	"walletlink/e2ee"
	"walletlink/pairing"
	"walletlink/transport"
)

var (
	// ErrNotPaired indicates a crypto operation was attempted before
	// the key exchange completed.
	ErrNotPaired = errors.New("session: not paired")
	// ErrHandshakeFailed indicates the key exchange was rejected or
	// produced a malformed peer key.
	ErrHandshakeFailed = errors.New("session: handshake failed")
	// ErrSameDirection indicates a direction change naming the same
	// user on both ends.
	ErrSameDirection = errors.New("session: transfer direction endpoints must differ")
	// ErrNoRoom indicates a room-scoped operation without a joined
	// room.
	ErrNoRoom = errors.New("session: no room joined")
)

// State is the session's connection state. Transitions are driven by
// the caller's room operations and by relay push events, processed
// strictly sequentially.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StatePaired       State = "paired"
	StateTransferring State = "transferring"
)

// leaveTimeout bounds the best-effort room leave performed from event
// handling, where no caller context exists.
const leaveTimeout = 5 * time.Second

// DeviceInfo is the identity metadata shown to the peer in the room
// user list.
type DeviceInfo struct {
	PlatformName string
	Version      string
	BuildNumber  string
	Platform     string
	DeviceName   string
}

// Relay is the slice of the transport client a session drives. A
// *transport.Client satisfies it.
type Relay interface {
	transport.RoomManager
	ClientAPI(roomID string) transport.ClientAPI
	RegisterRoomHandler(roomID string, handler transport.RequestHandler)
	UnregisterRoomHandler(roomID string)
	Events() <-chan transport.Event
	Done() <-chan struct{}
}

// Session is one device's side of a pairing and transfer session. It
// owns the pairing code and the derived transfer key for its lifetime;
// neither ever outlives the session or leaves the process.
type Session struct {
	relay  Relay
	device DeviceInfo

	mu          sync.Mutex
	state       State
	roomID      string
	userID      string
	pairingCode string
	transferKey []byte
	direction   *transport.TransferDirection
	api         transport.ClientAPI
	onState     func(State)

	received chan *bundle.TransferData

	loopOnce sync.Once
}

// New creates a session over an established relay connection and starts
// its event loop.
func New(relay Relay, device DeviceInfo) *Session {
	s := &Session{
		relay:    relay,
		device:   device,
		state:    StateConnected,
		received: make(chan *bundle.TransferData, 1),
	}
	s.loopOnce.Do(func() { go s.eventLoop() })
	return s
}

// SetStateListener installs a callback invoked after every state
// change. Must be set before any room operation.
func (s *Session) SetStateListener(listener func(State)) {
	s.mu.Lock()
	s.onState = listener
	s.mu.Unlock()
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RoomID returns the joined room id, empty when no room is joined.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// UserID returns this device's relay user id within the joined room.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Direction returns the last negotiated transfer direction, nil when
// none was agreed yet.
func (s *Session) Direction() *transport.TransferDirection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.direction == nil {
		return nil
	}
	direction := *s.direction
	return &direction
}

// StartPairing creates a relay room, joins it and mints the pairing
// code embedding the room id. The returned code is shown to the user
// for entry (or QR scan) on the peer device.
func (s *Session) StartPairing(ctx context.Context) (pairing.Code, error) {
	roomID, err := s.relay.CreateRoom(ctx)
	if err != nil {
		return pairing.Code{}, fmt.Errorf("create room: %w", err)
	}

	code, err := pairing.GenerateForRoom(roomID)
	if err != nil {
		s.leaveCreatedRoom(roomID)
		return pairing.Code{}, fmt.Errorf("generate pairing code: %w", err)
	}

	result, err := s.relay.JoinRoomAfterCreate(ctx, s.joinParams(roomID))
	if err != nil {
		s.leaveCreatedRoom(roomID)
		return pairing.Code{}, fmt.Errorf("join created room: %w", err)
	}

	s.enterRoom(result.RoomID, result.UserID, pairing.Normalize(code.CodeWithSeparator))
	log.Infof("Pairing room %s created", result.RoomID)

	return code, nil
}

// JoinWithCode validates a typed pairing code, extracts the room id and
// joins the room. The key exchange is a separate step; see
// VerifyPairingCode.
func (s *Session) JoinWithCode(ctx context.Context, code string) error {
	roomID, err := pairing.RoomIDFromCode(code)
	if err != nil {
		return err
	}

	result, err := s.relay.JoinRoom(ctx, s.joinParams(roomID))
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	s.enterRoom(result.RoomID, result.UserID, pairing.Normalize(code))
	log.Infof("Joined room %s", result.RoomID)

	return nil
}

// leaveCreatedRoom releases a freshly created room after a setup step
// failed, so the relay does not carry an orphaned room. No user id was
// assigned yet.
func (s *Session) leaveCreatedRoom(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := s.relay.LeaveRoom(ctx, roomID, ""); err != nil {
		log.Debugf("Releasing created room %s failed: %v", roomID, err)
	}
}

// enterRoom records room membership and wires the client-to-client
// channel before any further protocol step can run.
func (s *Session) enterRoom(roomID, userID, normalizedCode string) {
	s.relay.RegisterRoomHandler(roomID, s)

	s.mu.Lock()
	s.roomID = roomID
	s.userID = userID
	s.pairingCode = normalizedCode
	s.api = s.relay.ClientAPI(roomID)
	s.mu.Unlock()

	s.setState(StateConnected)
}

func (s *Session) joinParams(roomID string) transport.JoinParams {
	return transport.JoinParams{
		RoomID:          roomID,
		AppPlatformName: s.device.PlatformName,
		AppVersion:      s.device.Version,
		AppBuildNumber:  s.device.BuildNumber,
		AppPlatform:     s.device.Platform,
		AppDeviceName:   s.device.DeviceName,
	}
}

// RoomUsers lists the occupants of the joined room.
func (s *Session) RoomUsers(ctx context.Context) ([]transport.UserInfo, error) {
	s.mu.Lock()
	roomID := s.roomID
	s.mu.Unlock()
	if roomID == "" {
		return nil, ErrNoRoom
	}
	return s.relay.RoomUsers(ctx, roomID)
}

// StartTransfer asks the relay to announce the transfer direction to
// both peers.
func (s *Session) StartTransfer(ctx context.Context, toUserID string) (*transport.TransferDirection, error) {
	s.mu.Lock()
	roomID, fromUserID := s.roomID, s.userID
	s.mu.Unlock()
	if roomID == "" {
		return nil, ErrNoRoom
	}

	direction, err := s.relay.StartTransfer(ctx, roomID, fromUserID, toUserID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.direction = direction
	s.mu.Unlock()

	return direction, nil
}

// ChangeTransferDirection negotiates a new sender/receiver assignment
// with the peer. The local direction is updated from the peer's
// response, not the requested values, so both sides stay in sync even
// if the peer mutates the proposal.
func (s *Session) ChangeTransferDirection(ctx context.Context, fromUserID, toUserID string) (*transport.TransferDirection, error) {
	if fromUserID == toUserID {
		return nil, ErrSameDirection
	}

	s.mu.Lock()
	api := s.api
	s.mu.Unlock()
	if api == nil {
		return nil, ErrNoRoom
	}

	agreed, err := api.ChangeTransferDirection(ctx, transport.TransferDirection{
		FromUserID: fromUserID,
		ToUserID:   toUserID,
	})
	if err != nil {
		return nil, fmt.Errorf("change transfer direction: %w", err)
	}

	s.mu.Lock()
	s.direction = agreed
	s.mu.Unlock()

	return agreed, nil
}

// SendTransferData encrypts a bundle under the session transfer key and
// ships it to the peer. There is no unencrypted path.
func (s *Session) SendTransferData(ctx context.Context, data *bundle.TransferData) error {
	s.mu.Lock()
	key := s.transferKey
	api := s.api
	paired := s.state == StatePaired || s.state == StateTransferring
	s.mu.Unlock()

	if !paired || len(key) == 0 || api == nil {
		return ErrNotPaired
	}

	rawData, err := bundle.Encode(data, key)
	if err != nil {
		return fmt.Errorf("encode transfer data: %w", err)
	}

	if err := api.SendTransferData(ctx, rawData); err != nil {
		return fmt.Errorf("send transfer data: %w", err)
	}

	s.setState(StateTransferring)
	return nil
}

// ReceiveTransferData blocks until the peer's bundle arrives, the
// context expires or the relay connection dies.
func (s *Session) ReceiveTransferData(ctx context.Context) (*bundle.TransferData, error) {
	select {
	case data := <-s.received:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.relay.Done():
		return nil, transport.ErrConnectionClosed
	}
}

// CancelTransfer signals the peer to abort the transfer and drops the
// local direction state.
func (s *Session) CancelTransfer(ctx context.Context) error {
	s.mu.Lock()
	api := s.api
	s.mu.Unlock()
	if api == nil {
		return ErrNoRoom
	}

	if err := api.CancelTransfer(ctx); err != nil {
		return fmt.Errorf("cancel transfer: %w", err)
	}

	s.mu.Lock()
	s.direction = nil
	if s.state == StateTransferring {
		s.state = StatePaired
	}
	s.mu.Unlock()

	return nil
}

// LeaveRoom leaves the joined room and wipes every secret the session
// holds. It is idempotent; leaving without a room is a no-op.
func (s *Session) LeaveRoom(ctx context.Context) error {
	s.mu.Lock()
	roomID, userID := s.roomID, s.userID
	s.mu.Unlock()
	if roomID == "" {
		return nil
	}

	err := s.relay.LeaveRoom(ctx, roomID, userID)
	s.relay.UnregisterRoomHandler(roomID)
	s.clearRoomState()
	s.setState(StateConnected)

	if err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	return nil
}

// ClearSensitiveData wipes the transfer key, pairing code and direction
// without leaving the room.
func (s *Session) ClearSensitiveData() {
	s.mu.Lock()
	e2ee.Zero(s.transferKey)
	s.transferKey = nil
	s.pairingCode = ""
	s.direction = nil
	s.mu.Unlock()
}

// clearRoomState drops room membership and wipes secrets.
func (s *Session) clearRoomState() {
	s.mu.Lock()
	e2ee.Zero(s.transferKey)
	s.transferKey = nil
	s.pairingCode = ""
	s.direction = nil
	s.roomID = ""
	s.userID = ""
	s.api = nil
	s.mu.Unlock()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	listener := s.onState
	s.mu.Unlock()

	if changed && listener != nil {
		listener(state)
	}
}

// eventLoop processes relay push events strictly sequentially, so no
// two state transitions race for the same room.
func (s *Session) eventLoop() {
	for {
		select {
		case <-s.relay.Done():
			s.handleDisconnect()
			return
		case event := <-s.relay.Events():
			s.handleEvent(event)
		}
	}
}

func (s *Session) handleEvent(event transport.Event) {
	switch event.Type {
	case transport.EventConnect:
		if s.State() == StateDisconnected {
			s.setState(StateConnected)
		}

	case transport.EventDisconnect, transport.EventConnectError:
		s.handleDisconnect()

	case transport.EventUserLeft:
		if !s.inRoom(event.RoomID) {
			log.Debugf("Ignoring user-left event for foreign room %s", event.RoomID)
			return
		}
		log.Infof("Peer left room %s", event.RoomID)
		s.abandonRoom()

	case transport.EventRoomFull:
		if !s.inRoom(event.RoomID) {
			log.Debugf("Ignoring room-full event for foreign room %s", event.RoomID)
			return
		}
		log.Warnf("Room %s rejected join: room full", event.RoomID)
		s.abandonRoom()

	case transport.EventStartTransfer:
		if event.Direction != nil && s.inRoom(event.RoomID) {
			s.mu.Lock()
			s.direction = event.Direction
			paired := s.state == StatePaired
			s.mu.Unlock()
			if paired {
				s.setState(StateTransferring)
			}
		}

	default:
		log.Debugf("Ignoring %s event", event.Type)
	}
}

// inRoom reports whether an event's room is the joined room. Events for
// other rooms are stale or foreign and must never touch session state.
func (s *Session) inRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID != "" && s.roomID == roomID
}

// handleDisconnect wipes secrets and returns to disconnected. The relay
// connection is gone, so no leave RPC is attempted.
func (s *Session) handleDisconnect() {
	s.mu.Lock()
	roomID := s.roomID
	s.mu.Unlock()
	if roomID != "" {
		s.relay.UnregisterRoomHandler(roomID)
	}

	s.clearRoomState()
	s.setState(StateDisconnected)
}

// abandonRoom leaves the room best-effort and wipes secrets, keeping
// the relay connection for a fresh pairing attempt.
func (s *Session) abandonRoom() {
	s.mu.Lock()
	roomID, userID := s.roomID, s.userID
	s.mu.Unlock()
	if roomID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := s.relay.LeaveRoom(ctx, roomID, userID); err != nil {
		log.Debugf("Best-effort leave of room %s failed: %v", roomID, err)
	}
	s.relay.UnregisterRoomHandler(roomID)

	s.clearRoomState()
	s.setState(StateConnected)
}
