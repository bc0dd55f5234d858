package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"walletlink/bundle"
	"walletlink/pairing"
	"walletlink/transport"
)

const testRoomID = "ABCDE12345F"

// fakeRelay is an in-memory relay connection. Two linked fakeRelays
// deliver client-to-client requests directly to the peer's registered
// handler, so a full pairing handshake runs without a network.
type fakeRelay struct {
	roomID string
	userID string

	mu       sync.Mutex
	handlers map[string]transport.RequestHandler
	leaves   int

	joinAfterCreateErr error

	peer *fakeRelay

	events chan transport.Event
	done   chan struct{}
}

func newRelayPair() (host, guest *fakeRelay) {
	host = &fakeRelay{
		roomID:   testRoomID,
		userID:   "host-user",
		handlers: map[string]transport.RequestHandler{},
		events:   make(chan transport.Event, 16),
		done:     make(chan struct{}),
	}
	guest = &fakeRelay{
		roomID:   testRoomID,
		userID:   "guest-user",
		handlers: map[string]transport.RequestHandler{},
		events:   make(chan transport.Event, 16),
		done:     make(chan struct{}),
	}
	host.peer, guest.peer = guest, host
	return host, guest
}

func (r *fakeRelay) CreateRoom(ctx context.Context) (string, error) {
	return r.roomID, nil
}

func (r *fakeRelay) JoinRoom(ctx context.Context, params transport.JoinParams) (*transport.JoinResult, error) {
	if params.RoomID != r.roomID {
		return nil, fmt.Errorf("%w: unknown room", pairing.ErrInvalidRoomID)
	}
	return &transport.JoinResult{RoomID: params.RoomID, UserID: r.userID}, nil
}

func (r *fakeRelay) JoinRoomAfterCreate(ctx context.Context, params transport.JoinParams) (*transport.JoinResult, error) {
	if r.joinAfterCreateErr != nil {
		return nil, r.joinAfterCreateErr
	}
	return r.JoinRoom(ctx, params)
}

func (r *fakeRelay) LeaveRoom(ctx context.Context, roomID, userID string) error {
	r.mu.Lock()
	r.leaves++
	r.mu.Unlock()
	return nil
}

func (r *fakeRelay) leaveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaves
}

func (r *fakeRelay) RoomUsers(ctx context.Context, roomID string) ([]transport.UserInfo, error) {
	return []transport.UserInfo{
		{UserID: r.userID},
		{UserID: r.peer.userID},
	}, nil
}

func (r *fakeRelay) StartTransfer(ctx context.Context, roomID, fromUserID, toUserID string) (*transport.TransferDirection, error) {
	return &transport.TransferDirection{
		RoomID:       roomID,
		FromUserID:   fromUserID,
		ToUserID:     toUserID,
		RandomNumber: "42",
	}, nil
}

func (r *fakeRelay) RegisterRoomHandler(roomID string, handler transport.RequestHandler) {
	r.mu.Lock()
	r.handlers[roomID] = handler
	r.mu.Unlock()
}

func (r *fakeRelay) UnregisterRoomHandler(roomID string) {
	r.mu.Lock()
	delete(r.handlers, roomID)
	r.mu.Unlock()
}

func (r *fakeRelay) Events() <-chan transport.Event { return r.events }
func (r *fakeRelay) Done() <-chan struct{}          { return r.done }

func (r *fakeRelay) ClientAPI(roomID string) transport.ClientAPI {
	return &fakeClientAPI{relay: r, roomID: roomID}
}

// fakeClientAPI delivers calls straight to the peer relay's handler.
type fakeClientAPI struct {
	relay  *fakeRelay
	roomID string
}

func (a *fakeClientAPI) peerHandler() (transport.RequestHandler, error) {
	a.relay.peer.mu.Lock()
	handler, ok := a.relay.peer.handlers[a.roomID]
	a.relay.peer.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no peer handler", pairing.ErrInvalidRoomID)
	}
	return handler, nil
}

func (a *fakeClientAPI) VerifyPairingCode(ctx context.Context, req transport.KeyExchangeRequest) (*transport.KeyExchangeResponse, error) {
	handler, err := a.peerHandler()
	if err != nil {
		return nil, err
	}
	return handler.HandleVerifyPairingCode(ctx, req)
}

func (a *fakeClientAPI) ChangeTransferDirection(ctx context.Context, direction transport.TransferDirection) (*transport.TransferDirection, error) {
	handler, err := a.peerHandler()
	if err != nil {
		return nil, err
	}
	return handler.HandleChangeTransferDirection(ctx, direction)
}

func (a *fakeClientAPI) SendTransferData(ctx context.Context, rawData string) error {
	handler, err := a.peerHandler()
	if err != nil {
		return err
	}
	return handler.HandleTransferData(ctx, rawData)
}

func (a *fakeClientAPI) CancelTransfer(ctx context.Context) error {
	handler, err := a.peerHandler()
	if err != nil {
		return err
	}
	return handler.HandleCancelTransfer(ctx)
}

// pairSessions runs the full room setup and key exchange between two
// sessions over linked fake relays.
func pairSessions(t *testing.T) (host, guest *Session, hostRelay, guestRelay *fakeRelay) {
	t.Helper()

	hostRelay, guestRelay = newRelayPair()
	host = New(hostRelay, DeviceInfo{DeviceName: "desktop"})
	guest = New(guestRelay, DeviceInfo{DeviceName: "phone"})

	ctx := context.Background()
	code, err := host.StartPairing(ctx)
	if err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	if err := guest.JoinWithCode(ctx, code.CodeWithSeparator); err != nil {
		t.Fatalf("join with code: %v", err)
	}
	if err := guest.VerifyPairingCode(ctx, code.CodeWithSeparator); err != nil {
		t.Fatalf("verify pairing code: %v", err)
	}
	return host, guest, hostRelay, guestRelay
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached state %q, stuck at %q", want, s.State())
}

func TestPairingAndTransferEndToEnd(t *testing.T) {
	host, guest, _, _ := pairSessions(t)
	ctx := context.Background()

	if host.State() != StatePaired || guest.State() != StatePaired {
		t.Fatalf("expected both paired, got host %q guest %q", host.State(), guest.State())
	}

	data := &bundle.TransferData{
		AppVersion: "5.0.0",
		PrivateData: bundle.PrivateData{
			Credentials: map[string]string{"hd-1": "encrypted-seed"},
			Wallets: map[string]bundle.Wallet{
				"hd-1": {ID: "hd-1", Name: "Main", Type: bundle.WalletTypeHD},
			},
		},
	}
	if err := guest.SendTransferData(ctx, data); err != nil {
		t.Fatalf("send transfer data: %v", err)
	}
	if guest.State() != StateTransferring {
		t.Fatalf("sender should be transferring, got %q", guest.State())
	}

	recvCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	received, err := host.ReceiveTransferData(recvCtx)
	if err != nil {
		t.Fatalf("receive transfer data: %v", err)
	}
	if received.AppVersion != "5.0.0" {
		t.Fatalf("unexpected app version %q", received.AppVersion)
	}
	if received.PrivateData.Wallets["hd-1"].Name != "Main" {
		t.Fatalf("wallet did not survive the round trip: %+v", received.PrivateData)
	}
	if host.State() != StateTransferring {
		t.Fatalf("receiver should be transferring, got %q", host.State())
	}
}

func TestVerifyPairingCodeRejectsWrongCode(t *testing.T) {
	hostRelay, guestRelay := newRelayPair()
	host := New(hostRelay, DeviceInfo{})
	guest := New(guestRelay, DeviceInfo{})

	ctx := context.Background()
	code, err := host.StartPairing(ctx)
	if err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	if err := guest.JoinWithCode(ctx, code.CodeWithSeparator); err != nil {
		t.Fatalf("join with code: %v", err)
	}

	// Same room id, different secret portion.
	wrong, err := pairing.GenerateForRoom(testRoomID)
	if err != nil {
		t.Fatalf("generate wrong code: %v", err)
	}
	if wrong.Code == code.Code {
		t.Fatal("expected distinct codes")
	}

	err = guest.VerifyPairingCode(ctx, wrong.CodeWithSeparator)
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected ErrHandshakeFailed, got %v", err)
	}

	// The failed handshake must leave the room and hold no key.
	if guestRelay.leaveCount() != 1 {
		t.Fatalf("expected one leave after failed handshake, got %d", guestRelay.leaveCount())
	}
	if guest.RoomID() != "" {
		t.Fatal("failed handshake must drop room membership")
	}
	if err := guest.SendTransferData(ctx, &bundle.TransferData{}); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("expected ErrNotPaired after failed handshake, got %v", err)
	}
}

func TestVerifyPairingCodeRejectsMalformedCode(t *testing.T) {
	hostRelay, guestRelay := newRelayPair()
	host := New(hostRelay, DeviceInfo{})
	guest := New(guestRelay, DeviceInfo{})

	ctx := context.Background()
	code, err := host.StartPairing(ctx)
	if err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	if err := guest.JoinWithCode(ctx, code.CodeWithSeparator); err != nil {
		t.Fatalf("join with code: %v", err)
	}

	if err := guest.VerifyPairingCode(ctx, "not-a-code"); !errors.Is(err, pairing.ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	// Malformed input is rejected before any network call.
	if guestRelay.leaveCount() != 0 {
		t.Fatal("malformed code must not trigger a room leave")
	}
}

func TestSendTransferDataRequiresPairing(t *testing.T) {
	hostRelay, _ := newRelayPair()
	host := New(hostRelay, DeviceInfo{})

	ctx := context.Background()
	if _, err := host.StartPairing(ctx); err != nil {
		t.Fatalf("start pairing: %v", err)
	}

	err := host.SendTransferData(ctx, &bundle.TransferData{})
	if !errors.Is(err, ErrNotPaired) {
		t.Fatalf("expected ErrNotPaired, got %v", err)
	}
}

func TestChangeTransferDirection(t *testing.T) {
	host, guest, _, _ := pairSessions(t)
	ctx := context.Background()

	if _, err := guest.ChangeTransferDirection(ctx, "same", "same"); !errors.Is(err, ErrSameDirection) {
		t.Fatalf("expected ErrSameDirection, got %v", err)
	}

	agreed, err := guest.ChangeTransferDirection(ctx, guest.UserID(), host.UserID())
	if err != nil {
		t.Fatalf("change transfer direction: %v", err)
	}
	if agreed.FromUserID != guest.UserID() || agreed.ToUserID != host.UserID() {
		t.Fatalf("unexpected agreed direction: %+v", agreed)
	}

	// Both sides hold the authoritative response.
	if got := guest.Direction(); got == nil || got.FromUserID != agreed.FromUserID {
		t.Fatalf("caller direction not adopted: %+v", got)
	}
	if got := host.Direction(); got == nil || got.ToUserID != agreed.ToUserID {
		t.Fatalf("peer direction not adopted: %+v", got)
	}
}

func TestLeaveRoomWipesSecrets(t *testing.T) {
	host, _, hostRelay, _ := pairSessions(t)
	ctx := context.Background()

	if err := host.LeaveRoom(ctx); err != nil {
		t.Fatalf("leave room: %v", err)
	}
	if host.State() != StateConnected {
		t.Fatalf("expected connected after leave, got %q", host.State())
	}
	if host.RoomID() != "" {
		t.Fatal("room membership must be dropped on leave")
	}
	if err := host.SendTransferData(ctx, &bundle.TransferData{}); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("expected ErrNotPaired after leave, got %v", err)
	}
	if hostRelay.leaveCount() != 1 {
		t.Fatalf("expected one leave RPC, got %d", hostRelay.leaveCount())
	}

	// Leaving again is a no-op.
	if err := host.LeaveRoom(ctx); err != nil {
		t.Fatalf("second leave should be a no-op: %v", err)
	}
	if hostRelay.leaveCount() != 1 {
		t.Fatal("second leave must not hit the relay")
	}
}

func TestPeerLeftEventWipesSecrets(t *testing.T) {
	host, _, hostRelay, _ := pairSessions(t)

	hostRelay.events <- transport.Event{Type: transport.EventUserLeft, RoomID: testRoomID}
	waitForState(t, host, StateConnected)

	if host.RoomID() != "" {
		t.Fatal("peer departure must drop room membership")
	}
	err := host.SendTransferData(context.Background(), &bundle.TransferData{})
	if !errors.Is(err, ErrNotPaired) {
		t.Fatalf("expected ErrNotPaired after peer left, got %v", err)
	}
}

func TestForeignRoomEventsAreIgnored(t *testing.T) {
	host, _, hostRelay, _ := pairSessions(t)

	// Events for other rooms must not touch the paired session. The
	// matching event afterwards proves the foreign ones were already
	// processed when the state finally drops.
	hostRelay.events <- transport.Event{Type: transport.EventUserLeft, RoomID: "ZZZZZ99999Z"}
	hostRelay.events <- transport.Event{Type: transport.EventRoomFull, RoomID: "ZZZZZ99999Z"}
	hostRelay.events <- transport.Event{Type: transport.EventUserLeft, RoomID: testRoomID}
	waitForState(t, host, StateConnected)

	if got := hostRelay.leaveCount(); got != 1 {
		t.Fatalf("foreign events must not leave the room, got %d leaves", got)
	}
}

func TestForeignRoomStartTransferIsIgnored(t *testing.T) {
	host, _, hostRelay, _ := pairSessions(t)

	hostRelay.events <- transport.Event{
		Type:      transport.EventStartTransfer,
		RoomID:    "ZZZZZ99999Z",
		Direction: &transport.TransferDirection{RoomID: "ZZZZZ99999Z", FromUserID: "x", ToUserID: "y"},
	}
	hostRelay.events <- transport.Event{
		Type:      transport.EventStartTransfer,
		RoomID:    testRoomID,
		Direction: &transport.TransferDirection{RoomID: testRoomID, FromUserID: "guest-user", ToUserID: "host-user"},
	}
	waitForState(t, host, StateTransferring)

	direction := host.Direction()
	if direction == nil || direction.RoomID != testRoomID || direction.FromUserID != "guest-user" {
		t.Fatalf("foreign direction must not be adopted, got %+v", direction)
	}
}

func TestStartPairingLeavesRoomOnJoinFailure(t *testing.T) {
	hostRelay, _ := newRelayPair()
	hostRelay.joinAfterCreateErr = errors.New("relay rejected the join")
	host := New(hostRelay, DeviceInfo{DeviceName: "desktop"})

	if _, err := host.StartPairing(context.Background()); err == nil {
		t.Fatal("expected StartPairing to fail")
	}
	if got := hostRelay.leaveCount(); got != 1 {
		t.Fatalf("created room must be released on join failure, got %d leaves", got)
	}
	if host.RoomID() != "" {
		t.Fatal("failed pairing must not record room membership")
	}
}

func TestDisconnectEventWipesSecrets(t *testing.T) {
	host, _, hostRelay, _ := pairSessions(t)

	hostRelay.events <- transport.Event{Type: transport.EventDisconnect}
	waitForState(t, host, StateDisconnected)

	if host.RoomID() != "" {
		t.Fatal("disconnect must drop room membership")
	}
	if err := host.SendTransferData(context.Background(), &bundle.TransferData{}); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("expected ErrNotPaired after disconnect, got %v", err)
	}
}

func TestCancelTransferReturnsToPaired(t *testing.T) {
	host, guest, _, _ := pairSessions(t)
	ctx := context.Background()

	if err := guest.SendTransferData(ctx, &bundle.TransferData{AppVersion: "5.0.0"}); err != nil {
		t.Fatalf("send transfer data: %v", err)
	}
	if guest.State() != StateTransferring || host.State() != StateTransferring {
		t.Fatalf("expected both transferring, got %q and %q", guest.State(), host.State())
	}

	if err := guest.CancelTransfer(ctx); err != nil {
		t.Fatalf("cancel transfer: %v", err)
	}
	if guest.State() != StatePaired || host.State() != StatePaired {
		t.Fatalf("expected both paired after cancel, got %q and %q", guest.State(), host.State())
	}
	if guest.Direction() != nil || host.Direction() != nil {
		t.Fatal("cancel must drop the negotiated direction")
	}
}

func TestStartTransferRecordsDirection(t *testing.T) {
	host, guest, _, _ := pairSessions(t)

	direction, err := host.StartTransfer(context.Background(), guest.UserID())
	if err != nil {
		t.Fatalf("start transfer: %v", err)
	}
	if direction.FromUserID != host.UserID() || direction.ToUserID != guest.UserID() {
		t.Fatalf("unexpected direction: %+v", direction)
	}
	if got := host.Direction(); got == nil || got.RandomNumber != "42" {
		t.Fatalf("direction not recorded: %+v", got)
	}
}
