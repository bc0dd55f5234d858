// Package transport defines the client-observable contract of the relay
// server — room RPCs, push events and the room-scoped client-to-client
// channel — plus a websocket adapter implementing it with correlation
// ids. Payloads on the client-to-client channel are end-to-end
// encrypted by the caller; this package never sees plaintext secrets.
package transport

import "context"

// Room RPC method names.
const (
	MethodCreateRoom          = "createRoom"
	MethodJoinRoom            = "joinRoom"
	MethodJoinRoomAfterCreate = "joinRoomAfterCreate"
	MethodLeaveRoom           = "leaveRoom"
	MethodRoomUsers           = "getRoomUsers"
	MethodStartTransfer       = "startTransfer"
)

// Client-to-client RPC method names.
const (
	MethodVerifyPairingCode       = "verifyPairingCode"
	MethodChangeTransferDirection = "changeTransferDirection"
	MethodSendTransferData        = "sendTransferData"
	MethodCancelTransfer          = "cancelTransfer"
)

// JoinParams carries the device metadata shown to the peer in the room
// user list.
type JoinParams struct {
	RoomID          string `json:"roomId"`
	AppPlatformName string `json:"appPlatformName"`
	AppVersion      string `json:"appVersion"`
	AppBuildNumber  string `json:"appBuildNumber"`
	AppPlatform     string `json:"appPlatform"`
	AppDeviceName   string `json:"appDeviceName"`
}

// JoinResult is the relay's answer to a join request.
type JoinResult struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// UserInfo describes one occupant of a room.
type UserInfo struct {
	UserID          string `json:"userId"`
	AppPlatformName string `json:"appPlatformName"`
	AppVersion      string `json:"appVersion"`
	AppPlatform     string `json:"appPlatform"`
	AppDeviceName   string `json:"appDeviceName"`
}

// TransferDirection is the negotiated sender/receiver assignment for a
// room.
type TransferDirection struct {
	RoomID       string `json:"roomId"`
	FromUserID   string `json:"fromUserId"`
	ToUserID     string `json:"toUserId"`
	RandomNumber string `json:"randomNumber,omitempty"`
}

// KeyExchangeRequest initiates the pairing-code verification. The
// encrypted data proves knowledge of the pairing code; the public key
// is the initiator's ephemeral compressed secp256k1 key, hex encoded.
type KeyExchangeRequest struct {
	UserID          string `json:"userId"`
	EncryptedData   string `json:"encryptedData"`
	ClientPublicKey string `json:"clientPublicKey"`
}

// KeyExchangeResponse answers a key exchange. ServerPublicKey is the
// responder's ephemeral compressed secp256k1 key, hex encoded.
type KeyExchangeResponse struct {
	Success         bool   `json:"success"`
	ServerPublicKey string `json:"serverPublicKey,omitempty"`
}

// RoomManager is the relay's room RPC surface.
type RoomManager interface {
	CreateRoom(ctx context.Context) (roomID string, err error)
	JoinRoom(ctx context.Context, params JoinParams) (*JoinResult, error)
	JoinRoomAfterCreate(ctx context.Context, params JoinParams) (*JoinResult, error)
	LeaveRoom(ctx context.Context, roomID, userID string) error
	RoomUsers(ctx context.Context, roomID string) ([]UserInfo, error)
	StartTransfer(ctx context.Context, roomID, fromUserID, toUserID string) (*TransferDirection, error)
}

// ClientAPI is the calling side of the room-scoped client-to-client
// channel.
type ClientAPI interface {
	VerifyPairingCode(ctx context.Context, req KeyExchangeRequest) (*KeyExchangeResponse, error)
	ChangeTransferDirection(ctx context.Context, direction TransferDirection) (*TransferDirection, error)
	SendTransferData(ctx context.Context, rawData string) error
	CancelTransfer(ctx context.Context) error
}

// RequestHandler is the answering side of the client-to-client channel.
// A session registers one handler per joined room.
type RequestHandler interface {
	HandleVerifyPairingCode(ctx context.Context, req KeyExchangeRequest) (*KeyExchangeResponse, error)
	HandleChangeTransferDirection(ctx context.Context, direction TransferDirection) (*TransferDirection, error)
	HandleTransferData(ctx context.Context, rawData string) error
	HandleCancelTransfer(ctx context.Context) error
}
