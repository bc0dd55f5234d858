package session

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"walletlink/bundle"
	"walletlink/e2ee"
	"walletlink/pairing"
	"walletlink/transport"
)

// handshakeVerifyText is the public verification string both peers
// know. Proving the ability to encrypt it under the pairing code proves
// knowledge of the code itself, which never crosses the wire.
const handshakeVerifyText = "e2ee-pairing-verify-v1"

// VerifyPairingCode runs the initiating side of the key exchange: prove
// knowledge of the pairing code to the peer, exchange ephemeral public
// keys and derive the transfer key. The ephemeral private key and the
// raw shared secret are zeroed before this returns; only the derived
// key survives, in memory, until the session ends. Any failure leaves
// the room so no half-authenticated session lingers.
func (s *Session) VerifyPairingCode(ctx context.Context, code string) error {
	if err := pairing.ValidateCode(code); err != nil {
		return err
	}

	codeRoomID, err := pairing.RoomIDFromCode(code)
	if err != nil {
		return err
	}

	s.mu.Lock()
	roomID, userID, api := s.roomID, s.userID, s.api
	s.mu.Unlock()
	if roomID == "" || api == nil {
		return ErrNoRoom
	}
	if codeRoomID != roomID {
		return fmt.Errorf("%w: code does not belong to the joined room", pairing.ErrInvalidCode)
	}

	normalized := pairing.Normalize(code)
	if err := s.runKeyExchange(ctx, api, userID, roomID, normalized); err != nil {
		log.Warnf("Key exchange failed in room %s: %v", roomID, err)
		if leaveErr := s.LeaveRoom(ctx); leaveErr != nil {
			log.Debugf("Leave after failed key exchange: %v", leaveErr)
		}
		return err
	}

	s.mu.Lock()
	s.pairingCode = normalized
	s.mu.Unlock()
	s.setState(StatePaired)
	log.Infof("Paired in room %s", roomID)

	return nil
}

func (s *Session) runKeyExchange(ctx context.Context, api transport.ClientAPI, userID, roomID, normalizedCode string) error {
	keyPair, err := e2ee.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("%w: generate ephemeral key: %v", ErrHandshakeFailed, err)
	}
	defer e2ee.ZeroPrivateKey(keyPair)

	encrypted, err := e2ee.EncryptWithPassword(normalizedCode, []byte(handshakeVerifyText))
	if err != nil {
		return fmt.Errorf("%w: encrypt verification string: %v", ErrHandshakeFailed, err)
	}

	response, err := api.VerifyPairingCode(ctx, transport.KeyExchangeRequest{
		UserID:          userID,
		EncryptedData:   base64.StdEncoding.EncodeToString(encrypted),
		ClientPublicKey: hex.EncodeToString(keyPair.PubKey().SerializeCompressed()),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if !response.Success {
		return fmt.Errorf("%w: peer rejected the pairing code", ErrHandshakeFailed)
	}

	peerKeyRaw, err := hex.DecodeString(response.ServerPublicKey)
	if err != nil {
		return fmt.Errorf("%w: malformed peer public key: %v", ErrHandshakeFailed, err)
	}
	peerKey, err := e2ee.ParsePublicKey(peerKeyRaw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	shared := e2ee.SharedSecret(keyPair, peerKey)
	e2ee.ZeroPrivateKey(keyPair)

	transferKey, err := e2ee.DeriveTransferKey(shared[:], normalizedCode, roomID)
	e2ee.Zero(shared[:])
	if err != nil {
		return fmt.Errorf("%w: derive transfer key: %v", ErrHandshakeFailed, err)
	}

	s.mu.Lock()
	s.transferKey = transferKey
	s.mu.Unlock()

	return nil
}

// HandleVerifyPairingCode answers the peer's key exchange. A wrong
// pairing code yields success=false rather than an error, so the
// initiator cannot distinguish a typo from any other rejection detail.
func (s *Session) HandleVerifyPairingCode(ctx context.Context, req transport.KeyExchangeRequest) (*transport.KeyExchangeResponse, error) {
	s.mu.Lock()
	normalizedCode, roomID := s.pairingCode, s.roomID
	s.mu.Unlock()
	if normalizedCode == "" || roomID == "" {
		return &transport.KeyExchangeResponse{Success: false}, nil
	}

	encrypted, err := base64.StdEncoding.DecodeString(req.EncryptedData)
	if err != nil {
		return &transport.KeyExchangeResponse{Success: false}, nil
	}
	verify, err := e2ee.DecryptWithPassword(normalizedCode, encrypted)
	if err != nil || string(verify) != handshakeVerifyText {
		log.Warnf("Rejected key exchange in room %s: verification mismatch", roomID)
		return &transport.KeyExchangeResponse{Success: false}, nil
	}

	peerKeyRaw, err := hex.DecodeString(req.ClientPublicKey)
	if err != nil {
		return &transport.KeyExchangeResponse{Success: false}, nil
	}
	peerKey, err := e2ee.ParsePublicKey(peerKeyRaw)
	if err != nil {
		return &transport.KeyExchangeResponse{Success: false}, nil
	}

	keyPair, err := e2ee.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	defer e2ee.ZeroPrivateKey(keyPair)
	serverPublicKey := hex.EncodeToString(keyPair.PubKey().SerializeCompressed())

	shared := e2ee.SharedSecret(keyPair, peerKey)
	e2ee.ZeroPrivateKey(keyPair)

	transferKey, err := e2ee.DeriveTransferKey(shared[:], normalizedCode, roomID)
	e2ee.Zero(shared[:])
	if err != nil {
		return nil, fmt.Errorf("derive transfer key: %w", err)
	}

	s.mu.Lock()
	s.transferKey = transferKey
	s.mu.Unlock()
	s.setState(StatePaired)
	log.Infof("Paired in room %s", roomID)

	return &transport.KeyExchangeResponse{
		Success:         true,
		ServerPublicKey: serverPublicKey,
	}, nil
}

// HandleChangeTransferDirection adopts the peer's proposed direction
// and echoes it back as the agreed value.
func (s *Session) HandleChangeTransferDirection(ctx context.Context, direction transport.TransferDirection) (*transport.TransferDirection, error) {
	if direction.FromUserID == direction.ToUserID {
		return nil, ErrSameDirection
	}

	s.mu.Lock()
	direction.RoomID = s.roomID
	s.direction = &direction
	s.mu.Unlock()

	return &direction, nil
}

// HandleTransferData decrypts the peer's bundle with the session key
// and hands it to ReceiveTransferData.
func (s *Session) HandleTransferData(ctx context.Context, rawData string) error {
	s.mu.Lock()
	key := s.transferKey
	paired := s.state == StatePaired || s.state == StateTransferring
	s.mu.Unlock()
	if !paired || len(key) == 0 {
		return ErrNotPaired
	}

	data, err := bundle.Decode(rawData, key)
	if err != nil {
		return err
	}

	s.setState(StateTransferring)
	select {
	case s.received <- data:
	default:
		log.Warnf("Dropping transfer data: previous bundle not consumed")
		return fmt.Errorf("%w: previous bundle not consumed", bundle.ErrInvalidTransferData)
	}

	return nil
}

// HandleCancelTransfer aborts the transfer on the peer's request. The
// pairing survives; only the transfer state is dropped.
func (s *Session) HandleCancelTransfer(ctx context.Context) error {
	s.mu.Lock()
	s.direction = nil
	wasTransferring := s.state == StateTransferring
	s.mu.Unlock()

	if wasTransferring {
		s.setState(StatePaired)
	}
	log.Infof("Transfer cancelled by peer")

	return nil
}

var _ transport.RequestHandler = (*Session)(nil)
