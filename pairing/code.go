// Package pairing generates and validates the human-typed pairing codes
// that authenticate a transfer session, and extracts the relay room
// identifier embedded in them.
package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
)

const (
	// CodeLength is the length of a pairing code including separators.
	CodeLength = 59
	// RoomIDLength is the length of a relay room identifier.
	RoomIDLength = 11

	// codeAlphabet is the upper-case base58 character set: digits and
	// upper-case letters without the ambiguous 0, O and I.
	codeAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZ"

	codeGroupSize  = 5
	codeGroupCount = 10
	codeSeparator  = '-'

	// rawCodeLength is the pairing code length with separators stripped.
	rawCodeLength = codeGroupSize * codeGroupCount
)

var (
	// ErrInvalidCode indicates a malformed pairing code.
	ErrInvalidCode = errors.New("pairing: invalid pairing code")
	// ErrInvalidRoomID indicates a malformed room identifier.
	ErrInvalidRoomID = errors.New("pairing: invalid room id")
)

// Code is a freshly generated pairing code in both of its forms: the raw
// character string and the grouped form shown to (and typed by) users.
type Code struct {
	Code              string
	CodeWithSeparator string
}

// Generate produces a cryptographically random pairing code.
func Generate() (Code, error) {
	raw, err := randomString(rawCodeLength)
	if err != nil {
		return Code{}, err
	}

	return Code{
		Code:              raw,
		CodeWithSeparator: addSeparators(raw),
	}, nil
}

// GenerateForRoom produces a pairing code whose leading characters are
// the given relay room identifier, so the peer typing the code can
// recover the room to join.
func GenerateForRoom(roomID string) (Code, error) {
	roomID = strings.ToUpper(roomID)
	if err := ValidateRoomID(roomID); err != nil {
		return Code{}, err
	}
	for _, r := range roomID {
		if !strings.ContainsRune(codeAlphabet, r) {
			return Code{}, fmt.Errorf("%w: %q", ErrInvalidRoomID, roomID)
		}
	}

	suffix, err := randomString(rawCodeLength - RoomIDLength)
	if err != nil {
		return Code{}, err
	}

	raw := roomID + suffix
	return Code{
		Code:              raw,
		CodeWithSeparator: addSeparators(raw),
	}, nil
}

// ValidateCode checks the length and charset of a pairing code in its
// separator form. Every component must call this before any network use
// of a code.
func ValidateCode(code string) error {
	if len(code) != CodeLength {
		return ErrInvalidCode
	}

	normalized := strings.ToUpper(code)
	for i, r := range normalized {
		if (i+1)%(codeGroupSize+1) == 0 {
			if r != codeSeparator {
				return ErrInvalidCode
			}
			continue
		}
		if !strings.ContainsRune(codeAlphabet, r) {
			return ErrInvalidCode
		}
	}

	return nil
}

// ValidateRoomID checks the exact length of a relay room identifier.
func ValidateRoomID(roomID string) error {
	if len(roomID) != RoomIDLength {
		return ErrInvalidRoomID
	}
	return nil
}

// RoomIDFromCode strips separators, normalizes case and returns the
// leading room identifier embedded in a pairing code.
func RoomIDFromCode(code string) (string, error) {
	if err := ValidateCode(code); err != nil {
		return "", err
	}

	raw := Normalize(code)
	return raw[:RoomIDLength], nil
}

// Normalize strips separators and upper-cases a pairing code so two
// codes can be compared or used as key material consistently.
func Normalize(code string) string {
	return strings.ToUpper(strings.ReplaceAll(code, string(codeSeparator), ""))
}

func addSeparators(raw string) string {
	var b strings.Builder
	for i := 0; i < len(raw); i += codeGroupSize {
		if i > 0 {
			b.WriteByte(codeSeparator)
		}
		b.WriteString(raw[i : i+codeGroupSize])
	}
	return b.String()
}

// randomString samples length characters from codeAlphabet using
// rejection sampling, so every character is equally likely.
func randomString(length int) (string, error) {
	const maxAccepted = byte(256 - 256%len(codeAlphabet))

	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= maxAccepted {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == length {
				break
			}
		}
	}

	return string(out), nil
}
