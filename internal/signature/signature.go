// Package signature computes and checks the AES-CMAC that binds a tag UID to its scan counter.
//
// The signed message is the 7 raw UID bytes followed by the counter as a
// 3-byte little-endian integer, matching the NTAG 424 DNA SDM read counter.
package signature

import (
	"crypto/aes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/aead/cmac"
)

const (
	// UIDLength is the size of a tag identifier in bytes.
	UIDLength = 7
	// KeyLength is the size of an AES-128 tag key in bytes.
	KeyLength = 16
	// MACLength is the size of a full CMAC in bytes.
	MACLength = 16
	// MaxCounter is the largest counter representable in the signed message.
	MaxCounter = 0xFFFFFF

	counterWidth  = 3
	messageLength = UIDLength + counterWidth
)

var (
	// ErrInvalidKey indicates a key that is not 32 hex characters.
	ErrInvalidKey = errors.New("signature: invalid key")
	// ErrInvalidUID indicates a uid that is not 14 hex characters.
	ErrInvalidUID = errors.New("signature: invalid uid")
	// ErrInvalidMAC indicates a presented mac that is not 32 hex characters.
	ErrInvalidMAC = errors.New("signature: invalid mac")
	// ErrCounterOutOfRange indicates a counter wider than 24 bits.
	ErrCounterOutOfRange = errors.New("signature: counter out of range")
)

// Key is a per-tag AES-128 secret.
type Key [KeyLength]byte

// ParseKey decodes a hex encoded AES-128 key.
func ParseKey(rawInput string) (Key, error) {
	var key Key
	if err := decodeFixed(rawInput, key[:]); err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// String never reveals key material.
func (Key) String() string {
	return "[redacted]"
}

// GoString never reveals key material.
func (Key) GoString() string {
	return "signature.Key{[redacted]}"
}

// UID is the raw 7-byte tag identifier.
type UID [UIDLength]byte

// ParseUID decodes a hex encoded tag identifier; case is ignored.
func ParseUID(rawInput string) (UID, error) {
	var uid UID
	if err := decodeFixed(rawInput, uid[:]); err != nil {
		return UID{}, fmt.Errorf("%w: %v", ErrInvalidUID, err)
	}
	return uid, nil
}

// String returns the canonical upper-case hex form.
func (u UID) String() string {
	return strings.ToUpper(hex.EncodeToString(u[:]))
}

// MAC is a full 16-byte CMAC value.
type MAC [MACLength]byte

// ParseMAC decodes a hex encoded CMAC; case is ignored.
func ParseMAC(rawInput string) (MAC, error) {
	var mac MAC
	if err := decodeFixed(rawInput, mac[:]); err != nil {
		return MAC{}, fmt.Errorf("%w: %v", ErrInvalidMAC, err)
	}
	return mac, nil
}

// String returns the canonical upper-case hex form.
func (m MAC) String() string {
	return strings.ToUpper(hex.EncodeToString(m[:]))
}

// Message assembles the bytes covered by the CMAC.
func Message(uid UID, counter uint32) ([]byte, error) {
	if counter > MaxCounter {
		return nil, fmt.Errorf("%w: %d", ErrCounterOutOfRange, counter)
	}
	message := make([]byte, messageLength)
	copy(message, uid[:])
	message[UIDLength] = byte(counter)
	message[UIDLength+1] = byte(counter >> 8)
	message[UIDLength+2] = byte(counter >> 16)
	return message, nil
}

// Compute returns the CMAC of uid and counter under key.
func Compute(key Key, uid UID, counter uint32) (MAC, error) {
	message, err := Message(uid, counter)
	if err != nil {
		return MAC{}, err
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return MAC{}, err
	}
	sum, err := cmac.Sum(message, block, MACLength)
	if err != nil {
		return MAC{}, err
	}
	var mac MAC
	copy(mac[:], sum)
	return mac, nil
}

// Verify reports whether presented is the CMAC of uid and counter under key.
// The comparison runs in constant time.
func Verify(key Key, uid UID, counter uint32, presented MAC) (bool, error) {
	message, err := Message(uid, counter)
	if err != nil {
		return false, err
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return false, err
	}
	return cmac.Verify(presented[:], message, block, MACLength), nil
}

func decodeFixed(rawInput string, destination []byte) error {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) != hex.EncodedLen(len(destination)) {
		return fmt.Errorf("expected %d hex characters, got %d", hex.EncodedLen(len(destination)), len(trimmed))
	}
	if _, err := hex.Decode(destination, []byte(trimmed)); err != nil {
		return err
	}
	return nil
}
