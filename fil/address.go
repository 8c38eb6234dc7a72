package fil

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Address protocol indicators as defined by the Filecoin address spec.
const (
	protocolID        byte = 0x00
	protocolDelegated byte = 0x04

	// Actor namespace of the Ethereum Address Manager under the delegated
	// address protocol (f410 addresses).
	eamNamespace byte = 0x0a
)

var (
	ErrInvalidEVMAddress  = errors.New("fil: invalid evm address")
	ErrUnsupportedAddress = errors.New("fil: unsupported address format")
	ErrTruncatedVarint    = errors.New("fil: truncated uvarint")
	ErrVarintOverflow     = errors.New("fil: uvarint overflows uint64")
)

var (
	idAddressPattern  = regexp.MustCompile(`^[ftFT]0[0-9]+$`)
	evmAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// AppendULEB128 appends the unsigned LEB128 encoding of v to dst. Zero encodes
// as the single byte 0x00.
func AppendULEB128(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// DecodeULEB128 decodes an unsigned LEB128 value from the front of buf and
// returns the value together with the number of bytes consumed.
func DecodeULEB128(buf []byte) (uint64, int, error) {
	var value uint64
	for i, b := range buf {
		if i >= 10 || (i == 9 && b > 0x01) {
			return 0, 0, ErrVarintOverflow
		}
		value |= uint64(b&0x7f) << (7 * uint(i))
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, ErrTruncatedVarint
}

// EncodeIDAddress returns the raw payload for a numeric actor ID as expected
// by the verified-registry allocator: the ID protocol byte followed by the
// LEB128-encoded actor ID.
func EncodeIDAddress(actorID uint64) []byte {
	return AppendULEB128([]byte{protocolID}, actorID)
}

// EncodeEVMAddress returns the raw payload for a 20-byte Ethereum address:
// the delegated protocol byte, the EAM namespace byte, and the address bytes.
// The input must be a 0x-prefixed 40-hex-digit string; casing is ignored.
func EncodeEVMAddress(address string) ([]byte, error) {
	if !evmAddressPattern.MatchString(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEVMAddress, address)
	}
	raw, err := hex.DecodeString(strings.ToLower(address[2:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEVMAddress, address)
	}
	out := make([]byte, 0, 2+len(raw))
	out = append(out, protocolDelegated, eamNamespace)
	return append(out, raw...), nil
}

// ClientBytes converts a recipient identifier into allocator wire bytes.
// Identifiers of the form f0<id> (or t0<id> on test networks) encode as ID
// addresses; 0x-prefixed 20-byte hex strings encode as delegated EAM
// addresses. Anything else is rejected.
func ClientBytes(identifier string) ([]byte, error) {
	switch {
	case idAddressPattern.MatchString(identifier):
		actorID, err := strconv.ParseUint(identifier[2:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: actor id in %q: %v", ErrUnsupportedAddress, identifier, err)
		}
		return EncodeIDAddress(actorID), nil
	case evmAddressPattern.MatchString(identifier):
		return EncodeEVMAddress(identifier)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAddress, identifier)
	}
}
