// Package addr defines the 6-byte MAC and group addresses the espnow core
// routes on, mirroring espnow_addr_t / espnow_group_t from the original
// ESP-NOW component.
package addr

import (
	"encoding/hex"
	"strings"
)

// Len is the width of every MAC and group address on the wire.
const Len = 6

// Mac is a link-layer station address, e.g. a Wi-Fi MAC.
type Mac [Len]byte

// Group is a 6-byte label a node may claim membership in.
type Group [Len]byte

// Broadcast is the link-layer broadcast address (ESPNOW_ADDR_BROADCAST).
var Broadcast = Mac{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Zero is the empty/unset address (ESPNOW_ADDR_NONE).
var Zero Mac

// Well-known reserved group IDs (§6).
var (
	GroupOTA  = Group{'O', 'T', 'A', 0, 0, 0}
	GroupSEC  = Group{'S', 'E', 'C', 0, 0, 0}
	GroupProv = Group{'P', 'R', 'O', 'V', 0, 0}
)

func (m Mac) IsBroadcast() bool { return m == Broadcast }
func (m Mac) IsZero() bool      { return m == Zero }
func (m Mac) Equal(o Mac) bool  { return m == o }

func (m Mac) String() string {
	parts := make([]string, Len)
	for i, b := range m {
		parts[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(parts, ":")
}

func (g Group) String() string {
	// Group IDs are often ASCII tags padded with zero bytes; render them
	// as a trimmed string when printable, otherwise as hex.
	trimmed := strings.TrimRight(string(g[:]), "\x00")
	for _, r := range trimmed {
		if r < 0x20 || r > 0x7e {
			return hex.EncodeToString(g[:])
		}
	}
	if trimmed == "" {
		return hex.EncodeToString(g[:])
	}
	return trimmed
}

// FromSlice copies a 6-byte slice into a Mac, returning false if the
// length doesn't match (INVALID_ARG at the caller).
func FromSlice(b []byte) (Mac, bool) {
	var m Mac
	if len(b) != Len {
		return m, false
	}
	copy(m[:], b)
	return m, true
}

// GroupFromSlice copies a 6-byte slice into a Group.
func GroupFromSlice(b []byte) (Group, bool) {
	var g Group
	if len(b) != Len {
		return g, false
	}
	copy(g[:], b)
	return g, true
}
