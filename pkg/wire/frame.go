// Package wire implements the espnow framed-packet codec and the
// duplicate-suppression caches (component A of the spec): packing and
// unpacking the multiplexed header, and rejecting replays before a frame
// reaches the transport's dispatch logic.
//
// The on-wire layout mirrors espnow_frame_head_t from the original C
// component exactly (field widths, bit order, little-endian integers);
// the framing style itself (a flat byte-slice codec with explicit
// Encode/Decode pairs) is grounded on the teacher's
// source/protocol.BitStream and RakNetPacket/DataPacket codecs.
package wire

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/espressif/esp-now-sub000/pkg/addr"
	"github.com/espressif/esp-now-sub000/pkg/espnowerr"
)

// Type selects the dispatch channel a frame rides on
// (espnow_data_type_t).
type Type uint8

const (
	TypeAck Type = iota
	TypeForward
	TypeGroup
	TypeProv
	TypeControlBind
	TypeControlData
	TypeOTAStatus
	TypeOTAData
	TypeDebugLog
	TypeDebugCommand
	TypeData
	TypeSecurityStatus
	TypeSecurity
	TypeSecurityData
	TypeReserved
	typeMax
)

func (t Type) Valid() bool { return t < typeMax }

// TypeMax is the exclusive upper bound on valid Type values, exported so
// callers can size a per-type table without reaching into this package's
// internals.
const TypeMax = typeMax

// Version is the compile-time wire version constant.
const Version = 1

// Channel markers.
const (
	ChannelCurrent = 0x0
	ChannelAll     = 0x0f
)

// Limits (§6).
const (
	MaxRetransmitCount = 0x1f
	ForwardMax         = 0x1f
	HeaderSize         = 1 + 1 + 6 + addr.Len + addr.Len // type/reserved byte + size + frame_head + dest + src
	MaxFrameSize       = 250
	MaxPayloadSize     = MaxFrameSize - HeaderSize // 230
)

// Head is the 6-byte frame_head (§3).
type Head struct {
	Magic                 uint16
	Channel               uint8 // 4 bits
	FilterAdjacentChannel bool
	FilterWeakSignal      bool
	Security              bool
	Broadcast             bool
	Group                 bool
	Ack                   bool
	RetransmitCount       uint8 // 5 bits, 1..31
	ForwardTTL            uint8 // 5 bits
	ForwardRSSI           int8
}

// DefaultFrameConfig returns the default caller-supplied head template,
// matching ESPNOW_FRAME_CONFIG_DEFAULT (broadcast=true, retransmit_count=10).
func DefaultFrameConfig() Head {
	return Head{Broadcast: true, RetransmitCount: 10}
}

// Frame is a fully decoded FramedPacket.
type Frame struct {
	Type    Type
	Head    Head
	Dest    addr.Mac
	Src     addr.Mac
	Payload []byte
}

// NewMagic returns a nonzero random 16-bit magic, satisfying the
// invariant that magic != 0 after framing. Exported so a caller that
// needs to know a frame's magic ahead of Encode (to register an ACK
// waiter under the right key, for instance) can generate it up front.
func NewMagic() (uint16, error) {
	return randomMagic()
}

// randomMagic returns a nonzero random 16-bit magic, satisfying the
// invariant that magic != 0 after framing.
func randomMagic() (uint16, error) {
	for {
		var b [2]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, errors.Wrap(err, "generate magic")
		}
		m := binary.LittleEndian.Uint16(b[:])
		if m != 0 {
			return m, nil
		}
	}
}

// Encode packs type, dest, src, payload and head into a wire frame,
// filling magic if the caller left it 0 and defaulting retransmit_count
// to 1 if left 0, per §4.A.
func Encode(typ Type, dest, src addr.Mac, payload []byte, head Head) ([]byte, error) {
	if !typ.Valid() {
		return nil, errors.Wrapf(espnowerr.ErrInvalidArg, "type %d out of range", typ)
	}
	if len(payload) > MaxPayloadSize {
		return nil, errors.Wrapf(espnowerr.ErrInvalidArg, "payload %d exceeds max %d", len(payload), MaxPayloadSize)
	}
	if head.Magic == 0 {
		m, err := randomMagic()
		if err != nil {
			return nil, err
		}
		head.Magic = m
	}
	if head.RetransmitCount == 0 {
		head.RetransmitCount = 1
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(Version)<<6 | byte(typ)<<2
	buf[1] = byte(len(payload))

	binary.LittleEndian.PutUint16(buf[2:4], head.Magic)

	var flags uint8
	flags = head.Channel & 0x0f
	if head.FilterAdjacentChannel {
		flags |= 1 << 4
	}
	if head.FilterWeakSignal {
		flags |= 1 << 5
	}
	if head.Security {
		flags |= 1 << 6
	}
	buf[4] = flags

	var flags2 uint8
	if head.Broadcast {
		flags2 |= 1 << 0
	}
	if head.Group {
		flags2 |= 1 << 1
	}
	if head.Ack {
		flags2 |= 1 << 2
	}
	flags2 |= (head.RetransmitCount & 0x1f) << 3
	buf[5] = flags2

	buf[6] = head.ForwardTTL & 0x1f
	buf[7] = byte(head.ForwardRSSI)

	copy(buf[8:8+addr.Len], dest[:])
	copy(buf[8+addr.Len:8+2*addr.Len], src[:])
	copy(buf[HeaderSize:], payload)

	return buf, nil
}

// Decode unpacks a wire frame and enforces the §4.A validity rules. self
// is this node's MAC, used for loopback protection.
func Decode(buf []byte, self addr.Mac) (Frame, error) {
	var f Frame
	if len(buf) < HeaderSize {
		return f, errors.Wrapf(espnowerr.ErrInvalidArg, "frame too short: %d bytes", len(buf))
	}

	version := buf[0] >> 6
	typ := Type((buf[0] >> 2) & 0x0f)
	if version != Version {
		return f, errors.Wrapf(espnowerr.ErrInvalidArg, "bad version %d", version)
	}
	if !typ.Valid() {
		return f, errors.Wrapf(espnowerr.ErrInvalidArg, "bad type %d", typ)
	}

	payloadSize := int(buf[1])
	if len(buf) != HeaderSize+payloadSize {
		return f, errors.Wrapf(espnowerr.ErrInvalidArg, "length mismatch: have %d want %d", len(buf), HeaderSize+payloadSize)
	}

	var head Head
	head.Magic = binary.LittleEndian.Uint16(buf[2:4])
	flags := buf[4]
	head.Channel = flags & 0x0f
	head.FilterAdjacentChannel = flags&(1<<4) != 0
	head.FilterWeakSignal = flags&(1<<5) != 0
	head.Security = flags&(1<<6) != 0

	flags2 := buf[5]
	head.Broadcast = flags2&(1<<0) != 0
	head.Group = flags2&(1<<1) != 0
	head.Ack = flags2&(1<<2) != 0
	head.RetransmitCount = (flags2 >> 3) & 0x1f

	head.ForwardTTL = buf[6] & 0x1f
	head.ForwardRSSI = int8(buf[7])

	dest, _ := addr.FromSlice(buf[8 : 8+addr.Len])
	src, _ := addr.FromSlice(buf[8+addr.Len : 8+2*addr.Len])

	if src.Equal(self) {
		return f, errors.Wrap(espnowerr.ErrInvalidArg, "loopback frame (src == self)")
	}

	payload := make([]byte, payloadSize)
	copy(payload, buf[HeaderSize:])

	f = Frame{Type: typ, Head: head, Dest: dest, Src: src, Payload: payload}
	return f, nil
}
