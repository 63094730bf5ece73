// Package radio defines the thin adapter over the connectionless
// link-layer primitive (component C): add/remove peer, send one frame, a
// send-complete status signal, and a receive callback carrying RX
// metadata. It is the interface a host plugs a real radio driver into;
// package radio/udplink ships a UDP-based implementation for local
// development (the tests use radio/fakelink), in the same spirit as the teacher's
// source/server.Server wrapping a net.UDPConn.
package radio

import (
	"github.com/espressif/esp-now-sub000/pkg/addr"
)

// Status is the two-bit send-complete result the link layer reports.
type Status int

const (
	StatusOK Status = iota
	StatusFail
)

// RxMeta carries the radio metadata of a received frame (wifi_pkt_rx_ctrl_t).
type RxMeta struct {
	Channel          int
	SecondaryChannel int
	RSSI             int8
}

// RxFrame is one inbound opaque payload plus its sender and RX metadata.
type RxFrame struct {
	Src     addr.Mac
	Payload []byte
	Meta    RxMeta
}

// Country mirrors wifi_country_t: the channel range a node may iterate
// over when a frame's head.Channel == ALL_CHANNELS.
type Country struct {
	StartChannel int
	NumChannels  int
}

// Link is the radio primitive: opaque payloads up to 250 bytes between
// 6-byte MAC addresses, broadcast and unicast, with a send-complete
// callback per outgoing frame.
type Link interface {
	// Init brings the link up; Deinit is idempotent.
	Init() error
	Deinit() error

	// AddPeer/RemovePeer bind or release a unicast peer slot. lmk may be
	// nil for a peer without a per-peer key.
	AddPeer(a addr.Mac, lmk []byte) error
	RemovePeer(a addr.Mac) error

	// SendOne hands one already-framed buffer to the link layer. It
	// returns once the driver has accepted the buffer for transmission;
	// completion is reported asynchronously via OnSendComplete.
	SendOne(dest addr.Mac, buf []byte) error

	// SetChannel switches the primary/secondary Wi-Fi channel.
	SetChannel(primary, secondary int) error

	// Country reports the channel range available for ALL_CHANNELS
	// iteration.
	Country() Country

	// OnReceive registers the callback invoked for every inbound frame.
	// Implementations MUST NOT block in the callback; the callback
	// itself must return promptly (it runs on the driver's receive
	// path), matching the original's non-blocking enqueue discipline.
	OnReceive(func(RxFrame))

	// OnSendComplete registers the callback invoked once per SendOne
	// with the final transmission status.
	OnSendComplete(func(dest addr.Mac, status Status))
}
