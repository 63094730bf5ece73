// Package fakelink is an in-memory radio.Link used by the transport
// test suite: a small shared Medium wires multiple
// nodes together without touching real sockets, the way the teacher's
// protocol tests exercise BitStream/Session/ACK logic directly rather
// than through a live UDP socket.
package fakelink

import (
	"sync"

	"github.com/espressif/esp-now-sub000/pkg/addr"
	"github.com/espressif/esp-now-sub000/pkg/radio"
)

// Medium is the shared broadcast domain a set of fakelink.Links attach to.
type Medium struct {
	mu    sync.Mutex
	nodes map[addr.Mac]*Link

	// Drop, when set, is consulted per (src, dest) attempt; returning
	// true drops that single transmission attempt (simulating a lossy
	// link for retransmit/backoff tests).
	Drop func(src, dest addr.Mac, attempt int) bool

	attempts map[addr.Mac]int
}

func NewMedium() *Medium {
	return &Medium{nodes: make(map[addr.Mac]*Link), attempts: make(map[addr.Mac]int)}
}

// Link is a fake radio.Link attached to a Medium.
type Link struct {
	medium *Medium
	self   addr.Mac

	country radio.Country

	onRecv         func(radio.RxFrame)
	onSendComplete func(addr.Mac, radio.Status)

	closed bool
}

// NewLink creates and registers a fake link for self on m.
func NewLink(m *Medium, self addr.Mac) *Link {
	l := &Link{medium: m, self: self, country: radio.Country{StartChannel: 1, NumChannels: 3}}
	m.mu.Lock()
	m.nodes[self] = l
	m.mu.Unlock()
	return l
}

func (l *Link) Init() error   { return nil }
func (l *Link) Deinit() error { l.closed = true; return nil }

func (l *Link) AddPeer(a addr.Mac, lmk []byte) error { return nil }
func (l *Link) RemovePeer(a addr.Mac) error          { return nil }

func (l *Link) SendOne(dest addr.Mac, buf []byte) error {
	l.medium.mu.Lock()
	var targets []*Link
	if dest.IsBroadcast() {
		for mac, n := range l.medium.nodes {
			if mac != l.self {
				targets = append(targets, n)
			}
		}
	} else if n, ok := l.medium.nodes[dest]; ok {
		targets = append(targets, n)
	}
	l.medium.attempts[l.self]++
	attempt := l.medium.attempts[l.self]
	drop := l.medium.Drop
	l.medium.mu.Unlock()

	ok := true
	for _, t := range targets {
		if drop != nil && drop(l.self, t.self, attempt) {
			ok = false
			continue
		}
		payload := make([]byte, len(buf))
		copy(payload, buf)
		if t.onRecv != nil {
			t.onRecv(radio.RxFrame{Src: l.self, Payload: payload, Meta: radio.RxMeta{Channel: t.country.StartChannel, RSSI: -40}})
		}
	}

	status := radio.StatusOK
	if !ok {
		status = radio.StatusFail
	}
	if l.onSendComplete != nil {
		l.onSendComplete(dest, status)
	}
	return nil
}

func (l *Link) SetChannel(primary, secondary int) error { return nil }
func (l *Link) Country() radio.Country                  { return l.country }

func (l *Link) OnReceive(f func(radio.RxFrame))              { l.onRecv = f }
func (l *Link) OnSendComplete(f func(addr.Mac, radio.Status)) { l.onSendComplete = f }
