// Package udplink is a concrete radio.Link backed by UDP sockets: one
// node per UDP endpoint, wired together by a static address directory.
// It stands in for the real ESP-NOW link layer during development and
// testing, the same way the teacher's source/server.Server wraps a
// net.UDPConn instead of a hardware radio.
package udplink

import (
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/espressif/esp-now-sub000/pkg/addr"
	"github.com/espressif/esp-now-sub000/pkg/elog"
	"github.com/espressif/esp-now-sub000/pkg/espnowerr"
	"github.com/espressif/esp-now-sub000/pkg/radio"
)

// Directory resolves MAC addresses to UDP endpoints for every node
// reachable on the simulated channel.
type Directory struct {
	mu      sync.RWMutex
	byMac   map[addr.Mac]*net.UDPAddr
	byAddr  map[string]addr.Mac
}

func NewDirectory() *Directory {
	return &Directory{byMac: make(map[addr.Mac]*net.UDPAddr), byAddr: make(map[string]addr.Mac)}
}

func (d *Directory) Register(m addr.Mac, udpAddr *net.UDPAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byMac[m] = udpAddr
	d.byAddr[udpAddr.String()] = m
}

func (d *Directory) Resolve(m addr.Mac) (*net.UDPAddr, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.byMac[m]
	return a, ok
}

func (d *Directory) MacOf(a *net.UDPAddr) (addr.Mac, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.byAddr[a.String()]
	return m, ok
}

// All returns every registered MAC except excl.
func (d *Directory) All(excl addr.Mac) []addr.Mac {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]addr.Mac, 0, len(d.byMac))
	for m := range d.byMac {
		if m != excl {
			out = append(out, m)
		}
	}
	return out
}

// Link implements radio.Link over a UDP socket.
type Link struct {
	self addr.Mac
	dir  *Directory

	conn    *net.UDPConn
	country radio.Country

	mu      sync.Mutex
	channel int

	onRecv         func(radio.RxFrame)
	onSendComplete func(addr.Mac, radio.Status)

	stop chan struct{}
}

// New creates a Link for self, using dir to resolve peers. listenAddr is
// not used: Init binds to the address registered for self in dir, so self
// must already be registered there.
func New(self addr.Mac, listenAddr *net.UDPAddr, dir *Directory) *Link {
	return &Link{
		self:    self,
		dir:     dir,
		country: radio.Country{StartChannel: 1, NumChannels: 13},
		stop:    make(chan struct{}),
	}
}

func (l *Link) Init() error {
	udpAddr, ok := l.dir.Resolve(l.self)
	if !ok {
		return errors.Wrap(espnowerr.ErrInvalidArg, "self not registered in directory")
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return errors.Wrap(err, "listen udp")
	}
	l.conn = conn
	go l.receiveLoop()
	return nil
}

// Deinit is idempotent: closing an already-closed link returns nil.
func (l *Link) Deinit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	select {
	case <-l.stop:
		// already stopped
	default:
		close(l.stop)
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

func (l *Link) AddPeer(a addr.Mac, lmk []byte) error {
	if _, ok := l.dir.Resolve(a); !ok && !a.IsBroadcast() {
		return errors.Wrapf(espnowerr.ErrInvalidArg, "no directory entry for %s", a)
	}
	return nil
}

func (l *Link) RemovePeer(a addr.Mac) error { return nil }

func (l *Link) SendOne(dest addr.Mac, buf []byte) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errors.Wrap(espnowerr.ErrNotInit, "link not initialized")
	}
	if len(buf) > 250 {
		return errors.Wrap(espnowerr.ErrInvalidArg, "frame exceeds 250 bytes")
	}

	targets := []addr.Mac{dest}
	if dest.IsBroadcast() {
		targets = l.dir.All(l.self)
	}

	ok := true
	for _, t := range targets {
		udpAddr, found := l.dir.Resolve(t)
		if !found {
			ok = false
			continue
		}
		if _, err := conn.WriteToUDP(buf, udpAddr); err != nil {
			elog.Warn("udplink send failed", "dest", t.String(), "err", err)
			ok = false
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

func (l *Link) SetChannel(primary, secondary int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channel = primary
	return nil
}

func (l *Link) Country() radio.Country { return l.country }

func (l *Link) OnReceive(f func(radio.RxFrame))                 { l.onRecv = f }
func (l *Link) OnSendComplete(f func(addr.Mac, radio.Status))    { l.onSendComplete = f }

func (l *Link) receiveLoop() {
	buf := make([]byte, 2048)
	for {
		select {
		case <-l.stop:
			return
		default:
		}
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			return
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.stop:
				return
			default:
				continue
			}
		}
		src, ok := l.dir.MacOf(from)
		if !ok {
			elog.Warn("udplink dropped frame from unknown sender", "addr", from.String())
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		if l.onRecv != nil {
			l.mu.Lock()
			ch := l.channel
			l.mu.Unlock()
			l.onRecv(radio.RxFrame{Src: src, Payload: payload, Meta: radio.RxMeta{Channel: ch, RSSI: 0}})
		}
	}
}
