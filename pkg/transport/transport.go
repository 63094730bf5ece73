// Package transport implements the transport core (component D): the
// retransmit/ACK state machine, the send mutex and in-flight accounting,
// per-type receive dispatch, ALL_CHANNELS hopping, and broadcast
// forwarding.
//
// The single-writer event loop draining one queue of {RECEIVE, SEND_ACK,
// FORWARD} events (§5) is grounded on the teacher's
// source/server.Server.listen loop, which also serializes everything
// that touches shared connection state through one goroutine reading off
// one channel; the semaphore-as-timed-mutex around the radio's critical
// section mirrors the same file's use of a buffered channel as a
// try-with-timeout lock.
package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/espressif/esp-now-sub000/pkg/addr"
	"github.com/espressif/esp-now-sub000/pkg/config"
	"github.com/espressif/esp-now-sub000/pkg/elog"
	"github.com/espressif/esp-now-sub000/pkg/espnowerr"
	"github.com/espressif/esp-now-sub000/pkg/metrics"
	"github.com/espressif/esp-now-sub000/pkg/peertab"
	"github.com/espressif/esp-now-sub000/pkg/radio"
	"github.com/espressif/esp-now-sub000/pkg/security"
	"github.com/espressif/esp-now-sub000/pkg/wire"
)

// Config holds the timeouts and limits §5/§7 describe in prose.
type Config struct {
	SendTimeout    time.Duration // bound on send_mutex acquisition
	SendMaxTimeout time.Duration // bound on waiting for send-complete
	AckTimeout     time.Duration // bound on waiting for a matching ACK
	MaxInFlight    int32         // half the link-layer TX buffer capacity
	QueueDepth     int           // espnow_queue capacity
}

// DefaultConfig mirrors ESPNOW_CONFIG_DEFAULT-style values: generous
// enough for a software link, not tuned for any particular radio.
func DefaultConfig() Config {
	return Config{
		SendTimeout:    2 * time.Second,
		SendMaxTimeout: 2 * time.Second,
		AckTimeout:     500 * time.Millisecond,
		MaxInFlight:    16,
		QueueDepth:     64,
	}
}

// bypassesEncryption reports the handful of channel types that must
// always ride in the clear: ACK and FORWARD so a node that hasn't yet
// finished the handshake can still be reached, and the two security
// channels because they carry the handshake itself (§7 frame head
// security bit only ever applies to application data).
func bypassesEncryption(t wire.Type) bool {
	switch t {
	case wire.TypeAck, wire.TypeForward, wire.TypeSecurityStatus, wire.TypeSecurity:
		return true
	default:
		return false
	}
}

// backoff implements the exponential retransmit delay, 2*2^k ms capped
// at 100ms (§7 retry policy).
func backoff(attempt int) time.Duration {
	ms := 2 << uint(attempt)
	if ms > 100 {
		ms = 100
	}
	return time.Duration(ms) * time.Millisecond
}

type eventKind int

const (
	evReceive eventKind = iota
	evSendAck
	evForward
)

type queueEvent struct {
	kind eventKind
	f    wire.Frame
	meta radio.RxMeta
}

// Core is the process-wide transport singleton (§2 component D, §5
// concurrency model). One Core owns one radio.Link.
type Core struct {
	self  addr.Mac
	link  radio.Link
	peers *peertab.Table
	cfg   Config
	tbl   *config.Table
	met   *metrics.Collector

	plainCache  *wire.DuplicateCache
	secureCache *wire.DuplicateCache

	txSessions map[addr.Mac]*security.Session
	rxSessions map[addr.Mac]*security.Session
	sessMu     sync.RWMutex

	sendSem      chan struct{}
	completionCh chan radio.Status
	inFlight     int32

	ackMu      sync.Mutex
	ackWaiters map[uint16]chan struct{}

	queue chan queueEvent
	stop  chan struct{}
	wg    sync.WaitGroup

	inited         int32
	currentChannel int32
}

// NewCore wires a transport core over an already-constructed link and
// peer table. The caller still must call Init before sending or
// receiving.
func NewCore(self addr.Mac, link radio.Link, peers *peertab.Table, tbl *config.Table, met *metrics.Collector, cfg Config) *Core {
	return &Core{
		self:         self,
		link:         link,
		peers:        peers,
		cfg:          cfg,
		tbl:          tbl,
		met:          met,
		plainCache:   wire.NewDuplicateCache(),
		secureCache:  wire.NewDuplicateCache(),
		txSessions:   make(map[addr.Mac]*security.Session),
		rxSessions:   make(map[addr.Mac]*security.Session),
		sendSem:      make(chan struct{}, 1),
		completionCh: make(chan radio.Status, 1),
		ackWaiters:   make(map[uint16]chan struct{}),
		queue:        make(chan queueEvent, cfg.QueueDepth),
		stop:         make(chan struct{}),
	}
}

// SetTxSession/SetRxSession bind the encrypt/decrypt sessions a handshake
// round installed (component E integration point). The application key is
// one shared secret across the mesh (§3 ApplicationKey), so a session
// registered under addr.Broadcast is the default for every peer; an entry
// under a concrete MAC overrides it for that peer only.
func (c *Core) SetTxSession(peer addr.Mac, s *security.Session) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	c.txSessions[peer] = s
}

func (c *Core) SetRxSession(peer addr.Mac, s *security.Session) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	c.rxSessions[peer] = s
}

// txSessionFor/rxSessionFor resolve the session for a peer, falling back
// to the shared addr.Broadcast slot.
func (c *Core) txSessionFor(peer addr.Mac) (*security.Session, bool) {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	if s, ok := c.txSessions[peer]; ok {
		return s, true
	}
	s, ok := c.txSessions[addr.Broadcast]
	return s, ok
}

func (c *Core) rxSessionFor(peer addr.Mac) (*security.Session, bool) {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	if s, ok := c.rxSessions[peer]; ok {
		return s, true
	}
	s, ok := c.rxSessions[addr.Broadcast]
	return s, ok
}

// Init starts the link and the single dispatch goroutine draining the
// event queue (§5 main_task).
func (c *Core) Init() error {
	if err := c.link.Init(); err != nil {
		return errors.Wrap(err, "transport: link init")
	}
	c.link.OnReceive(c.onLinkReceive)
	c.link.OnSendComplete(c.onSendComplete)

	c.wg.Add(1)
	go c.runLoop()
	atomic.StoreInt32(&c.inited, 1)
	return nil
}

// Deinit stops the dispatch loop and tears down the link. Idempotent.
func (c *Core) Deinit() error {
	atomic.StoreInt32(&c.inited, 0)
	select {
	case <-c.stop:
		// already stopped
	default:
		close(c.stop)
	}
	c.wg.Wait()
	return c.link.Deinit()
}

func (c *Core) runLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case ev := <-c.queue:
			switch ev.kind {
			case evReceive:
				c.dispatch(ev.f, ev.meta)
			case evSendAck:
				c.sendAck(ev.f)
			case evForward:
				c.forward(ev.f)
			}
		}
	}
}

// onLinkReceive is the non-blocking link-layer receive callback (§5: "it
// MUST not block"). It decodes enough to route the frame onto the
// dispatch queue and drops (with a logged warning) if the queue is full.
func (c *Core) onLinkReceive(rx radio.RxFrame) {
	frame, err := wire.Decode(rx.Payload, c.self)
	if err != nil {
		elog.Warn("transport: drop undecodable frame", "err", err)
		return
	}
	select {
	case c.queue <- queueEvent{kind: evReceive, f: frame, meta: rx.Meta}:
	default:
		elog.Warn("transport: espnow_queue full, dropping received frame", "type", frame.Type)
	}
}

func (c *Core) onSendComplete(dest addr.Mac, status radio.Status) {
	select {
	case c.completionCh <- status:
	default:
	}
}

// dispatch implements the A -> D -> handler pipeline (§2 data flow). Per
// §4.A, the dedupe cache is only admitted to on successful dispatch: a
// frame dropped by a filter, a missing rx session, or a failed AEAD
// check must not poison the cache, or a legitimate retransmission/
// alternate-path copy would be mistaken for a replay.
func (c *Core) dispatch(f wire.Frame, meta radio.RxMeta) {
	cache := c.plainCache
	if f.Head.Security {
		cache = c.secureCache
	}
	if cache.Seen(f.Type, f.Head.Magic) {
		c.met.IncDedupeDropped()
		return
	}

	if f.Head.FilterAdjacentChannel && meta.Channel != int(f.Head.Channel) {
		return
	}
	if f.Head.FilterWeakSignal && meta.RSSI < f.Head.ForwardRSSI {
		return
	}

	// Route by type (§4.D step 7). A frame is delivered locally only when
	// this node is an addressed destination: anything else (a disabled
	// type, an ACK for someone else, a unicast dest riding a broadcast, a
	// group this node hasn't joined) skips delivery and falls through to
	// the forwarding gate below.
	switch {
	case !c.tbl.Enabled(f.Type):
		// forward-only

	case f.Type == wire.TypeAck:
		if f.Dest != c.self {
			break
		}
		c.signalAck(f.Head.Magic)
		cache.Admit(f.Type, f.Head.Magic)
		return

	case f.Type == wire.TypeGroup:
		msg, err := peertab.DecodeGroupMessage(f.Payload)
		if err != nil {
			elog.Warn("transport: malformed group payload", "src", f.Src, "err", err)
		} else if msg.AppliesTo(c.self) {
			if msg.Enable {
				c.peers.JoinGroup(msg.ID)
			} else {
				c.peers.LeaveGroup(msg.ID)
			}
		}

	default:
		if !f.Head.Group && f.Head.Broadcast && !f.Dest.IsBroadcast() && f.Dest != c.self {
			break
		}
		if f.Head.Group && !c.peers.IsMyGroup(addr.Group(f.Dest)) {
			break
		}

		// Synthesize an ACK only when this node is the addressed
		// destination (§4.D step 6): a frame merely passing through for
		// forwarding must not trigger a spurious reply.
		if f.Head.Ack && f.Dest == c.self {
			select {
			case c.queue <- queueEvent{kind: evSendAck, f: f}:
			default:
				elog.Warn("transport: ack_queue full, dropping ack obligation")
			}
		}

		payload := f.Payload
		if f.Head.Security && !bypassesEncryption(f.Type) {
			sess, ok := c.rxSessionFor(f.Src)
			if !ok {
				elog.Warn("transport: secure frame from peer with no rx session", "src", f.Src)
				return
			}
			plain, err := sess.AuthDecrypt(payload)
			if err != nil {
				elog.Warn("transport: AEAD failure, dropping frame", "src", f.Src)
				return
			}
			payload = plain
		}
		c.tbl.Dispatch(f.Type, f.Src, payload, f.Head.Security)
	}

	if f.Head.Broadcast && f.Head.ForwardTTL > 0 && meta.RSSI >= f.Head.ForwardRSSI && f.Dest != c.self {
		select {
		case c.queue <- queueEvent{kind: evForward, f: f, meta: meta}:
		default:
			elog.Warn("transport: forward dropped, queue full")
		}
	}

	cache.Admit(f.Type, f.Head.Magic)
}

func (c *Core) sendAck(f wire.Frame) {
	head := wire.Head{Magic: f.Head.Magic, Broadcast: true, RetransmitCount: 1}
	buf, err := wire.Encode(wire.TypeAck, f.Src, c.self, nil, head)
	if err != nil {
		elog.Warn("transport: failed to build ack", "err", err)
		return
	}
	if _, err := c.attemptOnce(addr.Broadcast, buf); err != nil {
		elog.Warn("transport: ack send failed", "err", err)
	}
}

// forward re-sends an arriving broadcast verbatim on behalf of the
// original sender: same type, same src and dest, TTL decremented unless
// it carries the unlimited marker, so downstream nodes see the frame
// exactly as a direct receiver would and dedupe it by the original
// (type, magic). A forward frame carrying channel == ALL_CHANNELS
// iterates every country channel the same way the sender's Send did;
// otherwise it stays on the channel it is already on (§4.D).
func (c *Core) forward(f wire.Frame) {
	head := f.Head
	if head.ForwardTTL != wire.ForwardMax {
		head.ForwardTTL--
	}
	buf, err := wire.Encode(f.Type, f.Dest, f.Src, f.Payload, head)
	if err != nil {
		elog.Warn("transport: failed to build forwarded frame", "err", err)
		return
	}

	restoreChannel := head.Channel == wire.ChannelAll
	for _, ch := range c.channelsFor(head) {
		if head.Channel == wire.ChannelAll {
			_ = c.link.SetChannel(ch, 0)
			atomic.StoreInt32(&c.currentChannel, int32(ch))
		}
		if _, err := c.attemptOnce(addr.Broadcast, buf); err != nil {
			elog.Warn("transport: forward send failed", "err", err, "channel", ch)
		}
	}
	c.restoreChannelIfNeeded(restoreChannel)
}

func (c *Core) signalAck(magic uint16) {
	c.ackMu.Lock()
	ch, ok := c.ackWaiters[magic]
	c.ackMu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (c *Core) registerAckWaiter(magic uint16) chan struct{} {
	ch := make(chan struct{}, 1)
	c.ackMu.Lock()
	c.ackWaiters[magic] = ch
	c.ackMu.Unlock()
	return ch
}

func (c *Core) unregisterAckWaiter(magic uint16) {
	c.ackMu.Lock()
	delete(c.ackWaiters, magic)
	c.ackMu.Unlock()
}

// attemptOnce hands one already-framed buffer to the radio under
// send_mutex, bounded by the in-flight counter (§3 InFlightCounter, §5
// suspension points).
func (c *Core) attemptOnce(dest addr.Mac, buf []byte) (radio.Status, error) {
	if atomic.LoadInt32(&c.inFlight) >= c.cfg.MaxInFlight {
		return radio.StatusFail, errors.Wrap(espnowerr.ErrNoMem, "transport: in-flight limit reached")
	}

	select {
	case c.sendSem <- struct{}{}:
	case <-time.After(c.cfg.SendTimeout):
		return radio.StatusFail, errors.Wrap(espnowerr.ErrTimeout, "transport: send_mutex timeout")
	}
	defer func() { <-c.sendSem }()

	// Clear a stale send-complete left buffered by a prior timed-out
	// attempt, so the wait below only sees this attempt's signal.
	select {
	case <-c.completionCh:
	default:
	}

	atomic.AddInt32(&c.inFlight, 1)
	c.met.AdjustInFlight(1)
	defer func() {
		atomic.AddInt32(&c.inFlight, -1)
		c.met.AdjustInFlight(-1)
	}()

	if err := c.link.SendOne(dest, buf); err != nil {
		return radio.StatusFail, errors.Wrap(err, "transport: link send")
	}

	select {
	case st := <-c.completionCh:
		return st, nil
	case <-time.After(c.cfg.SendMaxTimeout):
		return radio.StatusFail, errors.Wrap(espnowerr.ErrTimeout, "transport: send-complete timeout")
	}
}

// channelsFor expands head.Channel into the concrete channel sequence to
// iterate over: a single channel, or every channel in the link's country
// when ALL_CHANNELS is requested (§4.D, §6).
func (c *Core) channelsFor(head wire.Head) []int {
	if head.Channel != wire.ChannelAll {
		return []int{int(head.Channel)}
	}
	country := c.link.Country()
	channels := make([]int, country.NumChannels)
	for i := range channels {
		channels[i] = country.StartChannel + i
	}
	return channels
}

// Send is the public send API (§2 "Outbound frames enter at D via the
// public send API"). It frames, optionally encrypts, and retransmits
// payload up to head.RetransmitCount times with exponential backoff,
// waiting for a matching ACK when head.Ack is set.
func (c *Core) Send(typ wire.Type, dest addr.Mac, payload []byte, head wire.Head) error {
	if atomic.LoadInt32(&c.inited) == 0 {
		return errors.Wrap(espnowerr.ErrNotInit, "transport: send before init")
	}
	if head.RetransmitCount == 0 {
		head.RetransmitCount = 1
	}
	if head.RetransmitCount > wire.MaxRetransmitCount {
		head.RetransmitCount = wire.MaxRetransmitCount
	}

	body := payload
	if head.Security && !bypassesEncryption(typ) {
		sess, ok := c.txSessionFor(dest)
		if !ok {
			return errors.Wrap(espnowerr.ErrInvalidState, "transport: no tx session for secure send")
		}
		enc, err := sess.AuthEncrypt(payload)
		if err != nil {
			return err
		}
		body = enc
	}

	if head.Magic == 0 {
		m, err := wire.NewMagic()
		if err != nil {
			return err
		}
		head.Magic = m
	}

	buf, err := wire.Encode(typ, dest, c.self, body, head)
	if err != nil {
		return err
	}

	// The ack bit is ignored for broadcast destinations (§4.D delivery
	// semantics): nothing addressed there can match an ACK back to one
	// sender, so waiting would only burn the retransmit budget.
	waitAck := head.Ack && !dest.IsBroadcast()
	var ackCh chan struct{}
	if waitAck {
		ackCh = c.registerAckWaiter(head.Magic)
		defer c.unregisterAckWaiter(head.Magic)
	}

	channels := c.channelsFor(head)
	restoreChannel := head.Channel == wire.ChannelAll

	// A frame flagged broadcast rides the link-layer broadcast address no
	// matter what the header's dest says: group IDs and forwarded unicast
	// dests are logical destinations, not link peers.
	linkDest := dest
	if head.Broadcast {
		linkDest = addr.Broadcast
	}

	for attempt := 0; attempt < int(head.RetransmitCount); attempt++ {
		for _, ch := range channels {
			if head.Channel == wire.ChannelAll {
				_ = c.link.SetChannel(ch, 0)
				atomic.StoreInt32(&c.currentChannel, int32(ch))
			}
			st, sendErr := c.attemptOnce(linkDest, buf)
			if sendErr != nil || st != radio.StatusOK {
				continue
			}
			if !waitAck {
				c.met.IncSent()
				c.restoreChannelIfNeeded(restoreChannel)
				return nil
			}
			select {
			case <-ackCh:
				c.met.IncSent()
				c.restoreChannelIfNeeded(restoreChannel)
				return nil
			case <-time.After(c.cfg.AckTimeout):
				c.met.IncAckTimeout()
				// fall through to retry
			}
		}
		c.met.IncRetried()
		time.Sleep(backoff(attempt))
	}

	c.restoreChannelIfNeeded(restoreChannel)
	return errors.Wrap(espnowerr.ErrSendPacketLoss, "transport: retransmit attempts exhausted")
}

// SetGroup sends a GROUP frame telling addrs to add/remove membership in
// id (§4.B set_group). A single-entry addrs list equal to addr.Broadcast
// means "every receiving node applies this". Since a node's own broadcast
// send is never delivered back to itself by the radio layer, SetGroup
// also applies the change to the local peer table directly when self is
// one of the targets.
func (c *Core) SetGroup(addrs []addr.Mac, id addr.Group, enable bool) error {
	msg := peertab.GroupMessage{Addrs: addrs, ID: id, Enable: enable}
	if msg.AppliesTo(c.self) {
		if enable {
			c.peers.JoinGroup(id)
		} else {
			c.peers.LeaveGroup(id)
		}
	}
	payload := peertab.EncodeGroupMessage(msg)
	return c.Send(wire.TypeGroup, addr.Broadcast, payload, wire.DefaultFrameConfig())
}

func (c *Core) restoreChannelIfNeeded(restore bool) {
	if !restore {
		return
	}
	country := c.link.Country()
	_ = c.link.SetChannel(country.StartChannel, 0)
	atomic.StoreInt32(&c.currentChannel, int32(country.StartChannel))
}
