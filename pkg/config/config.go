// Package config implements the event/configuration facade (component
// H): a runtime enable/handler binding table keyed by wire.Type, and a
// typed event bus the host subscribes to for OTA and security lifecycle
// notifications (§4.H).
//
// The typed-event-bus-over-channels shape is grounded on
// _examples/ventosilenzioso-go-raknet/core/events, which the teacher uses
// to fan a small set of named lifecycle events out to any number of
// subscribers without a central switch statement.
package config

import (
	"sync"

	"github.com/espressif/esp-now-sub000/pkg/wire"
)

// Handler processes one decoded frame already past dedupe and filtering.
type Handler func(src [6]byte, payload []byte, secure bool)

// entry is one row of the per-type config table (§4.H: "runtime enable/
// handler binding for each packet type").
type entry struct {
	enabled bool
	handler Handler
}

// Table is the process-wide singleton mapping wire.Type to whether
// receipt is currently enabled and which handler processes it.
type Table struct {
	mu      sync.RWMutex
	entries [wire.TypeMax]entry
}

func NewTable() *Table {
	t := &Table{}
	for i := range t.entries {
		t.entries[i].enabled = true
	}
	return t
}

// SetConfigForDataType rebinds a type's handler and enable flag in one
// call, mirroring the original's espnow_set_config_for_data_type.
func (t *Table) SetConfigForDataType(typ wire.Type, enabled bool, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[typ] = entry{enabled: enabled, handler: handler}
}

// Enabled reports whether typ is currently configured to receive.
func (t *Table) Enabled(typ wire.Type) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[typ].enabled
}

// HandlerFor returns the handler bound to typ, or nil if none is set.
func (t *Table) HandlerFor(typ wire.Type) Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[typ].handler
}

// Dispatch delivers a frame to its bound handler if the type is enabled
// and a handler is bound; otherwise it is a silent no-op (the original's
// "no such type enabled" path, not an error).
func (t *Table) Dispatch(typ wire.Type, src [6]byte, payload []byte, secure bool) {
	if !t.Enabled(typ) {
		return
	}
	if h := t.HandlerFor(typ); h != nil {
		h(src, payload, secure)
	}
}

// EventKind enumerates the host-facing lifecycle events (§4.H, §6 "Host
// event bus: ESP_EVENT_ESPNOW base, with three sub-bases PROV, CTRL,
// OTA").
type EventKind int

const (
	EventOTAStarted EventKind = iota
	EventOTAStatus
	EventOTAFinish
	EventOTAStopped
	EventLogFlashFull
	EventSecStarted
	EventSecStatus
	EventSecFinish
	EventSecStopped
)

func (k EventKind) String() string {
	switch k {
	case EventOTAStarted:
		return "OTA_STARTED"
	case EventOTAStatus:
		return "OTA_STATUS"
	case EventOTAFinish:
		return "OTA_FINISH"
	case EventOTAStopped:
		return "OTA_STOPPED"
	case EventLogFlashFull:
		return "LOG_FLASH_FULL"
	case EventSecStarted:
		return "SEC_STARTED"
	case EventSecStatus:
		return "SEC_STATUS"
	case EventSecFinish:
		return "SEC_FINISH"
	case EventSecStopped:
		return "SEC_STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Event is one item posted to the bus. Percent and Size are only
// meaningful for the kinds that carry them (OTA_STATUS, LOG_FLASH_FULL).
type Event struct {
	Kind    EventKind
	Percent int
	Size    int
}

// Bus is a small fan-out event bus: any number of subscribers, each
// getting every posted event on its own buffered channel so one slow
// subscriber cannot stall Post for the others.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new listener with the given channel buffer depth.
// The caller must call Unsubscribe when done to avoid leaking the channel.
func (b *Bus) Subscribe(buffer int) chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	return ch
}

func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Post fans an event out to every subscriber. A subscriber whose channel
// is full drops the event rather than block the poster (matching the
// original's "non-blocking enqueue, log and drop if full" discipline for
// anything running off the main task).
func (b *Bus) Post(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// otaEventAdapter lets config.Bus satisfy ota.EventSink without pkg/ota
// importing pkg/config, keeping the dependency edge pointing one way
// (config depends on wire only; ota stays independent of the event bus
// shape).
type otaEventAdapter struct{ bus *Bus }

func NewOTAEventSink(bus *Bus) *otaEventAdapter {
	return &otaEventAdapter{bus: bus}
}

func (a *otaEventAdapter) OTAStarted() {
	a.bus.Post(Event{Kind: EventOTAStarted})
}

func (a *otaEventAdapter) OTAStatus(percent int) {
	a.bus.Post(Event{Kind: EventOTAStatus, Percent: percent})
}

func (a *otaEventAdapter) OTAFinish() {
	a.bus.Post(Event{Kind: EventOTAFinish})
}

func (a *otaEventAdapter) OTAStopped() {
	a.bus.Post(Event{Kind: EventOTAStopped})
}

// secEventAdapter lets config.Bus satisfy handshake.SecEventSink the same
// way otaEventAdapter does for ota.EventSink.
type secEventAdapter struct{ bus *Bus }

func NewSecEventSink(bus *Bus) *secEventAdapter {
	return &secEventAdapter{bus: bus}
}

func (a *secEventAdapter) SecStarted() {
	a.bus.Post(Event{Kind: EventSecStarted})
}

func (a *secEventAdapter) SecFinish() {
	a.bus.Post(Event{Kind: EventSecFinish})
}

func (a *secEventAdapter) SecStopped() {
	a.bus.Post(Event{Kind: EventSecStopped})
}
