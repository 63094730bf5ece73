// Package peertab tracks known unicast peers and per-node group
// membership (component B of the spec). It mirrors espnow_add_peer /
// espnow_del_peer / espnow_set_group from the original component, in the
// style of the teacher's source/server.Player table (a mutex-guarded map
// keyed by address, with idempotent add/remove).
package peertab

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/espressif/esp-now-sub000/pkg/addr"
	"github.com/espressif/esp-now-sub000/pkg/espnowerr"
)

// GroupMax bounds how many group IDs a single node may claim at once.
const GroupMax = 8

// Peer is a known unicast target, optionally bound with a local master
// key used to encrypt link-layer traffic to it.
type Peer struct {
	Addr addr.Mac
	LMK  []byte // 16 bytes, or nil
}

// Table owns the peer set and the group membership set for one node. The
// broadcast peer is present from construction and can never be removed.
type Table struct {
	mu     sync.RWMutex
	peers  map[addr.Mac]Peer
	groups map[addr.Group]struct{}
}

func New() *Table {
	t := &Table{
		peers:  make(map[addr.Mac]Peer),
		groups: make(map[addr.Group]struct{}),
	}
	t.peers[addr.Broadcast] = Peer{Addr: addr.Broadcast}
	return t
}

// AddPeer binds a peer slot; idempotent (§4.B).
func (t *Table) AddPeer(a addr.Mac, lmk []byte) error {
	if a.IsZero() {
		return errors.Wrap(espnowerr.ErrInvalidArg, "zero address")
	}
	if lmk != nil && len(lmk) != 16 {
		return errors.Wrap(espnowerr.ErrInvalidArg, "lmk must be 16 bytes")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[a]; ok {
		return nil
	}
	t.peers[a] = Peer{Addr: a, LMK: lmk}
	return nil
}

// DelPeer removes a peer; idempotent, and refuses to remove broadcast.
func (t *Table) DelPeer(a addr.Mac) error {
	if a.IsBroadcast() {
		return errors.Wrap(espnowerr.ErrInvalidArg, "cannot remove broadcast peer")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, a)
	return nil
}

// Get looks up a peer by address.
func (t *Table) Get(a addr.Mac) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[a]
	return p, ok
}

// Has reports whether a peer slot is bound for a.
func (t *Table) Has(a addr.Mac) bool {
	_, ok := t.Get(a)
	return ok
}

// Peers returns a snapshot of all known peers.
func (t *Table) Peers() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// IsMyGroup reports whether g is in the claimed group set (a map lookup).
func (t *Table) IsMyGroup(g addr.Group) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.groups[g]
	return ok
}

// JoinGroup adds g to the local membership set, up to GroupMax.
func (t *Table) JoinGroup(g addr.Group) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.groups[g]; ok {
		return nil
	}
	if len(t.groups) >= GroupMax {
		return errors.Wrap(espnowerr.ErrNoMem, "group table full")
	}
	t.groups[g] = struct{}{}
	return nil
}

// LeaveGroup removes g from the local membership set.
func (t *Table) LeaveGroup(g addr.Group) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.groups, g)
}

// Groups returns a snapshot of claimed group IDs.
func (t *Table) Groups() []addr.Group {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]addr.Group, 0, len(t.groups))
	for g := range t.groups {
		out = append(out, g)
	}
	return out
}
