package peertab

import (
	"github.com/pkg/errors"

	"github.com/espressif/esp-now-sub000/pkg/addr"
	"github.com/espressif/esp-now-sub000/pkg/espnowerr"
)

// GroupMessage is the payload carried by a TypeGroup frame: a list of
// member MACs (or a single broadcast MAC meaning "all") plus the one
// group ID being joined or left.
type GroupMessage struct {
	Addrs   []addr.Mac
	ID      addr.Group
	Enable  bool
}

// EncodeGroupMessage packs a GroupMessage for the wire: one byte enable
// flag, one group ID (6 bytes), then the MAC list.
func EncodeGroupMessage(m GroupMessage) []byte {
	buf := make([]byte, 0, 1+addr.Len+len(m.Addrs)*addr.Len)
	if m.Enable {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, m.ID[:]...)
	for _, a := range m.Addrs {
		buf = append(buf, a[:]...)
	}
	return buf
}

// DecodeGroupMessage unpacks a TypeGroup payload.
func DecodeGroupMessage(payload []byte) (GroupMessage, error) {
	var m GroupMessage
	if len(payload) < 1+addr.Len || (len(payload)-1-addr.Len)%addr.Len != 0 {
		return m, errors.Wrap(espnowerr.ErrInvalidArg, "malformed group payload")
	}
	m.Enable = payload[0] != 0
	id, _ := addr.GroupFromSlice(payload[1 : 1+addr.Len])
	m.ID = id
	rest := payload[1+addr.Len:]
	for i := 0; i < len(rest); i += addr.Len {
		a, _ := addr.FromSlice(rest[i : i+addr.Len])
		m.Addrs = append(m.Addrs, a)
	}
	return m, nil
}

// AppliesTo reports whether the receiving node (self) should act on this
// group message: either self's MAC is listed explicitly, or the list is
// exactly the broadcast MAC meaning "all nodes" (§4.B).
func (m GroupMessage) AppliesTo(self addr.Mac) bool {
	if len(m.Addrs) == 1 && m.Addrs[0].IsBroadcast() {
		return true
	}
	for _, a := range m.Addrs {
		if a.Equal(self) {
			return true
		}
	}
	return false
}
