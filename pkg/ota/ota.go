// Package ota implements the OTA engine (component G): chunked firmware
// distribution from one initiator to many responders, bitmap-based
// progress tracking, resumable transfer, and group-scoped status
// polling.
//
// The state-machine shape (fixed chunk size, bitmap of received chunks,
// persisted responder state, group-scoped status rounds before sending
// data) is grounded on _examples/original_source (espnow_ota_responder.c
// and espnow_ota_initiator.c function signatures) since the teacher repo
// has no equivalent subsystem; the Go realization follows the teacher's
// general shape for long-running stateful engines (explicit state enum,
// small mutex-guarded struct, table of in-flight sessions) seen in
// _examples/ventosilenzioso-go-raknet/source/server.
package ota

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/espressif/esp-now-sub000/pkg/addr"
	"github.com/espressif/esp-now-sub000/pkg/espnowerr"
	"github.com/espressif/esp-now-sub000/pkg/nvs"
)

// ChunkSize is the fixed firmware chunk size carried by a DATA packet
// (§4.G: 226 bytes; with the 2-byte seq and 1-byte size a DATA packet is
// at most 229 bytes).
const ChunkSize = 226

// MaxProgressStripe bounds how much of the progress bitmap a single
// STATUS reply carries (§4.G: progress_array[0..200]).
const MaxProgressStripe = 200

// ErrorCode mirrors the responder's error_code field carried on STATUS.
type ErrorCode uint8

const (
	ErrorNone ErrorCode = iota
	ErrorFirmwareNotInit
	ErrorDownload
	ErrorPartition
	ErrorStop
	ErrorFinish
)

// PacketNum computes ceil(totalSize / ChunkSize).
func PacketNum(totalSize uint32) uint16 {
	return uint16((totalSize + ChunkSize - 1) / ChunkSize)
}

// Bitmap is a bit-addressed chunk-received tracker: bitmap[seq/8] &
// (1 << (seq%8)), per §3.
type Bitmap []byte

func NewBitmap(packetNum uint16) Bitmap {
	return make(Bitmap, (int(packetNum)+7)/8)
}

func (b Bitmap) Set(seq uint16) {
	b[seq/8] |= 1 << (seq % 8)
}

func (b Bitmap) Has(seq uint16) bool {
	return b[seq/8]&(1<<(seq%8)) != 0
}

func (b Bitmap) PopCount() int {
	n := 0
	for _, byt := range b {
		for byt != 0 {
			n += int(byt & 1)
			byt >>= 1
		}
	}
	return n
}

// All sets every bit up to packetNum, used to seed a fresh polling round
// (§4.G: "set progress_bitmap = all-1").
func (b Bitmap) All(packetNum uint16) {
	for seq := uint16(0); seq < packetNum; seq++ {
		b.Set(seq)
	}
}

// AndMerge clears bits in b that are zero in other, restricted to the
// first packetNum bits — the initiator's "AND-merge their progress_array
// into bitmap" step: a chunk only drops out of the work queue once every
// requester has it.
func (b Bitmap) AndMerge(other Bitmap, packetNum uint16) {
	for seq := uint16(0); seq < packetNum; seq++ {
		if !other.Has(seq) {
			b[seq/8] &^= 1 << (seq % 8)
		}
	}
}

// Clear resets every bit to zero, used by Stop (§4.G: "zeroes
// written_size, clears the bitmap").
func (b Bitmap) Clear() {
	for i := range b {
		b[i] = 0
	}
}

// PacketTag is the leading byte on every packet riding the OTA status
// channel, multiplexing the scan handshake (REQUEST/INFO) and the
// progress protocol (STATUS) over one frame type, mirroring
// espnow_ota_type_t. DATA rides its own frame type and needs no tag.
type PacketTag uint8

const (
	TagRequest PacketTag = iota
	TagInfo
	TagStatus
)

// InfoPacket is a responder's answer to a scan REQUEST: the descriptor
// of the firmware it is currently running (esp_app_desc_t in the
// original, reduced to the fields this core routes on).
type InfoPacket struct {
	SHA256      [16]byte
	Version     string
	ProjectName string
}

// EncodeRequest packs the scan REQUEST broadcast.
func EncodeRequest() []byte { return []byte{byte(TagRequest)} }

// EncodeInfo packs an INFO reply. Version and ProjectName are truncated
// to 255 bytes each to fit the single-byte length prefixes.
func EncodeInfo(info InfoPacket) []byte {
	ver, name := info.Version, info.ProjectName
	if len(ver) > 255 {
		ver = ver[:255]
	}
	if len(name) > 255 {
		name = name[:255]
	}
	buf := make([]byte, 0, 1+16+1+len(ver)+1+len(name))
	buf = append(buf, byte(TagInfo))
	buf = append(buf, info.SHA256[:]...)
	buf = append(buf, byte(len(ver)))
	buf = append(buf, ver...)
	buf = append(buf, byte(len(name)))
	buf = append(buf, name...)
	return buf
}

// DecodeInfo is the inverse of EncodeInfo.
func DecodeInfo(buf []byte) (InfoPacket, error) {
	var info InfoPacket
	if len(buf) < 1+16+1 || PacketTag(buf[0]) != TagInfo {
		return info, errors.New("ota: malformed info packet")
	}
	n := 1 + copy(info.SHA256[:], buf[1:17])
	verLen := int(buf[n])
	n++
	if len(buf) < n+verLen+1 {
		return info, errors.New("ota: info packet truncated version")
	}
	info.Version = string(buf[n : n+verLen])
	n += verLen
	nameLen := int(buf[n])
	n++
	if len(buf) < n+nameLen {
		return info, errors.New("ota: info packet truncated project name")
	}
	info.ProjectName = string(buf[n : n+nameLen])
	return info, nil
}

// Scanner collects INFO replies during the scan phase, keeping the first
// answer per responder MAC the way the original's g_info_list does.
type Scanner struct {
	mu    sync.Mutex
	found map[addr.Mac]InfoPacket
}

func NewScanner() *Scanner {
	return &Scanner{found: make(map[addr.Mac]InfoPacket)}
}

// HandleInfo records one INFO reply; later duplicates from the same MAC
// are ignored.
func (s *Scanner) HandleInfo(src addr.Mac, info InfoPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.found[src]; !ok {
		s.found[src] = info
	}
}

// Results returns a snapshot of the responders heard so far.
func (s *Scanner) Results() map[addr.Mac]InfoPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[addr.Mac]InfoPacket, len(s.found))
	for mac, info := range s.found {
		out[mac] = info
	}
	return out
}

// Run drives the scan phase: broadcast a REQUEST each round (via the
// caller-supplied send closure), pause for replies to land in
// HandleInfo, and return everything heard.
func (s *Scanner) Run(rounds int, interval time.Duration, broadcast func([]byte) error) (map[addr.Mac]InfoPacket, error) {
	for round := 0; round < rounds; round++ {
		if err := broadcast(EncodeRequest()); err != nil {
			return nil, errors.Wrap(err, "ota: scan request")
		}
		time.Sleep(interval)
	}
	return s.Results(), nil
}

// StatusPacket is the wire shape of the OTA STATUS packet (§4.G).
type StatusPacket struct {
	SHA256        [16]byte
	ErrorCode     ErrorCode
	PacketNum     uint16
	TotalSize     uint32
	WrittenSize   uint32
	ProgressIndex uint16
	ProgressArray []byte
}

// DataPacket is the wire shape of the OTA DATA packet (§4.G).
type DataPacket struct {
	Seq  uint16
	Size uint8
	Data [ChunkSize]byte
}

// EncodeStatus packs a StatusPacket for the wire (§4.G STATUS: a 32-byte
// fixed part plus an optional progress stripe capped at MaxProgressStripe).
func EncodeStatus(st StatusPacket) []byte {
	stripe := st.ProgressArray
	if len(stripe) > MaxProgressStripe {
		stripe = stripe[:MaxProgressStripe]
	}
	buf := make([]byte, 1+16+1+2+4+4+2+2+len(stripe))
	buf[0] = byte(TagStatus)
	n := 1 + copy(buf[1:], st.SHA256[:])
	buf[n] = byte(st.ErrorCode)
	n++
	binary.LittleEndian.PutUint16(buf[n:], st.PacketNum)
	n += 2
	binary.LittleEndian.PutUint32(buf[n:], st.TotalSize)
	n += 4
	binary.LittleEndian.PutUint32(buf[n:], st.WrittenSize)
	n += 4
	binary.LittleEndian.PutUint16(buf[n:], st.ProgressIndex)
	n += 2
	binary.LittleEndian.PutUint16(buf[n:], uint16(len(stripe)))
	n += 2
	copy(buf[n:], stripe)
	return buf
}

// DecodeStatus is the inverse of EncodeStatus.
func DecodeStatus(buf []byte) (StatusPacket, error) {
	const fixed = 1 + 16 + 1 + 2 + 4 + 4 + 2 + 2
	if len(buf) < fixed || PacketTag(buf[0]) != TagStatus {
		return StatusPacket{}, errors.New("ota: malformed status packet")
	}
	var st StatusPacket
	n := 1 + copy(st.SHA256[:], buf[1:17])
	st.ErrorCode = ErrorCode(buf[n])
	n++
	st.PacketNum = binary.LittleEndian.Uint16(buf[n:])
	n += 2
	st.TotalSize = binary.LittleEndian.Uint32(buf[n:])
	n += 4
	st.WrittenSize = binary.LittleEndian.Uint32(buf[n:])
	n += 4
	st.ProgressIndex = binary.LittleEndian.Uint16(buf[n:])
	n += 2
	stripeLen := int(binary.LittleEndian.Uint16(buf[n:]))
	n += 2
	if len(buf) < n+stripeLen {
		return StatusPacket{}, errors.New("ota: status packet truncated progress stripe")
	}
	st.ProgressArray = append([]byte(nil), buf[n:n+stripeLen]...)
	return st, nil
}

// EncodeData packs a DataPacket for the wire (§4.G DATA, at most 229 bytes).
func EncodeData(pkt DataPacket) []byte {
	buf := make([]byte, 2+1+int(pkt.Size))
	binary.LittleEndian.PutUint16(buf, pkt.Seq)
	buf[2] = pkt.Size
	copy(buf[3:], pkt.Data[:pkt.Size])
	return buf
}

// DecodeData is the inverse of EncodeData.
func DecodeData(buf []byte) (DataPacket, error) {
	if len(buf) < 3 {
		return DataPacket{}, errors.New("ota: data packet too short")
	}
	var pkt DataPacket
	pkt.Seq = binary.LittleEndian.Uint16(buf)
	pkt.Size = buf[2]
	if len(buf) < 3+int(pkt.Size) {
		return DataPacket{}, errors.New("ota: data packet truncated")
	}
	copy(pkt.Data[:pkt.Size], buf[3:3+int(pkt.Size)])
	return pkt, nil
}

// ImageReader supplies firmware bytes to the initiator on demand,
// standing in for the original's initiator_data_cb(offset, buf, size).
type ImageReader interface {
	ReadChunk(offset uint32, size int) ([]byte, error)
	Size() uint32
	SHA256() [32]byte
}

// ImageWriter is the responder's target partition, standing in for
// esp_ota_begin/esp_ota_write/esp_ota_end/esp_ota_set_boot_partition.
type ImageWriter interface {
	WriteAt(offset uint32, data []byte) error
	Finalize() error
}

// --- Initiator ---

// InitiatorState tracks one OTA distribution round (§3 OtaInitiatorState).
type InitiatorState struct {
	mu sync.Mutex

	Image     ImageReader
	TotalSize uint32
	PacketNum uint16

	Unfinished map[addr.Mac]struct{}
	Succeeded  map[addr.Mac]struct{}
	Requested  map[addr.Mac]struct{}
	Heard      map[addr.Mac]struct{}

	Bitmap Bitmap
}

// NewInitiatorState seeds the round with the full candidate address list,
// all initially unfinished.
func NewInitiatorState(image ImageReader, targets []addr.Mac) *InitiatorState {
	total := image.Size()
	pn := PacketNum(total)
	s := &InitiatorState{
		Image:      image,
		TotalSize:  total,
		PacketNum:  pn,
		Unfinished: make(map[addr.Mac]struct{}, len(targets)),
		Succeeded:  make(map[addr.Mac]struct{}),
		Requested:  make(map[addr.Mac]struct{}),
		Heard:      make(map[addr.Mac]struct{}),
		Bitmap:     NewBitmap(pn),
	}
	for _, t := range targets {
		s.Unfinished[t] = struct{}{}
	}
	return s
}

// BeginRound resets the bitmap to all-1 ahead of a fresh STATUS poll
// (§4.G initiator loop).
func (s *InitiatorState) BeginRound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Bitmap = NewBitmap(s.PacketNum)
	s.Bitmap.All(s.PacketNum)
	s.Requested = make(map[addr.Mac]struct{})
	s.Heard = make(map[addr.Mac]struct{})
}

// ApplyStatus folds one responder's STATUS reply into the round state
// (§4.G initiator loop's per-reply handling).
func (s *InitiatorState) ApplyStatus(from addr.Mac, st StatusPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Heard[from] = struct{}{}

	switch {
	case st.ErrorCode == ErrorFinish || st.WrittenSize == s.TotalSize:
		delete(s.Unfinished, from)
		s.Succeeded[from] = struct{}{}
	case st.ErrorCode == ErrorStop:
		delete(s.Unfinished, from)
	case st.ErrorCode == ErrorFirmwareNotInit:
		// The responder just reset its partition for this image; give it
		// until the next STATUS round, when it will report real progress.
	default:
		s.Requested[from] = struct{}{}
		// The reply's stripe covers bits [base, base + 8*len) of the full
		// bitmap; everything outside the window stays "needed".
		replyBits := Bitmap(st.ProgressArray)
		base := int(st.ProgressIndex) * MaxProgressStripe * 8
		merged := NewBitmap(s.PacketNum)
		for i := 0; i < len(replyBits)*8; i++ {
			seq := base + i
			if seq >= int(s.PacketNum) {
				break
			}
			if replyBits.Has(uint16(i)) {
				merged.Set(uint16(seq))
			}
		}
		s.Bitmap.AndMerge(merged, s.PacketNum)
	}
}

// PendingChunks returns the sequence numbers still owed to at least one
// requester this round.
func (s *InitiatorState) PendingChunks() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []uint16
	for seq := uint16(0); seq < s.PacketNum; seq++ {
		if !s.Bitmap.Has(seq) {
			pending = append(pending, seq)
		}
	}
	return pending
}

// Done reports whether the round has converged (§4.G termination).
func (s *InitiatorState) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Unfinished) == 0
}

// NoResponders reports the DEVICE_NO_EXIST condition: no one answered
// the STATUS poll this round and no responder succeeded in an earlier one.
func (s *InitiatorState) NoResponders() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Heard) == 0 && len(s.Succeeded) == 0
}

// ReadChunk fetches one firmware chunk by sequence number.
func (s *InitiatorState) ReadChunk(seq uint16) (DataPacket, error) {
	offset := uint32(seq) * ChunkSize
	size := ChunkSize
	if remain := s.TotalSize - offset; remain < ChunkSize {
		size = int(remain)
	}
	data, err := s.Image.ReadChunk(offset, size)
	if err != nil {
		return DataPacket{}, errors.Wrap(err, "ota: read chunk")
	}
	var pkt DataPacket
	pkt.Seq = seq
	pkt.Size = uint8(size)
	copy(pkt.Data[:], data)
	return pkt, nil
}

// RunInitiator drives the full initiator loop (§4.G), calling poll to
// send a STATUS round and collect replies (returning one StatusPacket
// per responding MAC), and send to push one DATA packet. It returns
// when every target has succeeded, stopped, or maxRounds is exhausted.
// Lifecycle events are the responders' to post: each one emits
// OTA_STARTED when it opens a partition for a new image, not the
// initiator.
func RunInitiator(
	state *InitiatorState,
	maxRounds int,
	poll func(round int) (map[addr.Mac]StatusPacket, error),
	send func(seq uint16, pkt DataPacket) error,
) error {
	for round := 0; round < maxRounds && !state.Done(); round++ {
		state.BeginRound()
		replies, err := poll(round)
		if err != nil {
			return errors.Wrap(err, "ota: status poll")
		}
		for from, st := range replies {
			state.ApplyStatus(from, st)
		}
		if state.NoResponders() {
			return espnowerr.ErrDeviceNoExist
		}
		for _, seq := range state.PendingChunks() {
			pkt, err := state.ReadChunk(seq)
			if err != nil {
				return err
			}
			if err := send(seq, pkt); err != nil {
				return errors.Wrap(err, "ota: send data")
			}
		}
	}
	if !state.Done() {
		return espnowerr.ErrFirmwareIncomplete
	}
	return nil
}

// --- Responder ---

// ResponderState is the persisted per-node OTA state (§3
// OtaResponderState), stored under NVS namespace Namespace, key StateKey.
type ResponderState struct {
	SHA256          [16]byte
	TotalSize       uint32
	PacketNum       uint16
	WrittenSize     uint32
	Bitmap          Bitmap
	StartTick       int64
	LastReportedPct int
	ErrorCode       ErrorCode
}

const (
	Namespace = "upugrad_config"
	StateKey  = "state"
)

// Responder drives one device's side of the OTA protocol.
type Responder struct {
	mu sync.Mutex

	store          nvs.Store
	writer         ImageWriter
	state          ResponderState
	reportInterval int // percent
	now            func() time.Time
	events         EventSink
}

// EventSink is the subset of the host event bus OTA cares about (§4.H).
type EventSink interface {
	OTAStarted()
	OTAStatus(percent int)
	OTAFinish()
	OTAStopped()
}

func NewResponder(store nvs.Store, writer ImageWriter, reportInterval int, events EventSink) *Responder {
	r := &Responder{store: store, writer: writer, reportInterval: reportInterval, now: time.Now, events: events}
	var saved ResponderState
	if ok, err := store.Get(Namespace, StateKey, &saved); err == nil && ok {
		r.state = saved
	}
	return r
}

// ShortSHA256 truncates a full SHA-256 to the 16-byte identifier the
// wire format uses (§3 OtaInitiatorState.target_sha256).
func ShortSHA256(full [32]byte) [16]byte {
	var short [16]byte
	copy(short[:], full[:16])
	return short
}

// HandleStatusRequest starts a fresh transfer when the incoming
// descriptor names a new image, resumes an in-progress one when it
// matches what is already persisted, or short-circuits when the target
// image is already the one running (§4.G "same-image detection"). Both
// hashes are already the 16-byte wire-truncated form (§3: target_sha256
// is [u8;16], not a full SHA-256).
func (r *Responder) HandleStatusRequest(want [16]byte, totalSize uint32, currentImageSHA [16]byte) StatusPacket {
	r.mu.Lock()
	defer r.mu.Unlock()

	if currentImageSHA == want {
		return StatusPacket{
			SHA256:    want,
			ErrorCode: ErrorFinish,
			PacketNum: PacketNum(totalSize),
			TotalSize: totalSize,
		}
	}

	if r.state.SHA256 == want && r.state.TotalSize == totalSize {
		return r.statusLocked()
	}

	// New image: reset, open the target partition, persist the empty
	// state. The NOT_INIT code goes out on this one reply only; the
	// stored state starts clean so the next STATUS round sees progress.
	r.state = ResponderState{
		SHA256:    want,
		TotalSize: totalSize,
		PacketNum: PacketNum(totalSize),
		Bitmap:    NewBitmap(PacketNum(totalSize)),
		StartTick: r.now().Unix(),
	}
	r.persistLocked()
	if r.events != nil {
		r.events.OTAStarted()
	}
	st := r.statusLocked()
	st.ErrorCode = ErrorFirmwareNotInit
	return st
}

func (r *Responder) statusLocked() StatusPacket {
	stripe := r.state.Bitmap
	if len(stripe) > MaxProgressStripe {
		stripe = stripe[:MaxProgressStripe]
	}
	return StatusPacket{
		SHA256:        r.state.SHA256,
		ErrorCode:     r.state.ErrorCode,
		PacketNum:     r.state.PacketNum,
		TotalSize:     r.state.TotalSize,
		WrittenSize:   r.state.WrittenSize,
		ProgressArray: append([]byte(nil), stripe...),
	}
}

// HandleData applies one DATA packet (§4.G responder "On DATA(seq)").
func (r *Responder) HandleData(seq uint16, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.ErrorCode == ErrorFinish {
		return errors.Wrap(espnowerr.ErrOTAFinish, "ota: data after finish")
	}
	if uint32(seq)*ChunkSize > r.state.TotalSize {
		return errors.Wrap(espnowerr.ErrInvalidArg, "ota: seq out of range")
	}
	if r.state.Bitmap.Has(seq) {
		return nil // duplicate, ack by silence per spec
	}

	offset := uint32(seq) * ChunkSize
	if err := r.writer.WriteAt(offset, data); err != nil {
		r.state.ErrorCode = ErrorDownload
		return errors.Wrap(espnowerr.ErrFirmwareDownload, "ota: write chunk")
	}

	r.state.Bitmap.Set(seq)
	r.state.WrittenSize += uint32(len(data))

	pct := int(uint64(r.state.WrittenSize) * 100 / uint64(r.state.TotalSize))
	if pct-r.state.LastReportedPct >= r.reportInterval {
		r.state.LastReportedPct = pct
		r.persistLocked()
		if r.events != nil {
			r.events.OTAStatus(pct)
		}
	}

	if r.state.WrittenSize >= r.state.TotalSize {
		if err := r.writer.Finalize(); err != nil {
			r.state.ErrorCode = ErrorPartition
			return errors.Wrap(espnowerr.ErrFirmwarePartition, "ota: finalize")
		}
		r.state.ErrorCode = ErrorFinish
		r.eraseLocked()
		if r.events != nil {
			r.events.OTAFinish()
		}
	}
	return nil
}

// Stop aborts the current transfer without persisting the cleared state
// (§4.G "stop()"). The returned STATUS carries the STOP code; the host
// broadcasts it so the initiator drops this responder from its round.
func (r *Responder) Stop() StatusPacket {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.ErrorCode = ErrorStop
	r.state.WrittenSize = 0
	r.state.Bitmap.Clear()
	if r.events != nil {
		r.events.OTAStopped()
	}
	return r.statusLocked()
}

func (r *Responder) persistLocked() {
	_ = r.store.Set(Namespace, StateKey, r.state)
}

func (r *Responder) eraseLocked() {
	_ = r.store.Erase(Namespace, StateKey)
}

// State returns a copy of the current persisted state, for tests and
// diagnostics.
func (r *Responder) State() ResponderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
