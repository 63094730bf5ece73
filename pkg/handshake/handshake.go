// Package handshake implements the SPAKE1-style PoP-authenticated key
// exchange (component F): Curve25519 ECDH, a SHA-256(PoP) XOR binding,
// and AES-128-CTR mutual verification, ending with the initiator
// distributing a freshly generated application key to each responder.
//
// The ECDH primitive is golang.org/x/crypto/curve25519, grounded on the
// wireguard-go examples (_examples/awenaw-wireguard-go/device,
// _examples/fengtuo58-wireguard-go-1), which use the same curve for their
// own handshake. The session-state-as-small-enum-plus-struct shape (and
// the naming of states like handshakeZeroed/handshakeInitiationCreated)
// is grounded on wireguard-go's device/noise-protocol.go; this protocol
// has a different message schedule (SPAKE1, not Noise_IK), so the state
// names and transitions are our own, in that idiom.
package handshake

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/curve25519"

	"github.com/espressif/esp-now-sub000/pkg/addr"
	"github.com/espressif/esp-now-sub000/pkg/espnowerr"
	"github.com/espressif/esp-now-sub000/pkg/security"
)

// State is the per-responder session state machine (§3 SecuritySession).
type State int

const (
	StateWaitResp0 State = iota
	StateWaitResp1
	StateDone
)

func (s State) String() string {
	switch s {
	case StateWaitResp0:
		return "WAIT_RESP0"
	case StateWaitResp1:
		return "WAIT_RESP1"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MaxBatch is the maximum number of responders processed per round (§4.F).
const MaxBatch = 100

// SecVer is the security protocol version carried by scan REQUEST/INFO
// messages (ESPNOW_SEC_VER_V1_0).
const SecVer = 1

// ScanRounds is how many times the scan REQUEST broadcast is repeated
// before the initiator settles on the responder list (§4.F).
const ScanRounds = 5

// RetryCount is the provisioning retry budget for a batch of n
// responders: one pass per MaxBatch-sized chunk plus slack for stragglers.
func RetryCount(n int) int {
	return (n+MaxBatch-1)/MaxBatch + 2
}

// sharedSecret runs X25519 ECDH and XORs SHA-256(PoP) into the result,
// binding the session to proof-of-possession (§4.F, §6 KDF).
func sharedSecret(priv, peerPub [32]byte, pop []byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return out, errors.Wrap(err, "handshake: x25519")
	}
	digest := sha256.Sum256(pop)
	for i := range out {
		out[i] = shared[i] ^ digest[i]
	}
	return out, nil
}

// transcriptID hashes the public material exchanged by one session with
// blake2s into a short correlation tag. It is not part of the PoP
// binding (SHA-256(PoP) XOR'd into the ECDH output still does that
// alone); it exists so an initiator's and a responder's log lines for
// the same session can be matched by operators without printing the raw
// public keys.
func transcriptID(clientPub, devicePub [32]byte, deviceRandom [16]byte) [blake2s.Size]byte {
	h, _ := blake2s.New256(nil)
	h.Write(clientPub[:])
	h.Write(devicePub[:])
	h.Write(deviceRandom[:])
	var out [blake2s.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// genKeypair produces a fresh Curve25519 keypair.
func genKeypair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, errors.Wrap(err, "handshake: generate private key")
	}
	// Clamp per curve25519 convention.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, errors.Wrap(err, "handshake: derive public key")
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

// aesCTR runs the verifier cipher: AES-128-CTR keyed by the low 16 bytes
// of the shared secret, nonce = deviceRandom (§6).
func aesCTR(key32 [32]byte, deviceRandom [16]byte, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key32[:16])
	if err != nil {
		return nil, errors.Wrap(err, "handshake: aes cipher")
	}
	stream := cipher.NewCTR(block, deviceRandom[:])
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out, nil
}

// ResponderSession is one responder's view of an in-progress handshake
// with a single client MAC at a time (§4.F: "a responder holds exactly
// one client MAC at a time").
type ResponderSession struct {
	State State

	ClientMac addr.Mac
	ClientPub [32]byte

	priv, pub    [32]byte
	deviceRandom [16]byte

	pop []byte
}

// NewResponderSession starts a session for an incoming CMD0 from client.
func NewResponderSession(client addr.Mac, clientPub [32]byte, pop []byte) (*ResponderSession, error) {
	priv, pub, err := genKeypair()
	if err != nil {
		return nil, err
	}
	var devRand [16]byte
	if _, err := rand.Read(devRand[:]); err != nil {
		return nil, errors.Wrap(err, "handshake: device_random")
	}
	return &ResponderSession{
		State:        StateWaitResp1,
		ClientMac:    client,
		ClientPub:    clientPub,
		priv:         priv,
		pub:          pub,
		deviceRandom: devRand,
		pop:          pop,
	}, nil
}

// Resp0 computes the RESP0 reply: {device_pub, device_random} plus a
// verifier, the client's public key AES-CTR-encrypted under the
// PoP-bound shared secret, which the initiator checks in HandleResp0.
func (s *ResponderSession) Resp0() (devicePub [32]byte, deviceRandom [16]byte, verifier []byte, err error) {
	shared, err := sharedSecret(s.priv, s.ClientPub, s.pop)
	if err != nil {
		return devicePub, deviceRandom, nil, err
	}
	verifier, err = aesCTR(shared, s.deviceRandom, s.ClientPub[:])
	if err != nil {
		return devicePub, deviceRandom, nil, err
	}
	return s.pub, s.deviceRandom, verifier, nil
}

// HandleCmd1 verifies the initiator's CMD1 check value against the
// responder's own public key encrypted under the shared secret and, on
// success, advances to DONE and returns the responder's check value for
// RESP1. A mismatch also moves the session to DONE and returns
// INVALID_ARG; a call outside WAIT_RESP1 returns INVALID_STATE.
func (s *ResponderSession) HandleCmd1(checkC []byte) (checkD []byte, err error) {
	if s.State != StateWaitResp1 {
		return nil, errors.Wrap(espnowerr.ErrInvalidState, "handshake: cmd1 outside WAIT_RESP1")
	}
	shared, err := sharedSecret(s.priv, s.ClientPub, s.pop)
	if err != nil {
		return nil, err
	}
	// want must mirror what the initiator actually sent as CMD1: the
	// initiator's HandleResp0 encrypts devicePub (Q_d, the responder's own
	// key), not clientPub, so the responder's "want" has to encrypt its
	// own s.pub to match.
	want, err := aesCTR(shared, s.deviceRandom, s.pub[:])
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(checkC, want) != 1 {
		s.State = StateDone
		return nil, errors.Wrap(espnowerr.ErrInvalidArg, "handshake: verifier mismatch (PoP mismatch)")
	}
	checkD, err = aesCTR(shared, s.deviceRandom, s.pub[:])
	if err != nil {
		return nil, err
	}
	s.State = StateDone
	return checkD, nil
}

// DecryptKey recovers the application key from the final KEY message by
// reversing the AES-CTR encryption EncryptKey applied under the shared
// secret.
func (s *ResponderSession) DecryptKey(encKey []byte) (security.ApplicationKey, error) {
	shared, err := sharedSecret(s.priv, s.ClientPub, s.pop)
	if err != nil {
		return security.ApplicationKey{}, err
	}
	plain, err := aesCTR(shared, s.deviceRandom, encKey)
	if err != nil {
		return security.ApplicationKey{}, err
	}
	var key security.ApplicationKey
	if len(plain) != len(key) {
		return key, errors.Wrap(espnowerr.ErrInvalidArg, "handshake: bad key length")
	}
	copy(key[:], plain)
	return key, nil
}

// TranscriptID returns this session's correlation tag (see transcriptID).
func (s *ResponderSession) TranscriptID() [blake2s.Size]byte {
	return transcriptID(s.ClientPub, s.pub, s.deviceRandom)
}

// InitiatorSession is the provisioning client's view of one responder,
// driven through CMD0/CMD1/KEY (§4.F). The caller keeps one per
// responder MAC; RunInitiatorBatch is the batching loop, and it drives
// the responders of each batch one after another.
type InitiatorSession struct {
	State State

	DeviceMac addr.Mac
	DevicePub [32]byte

	priv, pub [32]byte
	pop       []byte

	deviceRandom [16]byte
}

// NewInitiatorSession creates the client-side state before CMD0 is sent.
func NewInitiatorSession(device addr.Mac, pop []byte) (*InitiatorSession, error) {
	priv, pub, err := genKeypair()
	if err != nil {
		return nil, err
	}
	return &InitiatorSession{
		State:     StateWaitResp0,
		DeviceMac: device,
		priv:      priv,
		pub:       pub,
		pop:       pop,
	}, nil
}

// ClientPub is what CMD0 carries to the responder.
func (s *InitiatorSession) ClientPub() [32]byte { return s.pub }

// HandleResp0 consumes the responder's RESP0 (device_pub, device_random,
// verifier), checks the verifier, and on success returns the CMD1 check
// value to send back.
func (s *InitiatorSession) HandleResp0(devicePub [32]byte, deviceRandom [16]byte, verifier []byte) (checkC []byte, err error) {
	if s.State != StateWaitResp0 {
		return nil, errors.Wrap(espnowerr.ErrInvalidState, "handshake: resp0 outside WAIT_RESP0")
	}
	s.DevicePub = devicePub
	s.deviceRandom = deviceRandom

	shared, err := sharedSecret(s.priv, devicePub, s.pop)
	if err != nil {
		return nil, err
	}
	want, err := aesCTR(shared, deviceRandom, s.pub[:])
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(verifier, want) != 1 {
		s.State = StateDone
		return nil, errors.Wrap(espnowerr.ErrInvalidArg, "handshake: resp0 verifier mismatch (PoP mismatch)")
	}
	checkC, err = aesCTR(shared, deviceRandom, devicePub[:])
	if err != nil {
		return nil, err
	}
	s.State = StateWaitResp1
	return checkC, nil
}

// HandleResp1 consumes the responder's RESP1 check value, confirming it
// holds the same shared secret, and advances to DONE.
func (s *InitiatorSession) HandleResp1(checkD []byte) error {
	if s.State != StateWaitResp1 {
		return errors.Wrap(espnowerr.ErrInvalidState, "handshake: resp1 outside WAIT_RESP1")
	}
	shared, err := sharedSecret(s.priv, s.DevicePub, s.pop)
	if err != nil {
		return err
	}
	want, err := aesCTR(shared, s.deviceRandom, s.DevicePub[:])
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(checkD, want) != 1 {
		s.State = StateDone
		return errors.Wrap(espnowerr.ErrInvalidArg, "handshake: resp1 verifier mismatch")
	}
	s.State = StateDone
	return nil
}

// TranscriptID returns this session's correlation tag (see transcriptID).
func (s *InitiatorSession) TranscriptID() [blake2s.Size]byte {
	return transcriptID(s.pub, s.DevicePub, s.deviceRandom)
}

// EncryptKey wraps the application key for transmission as the KEY
// message to this responder, once the session has reached DONE.
func (s *InitiatorSession) EncryptKey(key security.ApplicationKey) ([]byte, error) {
	if s.State != StateDone {
		return nil, errors.Wrap(espnowerr.ErrInvalidState, "handshake: key sent before DONE")
	}
	shared, err := sharedSecret(s.priv, s.DevicePub, s.pop)
	if err != nil {
		return nil, err
	}
	return aesCTR(shared, s.deviceRandom, key[:])
}

// Batch splits a set of target responders into groups of at most
// MaxBatch, matching the original's batching of provisioning rounds so a
// single pass never holds more concurrent sessions than the link layer
// can reasonably track (§4.F).
func Batch(targets []addr.Mac) [][]addr.Mac {
	if len(targets) == 0 {
		return nil
	}
	var batches [][]addr.Mac
	for len(targets) > 0 {
		n := MaxBatch
		if n > len(targets) {
			n = len(targets)
		}
		batches = append(batches, targets[:n])
		targets = targets[n:]
	}
	return batches
}

// Result collects the outcome of a provisioning run (§4.F): Requested
// lists every target, Succeeded the responders that completed, and
// Unfinished those still failing when the retry budget ran out.
type Result struct {
	Succeeded  []addr.Mac
	Requested  []addr.Mac
	Unfinished []addr.Mac
}

// SecEventSink is the subset of the host event bus the handshake engine
// posts lifecycle events to (§4.H SEC_* mirror of state transitions).
type SecEventSink interface {
	SecStarted()
	SecFinish()
	SecStopped()
}

// RunInitiatorBatch drives provisioning over targets, split
// into groups of at most MaxBatch (§4.F), posting SecStarted once per
// batch before driving every responder in it through driveOne (which is
// expected to run CMD0..KEY over the wire for a single responder MAC and
// report whether it reached DONE). It aggregates per-responder outcomes
// into a Result the same way ota.RunInitiator aggregates OTA outcomes.
// Responders that fail a round are retried on the next, up to
// RetryCount(len(targets)) rounds; whatever is still failing when the
// budget runs out lands in Result.Unfinished.
func RunInitiatorBatch(targets []addr.Mac, events SecEventSink, driveOne func(addr.Mac) error) Result {
	res := Result{Requested: targets}
	remaining := append([]addr.Mac(nil), targets...)
	for round := 0; round < RetryCount(len(targets)) && len(remaining) > 0; round++ {
		var failed []addr.Mac
		for _, batch := range Batch(remaining) {
			if events != nil {
				events.SecStarted()
			}
			for _, mac := range batch {
				if err := driveOne(mac); err != nil {
					failed = append(failed, mac)
					continue
				}
				res.Succeeded = append(res.Succeeded, mac)
			}
		}
		remaining = failed
	}
	res.Unfinished = remaining
	if events != nil && len(remaining) == 0 {
		events.SecFinish()
	}
	return res
}

// MsgKind tags which step of the CMD0/RESP0/CMD1/RESP1/KEY schedule a
// TypeSecurity payload carries. The original's SEC channel multiplexes
// every handshake step over one frame type; the first payload byte here
// plays the same role instead of a separate wire.Type per step.
type MsgKind uint8

const (
	MsgCmd0 MsgKind = iota
	MsgResp0
	MsgCmd1
	MsgResp1
	MsgKey
	MsgKeyResp
	MsgRequest
	MsgInfo
	MsgRest
)

// EncodeCmd0 packs the CMD0 message: the initiator's Curve25519 public key.
func EncodeCmd0(clientPub [32]byte) []byte {
	buf := make([]byte, 1+32)
	buf[0] = byte(MsgCmd0)
	copy(buf[1:], clientPub[:])
	return buf
}

// DecodeCmd0 is the inverse of EncodeCmd0.
func DecodeCmd0(payload []byte) (clientPub [32]byte, err error) {
	if len(payload) != 1+32 || MsgKind(payload[0]) != MsgCmd0 {
		return clientPub, errors.Wrap(espnowerr.ErrInvalidArg, "handshake: malformed cmd0")
	}
	copy(clientPub[:], payload[1:])
	return clientPub, nil
}

// EncodeResp0 packs the RESP0 message: {device_pub, device_random,
// verifier}.
func EncodeResp0(devicePub [32]byte, deviceRandom [16]byte, verifier []byte) []byte {
	buf := make([]byte, 1+32+16+len(verifier))
	buf[0] = byte(MsgResp0)
	copy(buf[1:33], devicePub[:])
	copy(buf[33:49], deviceRandom[:])
	copy(buf[49:], verifier)
	return buf
}

// DecodeResp0 is the inverse of EncodeResp0.
func DecodeResp0(payload []byte) (devicePub [32]byte, deviceRandom [16]byte, verifier []byte, err error) {
	if len(payload) < 49 || MsgKind(payload[0]) != MsgResp0 {
		return devicePub, deviceRandom, nil, errors.Wrap(espnowerr.ErrInvalidArg, "handshake: malformed resp0")
	}
	copy(devicePub[:], payload[1:33])
	copy(deviceRandom[:], payload[33:49])
	verifier = append([]byte(nil), payload[49:]...)
	return devicePub, deviceRandom, verifier, nil
}

// EncodeCmd1 packs the CMD1 message: the initiator's check value.
func EncodeCmd1(checkC []byte) []byte {
	buf := make([]byte, 1+len(checkC))
	buf[0] = byte(MsgCmd1)
	copy(buf[1:], checkC)
	return buf
}

// DecodeCmd1 is the inverse of EncodeCmd1.
func DecodeCmd1(payload []byte) (checkC []byte, err error) {
	if len(payload) < 1 || MsgKind(payload[0]) != MsgCmd1 {
		return nil, errors.Wrap(espnowerr.ErrInvalidArg, "handshake: malformed cmd1")
	}
	return append([]byte(nil), payload[1:]...), nil
}

// EncodeResp1 packs the RESP1 message: the responder's check value.
func EncodeResp1(checkD []byte) []byte {
	buf := make([]byte, 1+len(checkD))
	buf[0] = byte(MsgResp1)
	copy(buf[1:], checkD)
	return buf
}

// DecodeResp1 is the inverse of EncodeResp1.
func DecodeResp1(payload []byte) (checkD []byte, err error) {
	if len(payload) < 1 || MsgKind(payload[0]) != MsgResp1 {
		return nil, errors.Wrap(espnowerr.ErrInvalidArg, "handshake: malformed resp1")
	}
	return append([]byte(nil), payload[1:]...), nil
}

// EncodeKey packs the KEY message: the encrypted application key.
func EncodeKey(encKey []byte) []byte {
	buf := make([]byte, 1+len(encKey))
	buf[0] = byte(MsgKey)
	copy(buf[1:], encKey)
	return buf
}

// DecodeKey is the inverse of EncodeKey.
func DecodeKey(payload []byte) (encKey []byte, err error) {
	if len(payload) < 1 || MsgKind(payload[0]) != MsgKey {
		return nil, errors.Wrap(espnowerr.ErrInvalidArg, "handshake: malformed key")
	}
	return append([]byte(nil), payload[1:]...), nil
}

// EncodeKeyResp packs the empty KEY_RESP acknowledgement.
func EncodeKeyResp() []byte { return []byte{byte(MsgKeyResp)} }

// EncodeRequest packs the scan REQUEST broadcast: protocol version plus
// the initiator's MAC, so responders can filter their own echoes
// (espnow_sec_info_t in the original).
func EncodeRequest(clientMac addr.Mac) []byte {
	buf := make([]byte, 2+addr.Len)
	buf[0] = byte(MsgRequest)
	buf[1] = SecVer
	copy(buf[2:], clientMac[:])
	return buf
}

// DecodeRequest is the inverse of EncodeRequest.
func DecodeRequest(payload []byte) (secVer uint8, clientMac addr.Mac, err error) {
	if len(payload) != 2+addr.Len || MsgKind(payload[0]) != MsgRequest {
		return 0, clientMac, errors.Wrap(espnowerr.ErrInvalidArg, "handshake: malformed request")
	}
	copy(clientMac[:], payload[2:])
	return payload[1], clientMac, nil
}

// EncodeInfo packs a responder's INFO answer: its protocol version and
// the client MAC it is currently bound to (zero when idle).
func EncodeInfo(clientMac addr.Mac) []byte {
	buf := make([]byte, 2+addr.Len)
	buf[0] = byte(MsgInfo)
	buf[1] = SecVer
	copy(buf[2:], clientMac[:])
	return buf
}

// DecodeInfo is the inverse of EncodeInfo.
func DecodeInfo(payload []byte) (secVer uint8, clientMac addr.Mac, err error) {
	if len(payload) != 2+addr.Len || MsgKind(payload[0]) != MsgInfo {
		return 0, clientMac, errors.Wrap(espnowerr.ErrInvalidArg, "handshake: malformed info")
	}
	copy(clientMac[:], payload[2:])
	return payload[1], clientMac, nil
}

// EncodeRest packs the REST message that tears down a responder's
// current session so a new initiator can claim it.
func EncodeRest() []byte { return []byte{byte(MsgRest)} }

// Scanner collects INFO replies during the scan phase, keeping the first
// answer per responder MAC.
type Scanner struct {
	self addr.Mac

	mu    sync.Mutex
	found map[addr.Mac]uint8
}

func NewScanner(self addr.Mac) *Scanner {
	return &Scanner{self: self, found: make(map[addr.Mac]uint8)}
}

// HandleInfo records one responder's INFO reply; duplicates and replies
// carrying this initiator's own MAC as source are ignored.
func (s *Scanner) HandleInfo(src addr.Mac, secVer uint8) {
	if src.Equal(s.self) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.found[src]; !ok {
		s.found[src] = secVer
	}
}

// Results returns a snapshot of the responders heard so far.
func (s *Scanner) Results() []addr.Mac {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]addr.Mac, 0, len(s.found))
	for mac := range s.found {
		out = append(out, mac)
	}
	return out
}

// Run drives the scan phase: broadcast a REQUEST each round (via the
// caller-supplied send closure), pause for replies to land in
// HandleInfo, and return everything heard.
func (s *Scanner) Run(rounds int, interval time.Duration, broadcast func([]byte) error) ([]addr.Mac, error) {
	for round := 0; round < rounds; round++ {
		if err := broadcast(EncodeRequest(s.self)); err != nil {
			return nil, errors.Wrap(err, "handshake: scan request")
		}
		time.Sleep(interval)
	}
	return s.Results(), nil
}
