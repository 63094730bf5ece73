package handshake

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"

	"github.com/espressif/esp-now-sub000/pkg/addr"
	"github.com/espressif/esp-now-sub000/pkg/security"
)

func runFullHandshake(t *testing.T, pop []byte) (*InitiatorSession, *ResponderSession) {
	t.Helper()
	device := addr.Mac{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x01}

	init, err := NewInitiatorSession(device, pop)
	if err != nil {
		t.Fatalf("NewInitiatorSession: %v", err)
	}
	resp, err := NewResponderSession(device, init.ClientPub(), pop)
	if err != nil {
		t.Fatalf("NewResponderSession: %v", err)
	}

	devicePub, deviceRandom, verifier, err := resp.Resp0()
	if err != nil {
		t.Fatalf("Resp0: %v", err)
	}
	checkC, err := init.HandleResp0(devicePub, deviceRandom, verifier)
	if err != nil {
		t.Fatalf("HandleResp0: %v", err)
	}
	checkD, err := resp.HandleCmd1(checkC)
	if err != nil {
		t.Fatalf("HandleCmd1: %v", err)
	}
	if err := init.HandleResp1(checkD); err != nil {
		t.Fatalf("HandleResp1: %v", err)
	}
	if init.State != StateDone || resp.State != StateDone {
		t.Fatalf("expected both sessions DONE, got init=%v resp=%v", init.State, resp.State)
	}
	return init, resp
}

func TestHandshakeFullRoundTrip(t *testing.T) {
	runFullHandshake(t, []byte("proof-of-possession-secret"))
}

func TestHandshakeTranscriptIDMatches(t *testing.T) {
	init, resp := runFullHandshake(t, []byte("transcript-pop"))
	if init.TranscriptID() != resp.TranscriptID() {
		t.Fatal("initiator and responder transcript IDs should match after a successful handshake")
	}

	_, other := runFullHandshake(t, []byte("transcript-pop"))
	if init.TranscriptID() == other.TranscriptID() {
		t.Fatal("independent sessions should not share a transcript ID (distinct ephemeral keys)")
	}
}

func TestHandshakeKeyDelivery(t *testing.T) {
	init, resp := runFullHandshake(t, []byte("pop"))

	var want security.ApplicationKey
	copy(want[:], bytes.Repeat([]byte{0x42}, security.KeyLen))

	encKey, err := init.EncryptKey(want)
	if err != nil {
		t.Fatalf("EncryptKey: %v", err)
	}
	got, err := resp.DecryptKey(encKey)
	if err != nil {
		t.Fatalf("DecryptKey: %v", err)
	}
	if got != want {
		t.Fatal("delivered key does not match what initiator sent")
	}
}

func TestHandshakePopMismatchRejected(t *testing.T) {
	device := addr.Mac{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x02}
	init, err := NewInitiatorSession(device, []byte("client-pop"))
	if err != nil {
		t.Fatalf("NewInitiatorSession: %v", err)
	}
	resp, err := NewResponderSession(device, init.ClientPub(), []byte("device-pop"))
	if err != nil {
		t.Fatalf("NewResponderSession: %v", err)
	}

	devicePub, deviceRandom, verifier, err := resp.Resp0()
	if err != nil {
		t.Fatalf("Resp0: %v", err)
	}
	if _, err := init.HandleResp0(devicePub, deviceRandom, verifier); err == nil {
		t.Fatal("expected verifier mismatch when PoP differs")
	}
}

func TestHandshakeCmd1WrongState(t *testing.T) {
	device := addr.Mac{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x03}
	resp, err := NewResponderSession(device, [32]byte{}, []byte("pop"))
	if err != nil {
		t.Fatalf("NewResponderSession: %v", err)
	}
	resp.State = StateDone
	if _, err := resp.HandleCmd1([]byte("anything")); err == nil {
		t.Fatal("expected INVALID_STATE when CMD1 arrives outside WAIT_RESP1")
	}
}

func TestBatchSplitsAtMaxBatch(t *testing.T) {
	targets := make([]addr.Mac, MaxBatch+37)
	for i := range targets {
		targets[i] = addr.Mac{byte(i), byte(i >> 8)}
	}
	batches := Batch(targets)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if len(batches[0]) != MaxBatch {
		t.Fatalf("first batch should be exactly MaxBatch, got %d", len(batches[0]))
	}
	if len(batches[1]) != 37 {
		t.Fatalf("second batch should hold the remainder, got %d", len(batches[1]))
	}
}

func TestBatchEmpty(t *testing.T) {
	if b := Batch(nil); b != nil {
		t.Fatalf("expected nil batches for no targets, got %v", b)
	}
}

func TestRunInitiatorBatchPostsSecStartedPerBatch(t *testing.T) {
	targets := make([]addr.Mac, MaxBatch+1)
	for i := range targets {
		targets[i] = addr.Mac{byte(i), byte(i >> 8)}
	}

	var starts int
	sink := secEventCounter{started: &starts}
	res := RunInitiatorBatch(targets, sink, func(addr.Mac) error { return nil })

	if starts != 2 {
		t.Fatalf("expected SecStarted posted once per batch (2 batches), got %d", starts)
	}
	if len(res.Succeeded) != len(targets) {
		t.Fatalf("expected every target to succeed, got %d", len(res.Succeeded))
	}
}

type secEventCounter struct{ started *int }

func (s secEventCounter) SecStarted() { *s.started++ }
func (s secEventCounter) SecFinish()  {}
func (s secEventCounter) SecStopped() {}

func TestRetryCountScalesWithBatch(t *testing.T) {
	cases := []struct{ n, want int }{
		{1, 3},
		{MaxBatch, 3},
		{MaxBatch + 1, 4},
		{5 * MaxBatch, 7},
	}
	for _, c := range cases {
		if got := RetryCount(c.n); got != c.want {
			t.Fatalf("RetryCount(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestRunInitiatorBatchRetriesFailures(t *testing.T) {
	flaky := addr.Mac{1, 0, 0, 0, 0, 0}
	steady := addr.Mac{2, 0, 0, 0, 0, 0}

	attempts := make(map[addr.Mac]int)
	res := RunInitiatorBatch([]addr.Mac{flaky, steady}, nil, func(mac addr.Mac) error {
		attempts[mac]++
		if mac == flaky && attempts[mac] == 1 {
			return errTransient
		}
		return nil
	})

	if len(res.Unfinished) != 0 {
		t.Fatalf("flaky responder should succeed on retry, unfinished = %v", res.Unfinished)
	}
	if len(res.Succeeded) != 2 {
		t.Fatalf("expected both responders to succeed, got %d", len(res.Succeeded))
	}
	if attempts[flaky] != 2 || attempts[steady] != 1 {
		t.Fatalf("expected the failed responder retried exactly once, got %v", attempts)
	}
}

var errTransient = errors.New("transient send failure")

func TestScanRequestInfoWireRoundTrip(t *testing.T) {
	client := addr.Mac{0xaa, 0xbb, 0xcc, 0, 0, 9}

	ver, mac, err := DecodeRequest(EncodeRequest(client))
	if err != nil || ver != SecVer || mac != client {
		t.Fatalf("request round trip: ver=%d mac=%v err=%v", ver, mac, err)
	}

	ver, mac, err = DecodeInfo(EncodeInfo(client))
	if err != nil || ver != SecVer || mac != client {
		t.Fatalf("info round trip: ver=%d mac=%v err=%v", ver, mac, err)
	}

	if _, _, err := DecodeRequest(EncodeInfo(client)); err == nil {
		t.Fatal("request decode must reject an INFO payload")
	}
}

func TestScannerFiltersSelfAndDuplicates(t *testing.T) {
	self := addr.Mac{1, 2, 3, 4, 5, 6}
	other := addr.Mac{6, 5, 4, 3, 2, 1}

	s := NewScanner(self)
	s.HandleInfo(self, SecVer)
	s.HandleInfo(other, SecVer)
	s.HandleInfo(other, SecVer)

	got := s.Results()
	if len(got) != 1 || got[0] != other {
		t.Fatalf("expected exactly the one remote responder, got %v", got)
	}
}

func TestScannerRunBroadcastsRequestEachRound(t *testing.T) {
	self := addr.Mac{7, 7, 7, 7, 7, 7}
	s := NewScanner(self)
	var requests int
	_, err := s.Run(ScanRounds, 0, func(buf []byte) error {
		if MsgKind(buf[0]) != MsgRequest {
			t.Fatalf("scan must broadcast REQUEST messages, got kind %d", buf[0])
		}
		requests++
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if requests != ScanRounds {
		t.Fatalf("expected %d REQUEST broadcasts, got %d", ScanRounds, requests)
	}
}

func TestHandshakeMessageWireRoundTrip(t *testing.T) {
	clientPub := [32]byte{1, 2, 3}
	if got, err := DecodeCmd0(EncodeCmd0(clientPub)); err != nil || got != clientPub {
		t.Fatalf("cmd0 round trip: got %v err %v", got, err)
	}

	devicePub := [32]byte{4, 5, 6}
	deviceRandom := [16]byte{7, 8, 9}
	verifier := []byte("verifier-bytes")
	gotPub, gotRand, gotVerifier, err := DecodeResp0(EncodeResp0(devicePub, deviceRandom, verifier))
	if err != nil || gotPub != devicePub || gotRand != deviceRandom || !bytes.Equal(gotVerifier, verifier) {
		t.Fatalf("resp0 round trip mismatch: %v %v %v err=%v", gotPub, gotRand, gotVerifier, err)
	}

	checkC := []byte("check-c")
	if got, err := DecodeCmd1(EncodeCmd1(checkC)); err != nil || !bytes.Equal(got, checkC) {
		t.Fatalf("cmd1 round trip: got %v err %v", got, err)
	}

	checkD := []byte("check-d")
	if got, err := DecodeResp1(EncodeResp1(checkD)); err != nil || !bytes.Equal(got, checkD) {
		t.Fatalf("resp1 round trip: got %v err %v", got, err)
	}

	encKey := []byte("encrypted-key-bytes")
	if got, err := DecodeKey(EncodeKey(encKey)); err != nil || !bytes.Equal(got, encKey) {
		t.Fatalf("key round trip: got %v err %v", got, err)
	}
}
