// Package espnowerr defines the error kinds shared by every espnow
// subsystem (§7 of the spec). Each kind is a sentinel that callers compare
// against with errors.Is; subsystem code wraps them with context via
// github.com/pkg/errors so the original kind survives errors.Cause/Is
// across the transport -> handshake/OTA -> host call chain.
package espnowerr

import "github.com/pkg/errors"

var (
	// ErrInvalidArg: null pointer, length out of range, malformed MAC.
	ErrInvalidArg = errors.New("espnow: invalid argument")
	// ErrNotInit: API called before Init or after Deinit.
	ErrNotInit = errors.New("espnow: not initialized")
	// ErrTimeout: send_mutex, send-complete, or ACK wait elapsed.
	ErrTimeout = errors.New("espnow: timeout")
	// ErrSendPacketLoss: a send used up its retransmit attempts without
	// success (transport Core.Send).
	ErrSendPacketLoss = errors.New("espnow: packet loss, retransmit attempts exhausted")
	// ErrDeviceNoExist: OTA STATUS round received zero responses.
	ErrDeviceNoExist = errors.New("espnow: no responding device")
	// ErrFirmwareIncomplete: OTA finished all retries but unfinished != empty.
	ErrFirmwareIncomplete = errors.New("espnow: firmware incomplete")
	// ErrFirmwareDownload: partition write failed.
	ErrFirmwareDownload = errors.New("espnow: firmware download failed")
	// ErrFirmwarePartition: no valid inactive partition.
	ErrFirmwarePartition = errors.New("espnow: no partition available")
	// ErrOTAStop: explicit stop requested.
	ErrOTAStop = errors.New("espnow: ota stopped")
	// ErrOTAFinish: same-image / already-finished detection.
	ErrOTAFinish = errors.New("espnow: ota finished")
	// ErrNoMem: allocation failure.
	ErrNoMem = errors.New("espnow: no memory")
	// ErrAEADFail: GCM tag mismatch.
	ErrAEADFail = errors.New("espnow: aead authentication failed")
	// ErrInvalidState: a handshake/OTA state machine saw an out-of-order message.
	ErrInvalidState = errors.New("espnow: invalid state transition")
	// ErrDuplicate: frame rejected by the dedupe cache.
	ErrDuplicate = errors.New("espnow: duplicate frame")
)
