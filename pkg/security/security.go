// Package security implements the AEAD layer that protects traffic once
// a key has been distributed (component E): AES-GCM with a 128-bit tag,
// fresh per-call IVs, and a KeyStore with two independent slots
// (encrypt, decrypt) so a node can roll its outbound key while still
// decrypting under the old one (espnow_set_key/_dec_key in the original).
//
// AES-GCM is used, not the chacha20poly1305 AEAD the wireguard-go
// examples favor, because spec.md §4.E/§6 pins the wire format to
// AES-GCM (mirroring the original's hardware-accelerated mbedTLS AES-GCM
// on the ESP32); see SPEC_FULL.md §2 and DESIGN.md for the justification.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"

	"github.com/espressif/esp-now-sub000/pkg/espnowerr"
	"github.com/espressif/esp-now-sub000/pkg/nvs"
)

// KeyLen is the application key size (32 bytes, §3 ApplicationKey).
const KeyLen = 32

// IVLen is the trailing nonce every secure frame carries on the wire.
const IVLen = 16

// TagLen is the AES-GCM authentication tag length.
const TagLen = 16

// NVS namespaces/keys for the two independent key slots (§6).
const (
	Namespace    = "espnow_security"
	KeyInfoKey   = "key_info"
	DecKeyInfoKey = "dec_key_info"
)

// ApplicationKey is the 32-byte symmetric key distributed by the
// handshake engine.
type ApplicationKey [KeyLen]byte

// Session wraps one 32-byte application key for AES-GCM encrypt/decrypt.
// A node keeps up to two Sessions: one for outbound (encrypt) traffic,
// one for inbound (decrypt) traffic, so a key can be rolled on one side
// without losing the ability to read frames still arriving under the old
// key.
type Session struct {
	key ApplicationKey
	gcm cipher.AEAD
}

// NewSession builds an AES-GCM session over key.
func NewSession(key ApplicationKey) (*Session, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "security: aes cipher")
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagLen)
	if err != nil {
		return nil, errors.Wrap(err, "security: gcm")
	}
	return &Session{key: key, gcm: gcm}, nil
}

// AuthEncrypt encrypts plaintext and returns ciphertext||tag||iv, ready
// to drop straight into a secure frame's payload (§4.E). The IV is fresh
// per call.
func (s *Session) AuthEncrypt(plaintext []byte) ([]byte, error) {
	iv := make([]byte, IVLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "security: generate iv")
	}
	// AES-GCM wants a 12-byte nonce; derive it from the 16-byte wire IV
	// so the public wire format stays a full 16-byte IV as specified,
	// while the nonce fed to the cipher is the conventional GCM size.
	nonce := iv[:s.gcm.NonceSize()]
	ciphertext := s.gcm.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(ciphertext)+IVLen)
	out = append(out, ciphertext...)
	out = append(out, iv...)
	return out, nil
}

// AuthDecrypt recovers the plaintext from ciphertext||tag||iv. Returns
// ErrAEADFail if the tag does not verify; the caller MUST drop the frame
// on failure rather than surface partial plaintext.
func (s *Session) AuthDecrypt(ctxtAndIV []byte) ([]byte, error) {
	if len(ctxtAndIV) < IVLen+TagLen {
		return nil, errors.Wrap(espnowerr.ErrAEADFail, "security: frame too short")
	}
	iv := ctxtAndIV[len(ctxtAndIV)-IVLen:]
	ciphertext := ctxtAndIV[:len(ctxtAndIV)-IVLen]
	nonce := iv[:s.gcm.NonceSize()]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(espnowerr.ErrAEADFail, "security: gcm tag mismatch")
	}
	return plaintext, nil
}

// UsablePayload is the largest plaintext that still fits a secure frame
// within wire.MaxPayloadSize once the tag and IV are appended (§6: 230 -
// 16 (IV) - 16 (tag) = 198 bytes).
const UsablePayload = 230 - IVLen - TagLen

// KeyStore persists the two independent application-key slots.
type KeyStore struct {
	store nvs.Store
}

func NewKeyStore(store nvs.Store) *KeyStore {
	return &KeyStore{store: store}
}

func (k *KeyStore) SetEncryptKey(key ApplicationKey) error {
	return k.store.Set(Namespace, KeyInfoKey, key)
}

func (k *KeyStore) GetEncryptKey() (ApplicationKey, bool, error) {
	var key ApplicationKey
	ok, err := k.store.Get(Namespace, KeyInfoKey, &key)
	return key, ok, err
}

func (k *KeyStore) EraseEncryptKey() error {
	return k.store.Erase(Namespace, KeyInfoKey)
}

func (k *KeyStore) SetDecryptKey(key ApplicationKey) error {
	return k.store.Set(Namespace, DecKeyInfoKey, key)
}

func (k *KeyStore) GetDecryptKey() (ApplicationKey, bool, error) {
	var key ApplicationKey
	ok, err := k.store.Get(Namespace, DecKeyInfoKey, &key)
	return key, ok, err
}

func (k *KeyStore) EraseDecryptKey() error {
	return k.store.Erase(Namespace, DecKeyInfoKey)
}
