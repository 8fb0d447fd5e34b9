package policy

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// signingDomain separates control-channel signatures from any other use
// of the producer keys.
const signingDomain = "defense.control.v1"

// Envelope is the wire form of one control command.
type Envelope struct {
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash []byte          `json:"payload_hash"`
	Timestamp   int64           `json:"timestamp"`
	ProducerID  string          `json:"producer_id"`
	Pubkey      []byte          `json:"pubkey"`
	Signature   []byte          `json:"signature"`
}

// Event wraps a verified envelope plus its parsed command.
type Event struct {
	Envelope *Envelope
	Spec     CommandSpec
}

// TrustedKeys stores producer public keys keyed by raw bytes.
type TrustedKeys struct {
	keys map[string]ed25519.PublicKey
}

// NewTrustedKeys constructs an in-memory trust store from provided public keys.
func NewTrustedKeys(keys ...ed25519.PublicKey) *TrustedKeys {
	store := &TrustedKeys{keys: make(map[string]ed25519.PublicKey, len(keys))}
	for _, key := range keys {
		if len(key) != ed25519.PublicKeySize {
			continue
		}
		copyKey := make(ed25519.PublicKey, ed25519.PublicKeySize)
		copy(copyKey, key)
		store.keys[string(copyKey)] = copyKey
	}
	return store
}

// LoadTrustedKeys loads all PEM-encoded Ed25519 public keys from dir.
func LoadTrustedKeys(dir string) (*TrustedKeys, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("policy: trust dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("policy: trust dir %s is not directory", dir)
	}

	store := &TrustedKeys{keys: make(map[string]ed25519.PublicKey)}
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Ext(path) != ".pem" {
			return nil
		}
		pemBytes, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		block, _ := pem.Decode(pemBytes)
		if block == nil {
			return fmt.Errorf("policy: trust store invalid pem %s", path)
		}
		pub, parseErr := x509.ParsePKIXPublicKey(block.Bytes)
		if parseErr != nil {
			return fmt.Errorf("policy: parse pubkey %s: %w", path, parseErr)
		}
		edKey, ok := pub.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("policy: key %s not ed25519", path)
		}
		store.keys[string(edKey)] = edKey
		return nil
	}); err != nil {
		return nil, err
	}

	if len(store.keys) == 0 {
		return nil, errors.New("policy: trust store empty")
	}

	return store, nil
}

// VerifyAndParse validates the signature and payload hash, then parses
// the command. Only envelopes signed by a trusted producer key are
// accepted.
func (t *TrustedKeys) VerifyAndParse(env *Envelope) (Event, error) {
	if t == nil {
		return Event{}, errors.New("policy: trusted store nil")
	}
	if env == nil {
		return Event{}, errors.New("policy: envelope nil")
	}

	if len(env.Pubkey) != ed25519.PublicKeySize {
		return Event{}, errors.New("policy: pubkey size invalid")
	}
	pub, ok := t.keys[string(env.Pubkey)]
	if !ok {
		return Event{}, errors.New("policy: unknown signer")
	}

	if len(env.Signature) != ed25519.SignatureSize {
		return Event{}, errors.New("policy: signature size invalid")
	}

	if !ed25519.Verify(pub, SigningMessage(env), env.Signature) {
		return Event{}, errors.New("policy: signature verification failed")
	}

	if len(env.PayloadHash) != sha256.Size {
		return Event{}, errors.New("policy: payload hash invalid length")
	}
	if !hashMatches(env.Payload, env.PayloadHash) {
		return Event{}, errors.New("policy: payload hash mismatch")
	}

	spec, err := ParseSpec(env.Kind, env.Payload, env.Timestamp)
	if err != nil {
		return Event{}, err
	}

	return Event{Envelope: env, Spec: spec}, nil
}

// SigningMessage builds the byte string both producer and agent sign
// over: domain tag, kind, timestamp and the payload hash.
func SigningMessage(env *Envelope) []byte {
	msg := make([]byte, 0, len(signingDomain)+len(env.Kind)+len(env.PayloadHash)+24)
	msg = append(msg, signingDomain...)
	msg = append(msg, '\n')
	msg = append(msg, env.Kind...)
	msg = append(msg, '\n')
	msg = strconv.AppendInt(msg, env.Timestamp, 10)
	msg = append(msg, '\n')
	msg = append(msg, env.PayloadHash...)
	return msg
}

func hashMatches(payload, expected []byte) bool {
	if len(expected) != sha256.Size {
		return false
	}
	sum := sha256.Sum256(payload)
	for i := range sum {
		if sum[i] != expected[i] {
			return false
		}
	}
	return true
}
