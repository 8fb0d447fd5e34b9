package policy

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedEnvelope(t *testing.T, priv ed25519.PrivateKey, pub ed25519.PublicKey, kind string, payload map[string]any) *Envelope {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	hash := sha256.Sum256(body)
	env := &Envelope{
		Kind:        kind,
		Payload:     body,
		PayloadHash: hash[:],
		Timestamp:   time.Now().Unix(),
		ProducerID:  "control-plane-1",
		Pubkey:      pub,
	}
	env.Signature = ed25519.Sign(priv, SigningMessage(env))
	return env
}

func TestVerifyAndParseKillSwitch(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	trust := NewTrustedKeys(pub)

	env := signedEnvelope(t, priv, pub, "kill_switch", map[string]any{
		"command_id": "cmd-001",
		"disabled":   true,
	})

	evt, err := trust.VerifyAndParse(env)
	require.NoError(t, err)
	assert.Equal(t, "cmd-001", evt.Spec.ID)
	assert.Equal(t, KindKillSwitch, evt.Spec.Kind)
	require.NotNil(t, evt.Spec.KillSwitch)
	assert.True(t, evt.Spec.KillSwitch.Disabled)
}

func TestVerifyRejectsUnknownSigner(t *testing.T) {
	trustedPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	roguePub, roguePriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	trust := NewTrustedKeys(trustedPub)
	env := signedEnvelope(t, roguePriv, roguePub, "kill_switch", map[string]any{
		"command_id": "cmd-002",
		"disabled":   true,
	})

	_, err = trust.VerifyAndParse(env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown signer")
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	trust := NewTrustedKeys(pub)

	env := signedEnvelope(t, priv, pub, "waf_rule", map[string]any{
		"command_id": "cmd-003",
		"rule_id":    "xss-script-tag",
		"enabled":    false,
	})
	env.Payload = json.RawMessage(`{"command_id":"cmd-003","rule_id":"xss-script-tag","enabled":true}`)

	_, err = trust.VerifyAndParse(env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	trust := NewTrustedKeys(pub)

	env := signedEnvelope(t, priv, pub, "kill_switch", map[string]any{
		"command_id": "cmd-004",
		"disabled":   false,
	})
	env.Signature[0] ^= 0xff

	_, err = trust.VerifyAndParse(env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature verification failed")
}

func TestParseSpecWAFRuleRequiresRuleID(t *testing.T) {
	_, err := ParseSpec("waf_rule", []byte(`{"command_id":"cmd-005","enabled":true}`), time.Now().Unix())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule_id")
}

func TestParseSpecIPList(t *testing.T) {
	payload := []byte(`{
		"command_id": "cmd-006",
		"whitelist": ["10.0.0.0/8"],
		"blacklist": ["203.0.113.9"],
		"patterns": [
			{"pattern": "198.51.100.0/24", "kind": "blacklist", "priority": 10, "active": true, "expires_at": 1790000000}
		]
	}`)

	spec, err := ParseSpec("ip_list", payload, time.Now().Unix())
	require.NoError(t, err)
	require.NotNil(t, spec.IPList)
	assert.Equal(t, []string{"10.0.0.0/8"}, spec.IPList.Whitelist)
	assert.Equal(t, []string{"203.0.113.9"}, spec.IPList.Blacklist)
	require.Len(t, spec.IPList.Patterns, 1)
	assert.Equal(t, "198.51.100.0/24", spec.IPList.Patterns[0].Pattern)
	assert.Equal(t, time.Unix(1790000000, 0).UTC(), spec.IPList.Patterns[0].ExpiresAt)
}

func TestParseSpecAlertRulesRejectsInvalidRule(t *testing.T) {
	payload := []byte(`{
		"command_id": "cmd-007",
		"rules": [
			{"id": "", "name": "broken", "event_type": "waf_violation", "severity": "high", "threshold": 1, "time_window_seconds": 60, "active": true}
		]
	}`)

	_, err := ParseSpec("alert_rules", payload, time.Now().Unix())
	require.Error(t, err)
}

func TestParseSpecUnsupportedKind(t *testing.T) {
	_, err := ParseSpec("reboot_host", []byte(`{"command_id":"cmd-008"}`), time.Now().Unix())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported command kind")
}

func TestLoadTrustedKeysFromDir(t *testing.T) {
	dir := t.TempDir()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "producer.pem"), pemBytes, 0o600))

	trust, err := LoadTrustedKeys(dir)
	require.NoError(t, err)
	require.NotNil(t, trust)
	assert.Len(t, trust.keys, 1)
}

func TestLoadTrustedKeysEmptyDirFails(t *testing.T) {
	_, err := LoadTrustedKeys(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trust store empty")
}
