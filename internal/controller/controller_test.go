package controller

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/CyberMesh/defense-agent/internal/control"
	"github.com/CyberMesh/defense-agent/internal/event"
	"github.com/CyberMesh/defense-agent/internal/iplist"
	"github.com/CyberMesh/defense-agent/internal/policy"
	"github.com/CyberMesh/defense-agent/internal/storage"
	"github.com/CyberMesh/defense-agent/internal/waf"
)

type controllerHarness struct {
	controller *Controller
	rules      *waf.RuleSet
	classifier *iplist.Classifier
	killSwitch *control.KillSwitch
	events     *event.Store
	priv       ed25519.PrivateKey
	pub        ed25519.PublicKey
}

func newControllerHarness(t *testing.T) *controllerHarness {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	rules, err := waf.NewRuleSet([]waf.Rule{
		{
			ID:       "xss-script-tag",
			Name:     "Script tag injection",
			Pattern:  `<\s*script[^>]*>`,
			Severity: waf.SeverityCritical,
			Action:   waf.ActionBlock,
			Enabled:  true,
		},
	})
	require.NoError(t, err)

	classifier, err := iplist.New(iplist.Options{FailOpen: true})
	require.NoError(t, err)

	kill := control.NewKillSwitch(false)
	events := event.NewStore(event.StoreOptions{Sink: storage.NewMemory(storage.MemoryOptions{}), Logger: zap.NewNop()})

	ctrl, err := New(Options{
		Trust:      policy.NewTrustedKeys(pub),
		Rules:      rules,
		Classifier: classifier,
		KillSwitch: kill,
		Events:     events,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)

	return &controllerHarness{
		controller: ctrl,
		rules:      rules,
		classifier: classifier,
		killSwitch: kill,
		events:     events,
		priv:       priv,
		pub:        pub,
	}
}

func (h *controllerHarness) message(t *testing.T, kind string, payload map[string]any) *sarama.ConsumerMessage {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	hash := sha256.Sum256(body)
	env := policy.Envelope{
		Kind:        kind,
		Payload:     body,
		PayloadHash: hash[:],
		Timestamp:   time.Now().Unix(),
		ProducerID:  "control-plane-1",
		Pubkey:      h.pub,
	}
	env.Signature = ed25519.Sign(h.priv, policy.SigningMessage(&env))
	value, err := json.Marshal(env)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Value: value}
}

func TestHandleMessageTogglesRule(t *testing.T) {
	h := newControllerHarness(t)

	msg := h.message(t, "waf_rule", map[string]any{
		"command_id": "cmd-100",
		"rule_id":    "xss-script-tag",
		"enabled":    false,
	})
	require.NoError(t, h.controller.HandleMessage(context.Background(), msg))

	assert.Empty(t, h.rules.Enabled())
	assert.Equal(t, map[string]bool{"xss-script-tag": false}, h.controller.RuleOverrides())

	recent := h.events.Recent(time.Minute)
	require.Len(t, recent, 1)
	assert.Equal(t, event.TypeControlCommand, recent[0].Type)
	assert.Equal(t, "cmd-100", recent[0].Metadata.Extra["command_id"])
}

func TestHandleMessageUnknownRuleFails(t *testing.T) {
	h := newControllerHarness(t)

	msg := h.message(t, "waf_rule", map[string]any{
		"command_id": "cmd-101",
		"rule_id":    "no-such-rule",
		"enabled":    false,
	})
	require.Error(t, h.controller.HandleMessage(context.Background(), msg))
}

func TestHandleMessageReplacesIPTables(t *testing.T) {
	h := newControllerHarness(t)

	msg := h.message(t, "ip_list", map[string]any{
		"command_id": "cmd-102",
		"blacklist":  []string{"203.0.113.9"},
	})
	require.NoError(t, h.controller.HandleMessage(context.Background(), msg))

	res := h.classifier.Classify("203.0.113.9")
	assert.Equal(t, iplist.DecisionDeny, res.Decision)
}

func TestHandleMessageFlipsKillSwitch(t *testing.T) {
	h := newControllerHarness(t)

	msg := h.message(t, "kill_switch", map[string]any{
		"command_id": "cmd-103",
		"disabled":   true,
	})
	require.NoError(t, h.controller.HandleMessage(context.Background(), msg))
	assert.True(t, h.killSwitch.Enabled())
}

func TestHandleMessageSkipsUntrustedSigner(t *testing.T) {
	h := newControllerHarness(t)

	roguePub, roguePriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	rogue := &controllerHarness{priv: roguePriv, pub: roguePub}
	msg := rogue.message(t, "kill_switch", map[string]any{
		"command_id": "cmd-104",
		"disabled":   true,
	})

	require.NoError(t, h.controller.HandleMessage(context.Background(), msg))
	assert.False(t, h.killSwitch.Enabled())
}

func TestHandleMessageDedupsReplays(t *testing.T) {
	h := newControllerHarness(t)

	msg := h.message(t, "waf_rule", map[string]any{
		"command_id": "cmd-105",
		"rule_id":    "xss-script-tag",
		"enabled":    false,
	})
	require.NoError(t, h.controller.HandleMessage(context.Background(), msg))

	h.rules.SetEnabled("xss-script-tag", true)
	require.NoError(t, h.controller.HandleMessage(context.Background(), msg))

	// Replay with identical content is a no-op; the manual re-enable
	// above must survive.
	assert.Len(t, h.rules.Enabled(), 1)
}

func TestRestoreOverrides(t *testing.T) {
	h := newControllerHarness(t)

	h.controller.RestoreOverrides(map[string]bool{
		"xss-script-tag": false,
		"no-such-rule":   true,
	})

	assert.Empty(t, h.rules.Enabled())
	assert.Equal(t, map[string]bool{"xss-script-tag": false}, h.controller.RuleOverrides())
}
