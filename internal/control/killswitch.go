package control

import "sync/atomic"

// KillSwitch manages a runtime toggle that bypasses WAF inspection.
type KillSwitch struct {
	state atomic.Bool
}

// NewKillSwitch creates a kill switch with the provided default state.
func NewKillSwitch(enabled bool) *KillSwitch {
	ks := &KillSwitch{}
	ks.state.Store(enabled)
	return ks
}

// Enable disables inspection.
func (k *KillSwitch) Enable() {
	k.state.Store(true)
}

// Disable restores inspection.
func (k *KillSwitch) Disable() {
	k.state.Store(false)
}

// Enabled reports whether inspection is currently disabled.
func (k *KillSwitch) Enabled() bool {
	return k.state.Load()
}

// Set toggles the state directly.
func (k *KillSwitch) Set(enabled bool) {
	if enabled {
		k.Enable()
	} else {
		k.Disable()
	}
}
