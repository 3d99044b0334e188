package health

import (
	"fmt"
	"sync"
)

// PowerMode is the device's power profile, ordered from most to least
// power-hungry.
type PowerMode string

const (
	PowerModePerformance PowerMode = "performance"
	PowerModeBalanced    PowerMode = "balanced"
	PowerModeSaver       PowerMode = "saver"
)

// stepDown maps each mode to the next lower one. Saver is the floor.
var stepDown = map[PowerMode]PowerMode{
	PowerModePerformance: PowerModeBalanced,
	PowerModeBalanced:    PowerModeSaver,
	PowerModeSaver:       PowerModeSaver,
}

// PowerState is a reading of the device's power situation.
type PowerState struct {
	BatteryPercent float64   `json:"battery_percent"`
	Charging       bool      `json:"charging"`
	Throttled      bool      `json:"throttled"`
	Mode           PowerMode `json:"mode"`
}

// PowerManager abstracts the device power subsystem. The production
// implementation talks to the platform; tests and desktop builds use the
// simulated one.
type PowerManager interface {
	// State returns the current power reading.
	State() PowerState

	// SetMode switches the power profile.
	SetMode(mode PowerMode) error
}

// SimulatedPowerManager is an in-memory PowerManager for hosts without a
// battery. It starts fully charged in balanced mode.
type SimulatedPowerManager struct {
	mu    sync.Mutex
	state PowerState
}

// NewSimulatedPowerManager creates a simulated power manager.
func NewSimulatedPowerManager() *SimulatedPowerManager {
	return &SimulatedPowerManager{
		state: PowerState{
			BatteryPercent: 100,
			Charging:       true,
			Mode:           PowerModeBalanced,
		},
	}
}

// State returns the current simulated reading.
func (p *SimulatedPowerManager) State() PowerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetMode switches the simulated power profile.
func (p *SimulatedPowerManager) SetMode(mode PowerMode) error {
	if _, ok := stepDown[mode]; !ok {
		return fmt.Errorf("unknown power mode %q", mode)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Mode = mode
	return nil
}

// SetState replaces the whole simulated reading. Test hook.
func (p *SimulatedPowerManager) SetState(state PowerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
}
