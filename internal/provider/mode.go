package provider

import "time"

type Mode string

const (
	// ModeSimulation never contacts the provider.
	ModeSimulation Mode = "simulation"
	// ModeProduction sends through the live transport.
	ModeProduction Mode = "production"
)

// State is the process-wide provider mode. It only changes through
// Facade.transition.
//
//	simulation --Verify ok--> production
//	production --send fails / Verify fails--> simulation (sticky)
type State struct {
	Mode       Mode      `json:"mode"`
	Configured bool      `json:"configured"`
	Verified   bool      `json:"verified"`
	Reason     string    `json:"reason,omitempty"`
	Since      time.Time `json:"since"`
}

func (s State) Production() bool { return s.Mode == ModeProduction }
