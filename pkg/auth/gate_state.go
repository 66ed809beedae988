package auth

import (
	"fmt"
	"sync"
)

// GateState is a position in the per-request authentication state machine.
//
//	NoCredential → Classified → Verified → Provisioned → ContextInstalled
//	NoCredential → Bypassed                       (public route)
//	any non-terminal state → Anonymous            (missing or failed credential)
//
// Bypassed, ContextInstalled and Anonymous are terminal.
type GateState string

const (
	GateNoCredential     GateState = "no_credential"
	GateClassified       GateState = "classified"
	GateVerified         GateState = "verified"
	GateProvisioned      GateState = "provisioned"
	GateContextInstalled GateState = "context_installed"
	GateAnonymous        GateState = "anonymous"
	GateBypassed         GateState = "bypassed"
)

// String returns the state name.
func (s GateState) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are allowed.
func (s GateState) IsTerminal() bool {
	switch s {
	case GateContextInstalled, GateAnonymous, GateBypassed:
		return true
	default:
		return false
	}
}

var gateTransitions = map[GateState][]GateState{
	GateNoCredential: {GateClassified, GateAnonymous, GateBypassed},
	GateClassified:   {GateVerified, GateAnonymous},
	GateVerified:     {GateProvisioned, GateAnonymous},
	GateProvisioned:  {GateContextInstalled, GateAnonymous},
}

// ValidGateTransition reports whether from → to is allowed.
func ValidGateTransition(from, to GateState) bool {
	for _, t := range gateTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// gateRun tracks one request through the state machine.
type gateRun struct {
	mu    sync.Mutex
	state GateState
	path  []GateState
}

func newGateRun() *gateRun {
	return &gateRun{state: GateNoCredential, path: []GateState{GateNoCredential}}
}

func (g *gateRun) advance(to GateState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !ValidGateTransition(g.state, to) {
		return fmt.Errorf("auth: invalid gate transition %s -> %s", g.state, to)
	}
	g.state = to
	g.path = append(g.path, to)
	return nil
}

func (g *gateRun) current() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *gateRun) trail() []GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]GateState(nil), g.path...)
}
