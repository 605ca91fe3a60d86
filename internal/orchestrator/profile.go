// Package orchestrator implements OrchestratorCore (component C10): the
// profile-gated task state machine, its per-task todo list and subtask
// pool, and the advisory plan graph / execution plan artifacts.
package orchestrator

import (
	"fmt"
	"os"

	"github.com/quantsys/scc-hub/internal/config"
)

// Phase is one step of the orchestrator's task state machine.
type Phase string

const (
	PhaseInit    Phase = "init"
	PhaseExplore Phase = "explore"
	PhasePlan    Phase = "plan"
	PhaseExecute Phase = "execute"
	PhaseVerify  Phase = "verify"
	PhaseDone    Phase = "done"
)

// phaseOrder is the fixed forward sequence; the loop never skips a phase.
var phaseOrder = []Phase{PhaseInit, PhaseExplore, PhasePlan, PhaseExecute, PhaseVerify, PhaseDone}

// NextPhase returns the phase that follows cur, or PhaseDone if cur is
// already terminal or unrecognized.
func NextPhase(cur Phase) Phase {
	for i, p := range phaseOrder {
		if p == cur && i+1 < len(phaseOrder) {
			return phaseOrder[i+1]
		}
	}
	return PhaseDone
}

// Profile is one of the three fixed policy bundles gating what an
// orchestrated task may do, keyed by name in config.Config.Profiles.
type Profile struct {
	Name              string
	ModelCallsAllowed bool
	ShellAllowed      bool
	MaxSteps          int
}

// ErrUnknownProfile is returned when a task requests a profile name with
// no matching entry in config.
type ErrUnknownProfile struct{ Name string }

func (e *ErrUnknownProfile) Error() string { return fmt.Sprintf("unknown profile %q", e.Name) }

// ResolveProfile looks up name in cfg.Profiles and applies the env-gated
// restrictions on fullagent's model/shell allowances (spec §4.10: fullagent
// permits model calls and shell only when the corresponding env var is set,
// regardless of what the config file says).
func ResolveProfile(cfg config.Config, name string) (Profile, error) {
	pc, ok := cfg.Profiles[name]
	if !ok {
		return Profile{}, &ErrUnknownProfile{Name: name}
	}
	p := Profile{Name: name, ModelCallsAllowed: pc.ModelCallsAllowed, ShellAllowed: pc.ShellAllowed, MaxSteps: pc.MaxSteps}
	if name == "fullagent" {
		p.ModelCallsAllowed = p.ModelCallsAllowed && os.Getenv("SCC_MODEL_ENABLED") != ""
		p.ShellAllowed = p.ShellAllowed && os.Getenv("SCC_FULLAGENT_ALLOW_SHELL") != ""
	}
	return p, nil
}

// TerminatesAtPlan reports whether this profile's loop stops at phase plan
// with verdict UNKNOWN instead of proceeding to execute/verify (plan and
// chat profiles never execute anything themselves).
func (p Profile) TerminatesAtPlan() bool {
	return p.Name == "plan" || p.Name == "chat"
}
