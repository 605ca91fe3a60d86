package orchestrator

import (
	"os"
	"testing"

	"github.com/quantsys/scc-hub/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		Profiles: map[string]config.ProfileConfig{
			"plan":      {ModelCallsAllowed: false, ShellAllowed: false, MaxSteps: 8},
			"chat":      {ModelCallsAllowed: false, ShellAllowed: false, MaxSteps: 12},
			"fullagent": {ModelCallsAllowed: true, ShellAllowed: true, MaxSteps: 64},
		},
	}
}

func TestNextPhaseSequence(t *testing.T) {
	want := []Phase{PhaseExplore, PhasePlan, PhaseExecute, PhaseVerify, PhaseDone, PhaseDone}
	cur := PhaseInit
	for i, w := range want {
		cur = NextPhase(cur)
		if cur != w {
			t.Fatalf("step %d: got %s, want %s", i, cur, w)
		}
	}
}

func TestResolveProfileUnknown(t *testing.T) {
	_, err := ResolveProfile(testConfig(), "bogus")
	if err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestResolveProfilePlanTerminatesAtPlan(t *testing.T) {
	p, err := ResolveProfile(testConfig(), "plan")
	if err != nil {
		t.Fatal(err)
	}
	if !p.TerminatesAtPlan() {
		t.Fatal("plan profile should terminate at phase plan")
	}
	if p.ModelCallsAllowed || p.ShellAllowed {
		t.Fatal("plan profile must forbid model calls and shell")
	}
}

func TestResolveProfileFullagentGatedByEnv(t *testing.T) {
	os.Unsetenv("SCC_MODEL_ENABLED")
	os.Unsetenv("SCC_FULLAGENT_ALLOW_SHELL")
	p, err := ResolveProfile(testConfig(), "fullagent")
	if err != nil {
		t.Fatal(err)
	}
	if p.ModelCallsAllowed || p.ShellAllowed {
		t.Fatal("fullagent allowances must be off without the env vars set")
	}

	os.Setenv("SCC_MODEL_ENABLED", "1")
	os.Setenv("SCC_FULLAGENT_ALLOW_SHELL", "1")
	defer os.Unsetenv("SCC_MODEL_ENABLED")
	defer os.Unsetenv("SCC_FULLAGENT_ALLOW_SHELL")

	p, err = ResolveProfile(testConfig(), "fullagent")
	if err != nil {
		t.Fatal(err)
	}
	if !p.ModelCallsAllowed || !p.ShellAllowed {
		t.Fatal("fullagent allowances must be on once the env vars are set")
	}
}
