package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSignatureGateDetectsMismatch(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	shaMap := filepath.Join(root, "sha256_map.json")
	if err := os.WriteFile(shaMap, []byte(`{"a.txt":"0000000000000000000000000000000000000000000000000000000000000000"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	g := SignatureGate{RepoRoot: root}
	mismatched, err := g.Check(shaMap)
	if err != nil {
		t.Fatal(err)
	}
	if len(mismatched) != 1 || mismatched[0] != "a.txt" {
		t.Fatalf("expected a.txt to mismatch, got %v", mismatched)
	}
}

func TestSignatureGatePassesOnMatch(t *testing.T) {
	root := t.TempDir()
	content := []byte("hello")
	if err := os.WriteFile(filepath.Join(root, "a.txt"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	actual, err := hashFile(filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	shaMap := filepath.Join(root, "sha256_map.json")
	if err := os.WriteFile(shaMap, []byte(`{"a.txt":"`+actual+`"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	g := SignatureGate{RepoRoot: root}
	mismatched, err := g.Check(shaMap)
	if err != nil {
		t.Fatal(err)
	}
	if len(mismatched) != 0 {
		t.Fatalf("expected no mismatches, got %v", mismatched)
	}
}

func TestSemCtxGateMissingFileIsNotAViolation(t *testing.T) {
	g := SemCtxGate{}
	violations, err := g.Check(filepath.Join(t.TempDir(), "index.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected no violations for an absent index, got %v", violations)
	}
}

func TestSemCtxGateRejectsMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.jsonl")
	row := `{"schema_version":"1","entry_id":"e1","created_at":"2026-01-01","title":"t"}` + "\n"
	if err := os.WriteFile(path, []byte(row), 0o644); err != nil {
		t.Fatal(err)
	}
	g := SemCtxGate{}
	violations, err := g.Check(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(violations) == 0 {
		t.Fatal("expected violations for missing content/permissions/sources")
	}
}

func TestSemCtxGateAcceptsCompleteRow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.jsonl")
	row := `{"schema_version":"1","entry_id":"e1","created_at":"2026-01-01","title":"t","content":"c",` +
		`"permissions":{"read_roles":["worker"]},"sources":["file.go"]}` + "\n"
	if err := os.WriteFile(path, []byte(row), 0o644); err != nil {
		t.Fatal(err)
	}
	g := SemCtxGate{}
	violations, err := g.Check(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected no violations, got %v", violations)
	}
}

func TestImportScanGateDetectsForbiddenImport(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "internal", "orchestrator"), 0o755); err != nil {
		t.Fatal(err)
	}
	src := "package orchestrator\n\nimport (\n\t\"context\"\n\n\t\"github.com/quantsys/scc-hub/internal/scheduler\"\n)\n"
	rel := filepath.Join("internal", "orchestrator", "bad.go")
	if err := os.WriteFile(filepath.Join(root, rel), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	g := DefaultImportScanGate(root)
	violations, err := g.Check([]string{rel})
	if err != nil {
		t.Fatal(err)
	}
	if len(violations) != 1 {
		t.Fatalf("expected one violation, got %v", violations)
	}
}

func TestImportScanGateIgnoresNonStrategyFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "internal", "scheduler"), 0o755); err != nil {
		t.Fatal(err)
	}
	src := "package scheduler\n\nimport \"github.com/quantsys/scc-hub/internal/lease\"\n"
	rel := filepath.Join("internal", "scheduler", "scheduler.go")
	if err := os.WriteFile(filepath.Join(root, rel), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	g := DefaultImportScanGate(root)
	violations, err := g.Check([]string{rel})
	if err != nil {
		t.Fatal(err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected no violations outside the strategy layer, got %v", violations)
	}
}

func TestCheckSubmitReportsSignatureAndSemCtxViolations(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	shaMap := filepath.Join(root, "sha256_map.json")
	if err := os.WriteFile(shaMap, []byte(`{"a.txt":"deadbeef"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	semCtxPath := filepath.Join(root, "index.jsonl")
	if err := os.WriteFile(semCtxPath, []byte(`{"schema_version":"1"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	g := &Gate{
		Roles:       map[string]Role{"admin-1": RoleAdmin},
		SignatureOn: true,
		RepoRoot:    root,
		ShaMapPath:  shaMap,
		SemCtxOn:    true,
		SemCtxPath:  semCtxPath,
	}
	d := g.CheckSubmit(nil, "admin-1", SubmitRequest{Payload: map[string]any{}, DocLinked: true})
	if d.Allowed {
		t.Fatal("expected signature and semctx violations to deny submission")
	}
	foundSig, foundSemCtx := false, false
	for _, c := range d.FailCodes {
		if c == "SIGNATURE_MISMATCH" {
			foundSig = true
		}
		if c == "SEMCTX_INVALID" {
			foundSemCtx = true
		}
	}
	if !foundSig || !foundSemCtx {
		t.Fatalf("expected both SIGNATURE_MISMATCH and SEMCTX_INVALID, got %v", d.FailCodes)
	}
}
