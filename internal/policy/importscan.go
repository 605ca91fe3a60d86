package policy

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ImportScanGate implements spec §4.8's import-scan gate: strategy-layer
// files must not import execution-layer modules. The two regexes express
// that layering as a policy over this repo's package paths rather than a
// hardcoded list.
type ImportScanGate struct {
	RepoRoot        string
	StrategyPattern *regexp.Regexp // matches a changed file's repo-relative path
	ForbiddenImport *regexp.Regexp // matches an import path considered execution-layer
}

// DefaultImportScanGate encodes this repo's own layering: orchestrator and
// policy sit in the strategy layer and must never reach directly into the
// scheduler, lease, or an executor adapter -- those belong behind the
// gateway/core wiring, not called ad hoc from planning code.
func DefaultImportScanGate(repoRoot string) ImportScanGate {
	return ImportScanGate{
		RepoRoot:        repoRoot,
		StrategyPattern: regexp.MustCompile(`^internal/(orchestrator|policy)/`),
		ForbiddenImport: regexp.MustCompile(`internal/(scheduler|lease|executor)`),
	}
}

var importLineRe = regexp.MustCompile(`"([^"]+)"`)

// Check scans each changed file (repo-relative path) matching
// StrategyPattern for import lines matching ForbiddenImport, returning one
// violation string per offending import.
func (g ImportScanGate) Check(changedFiles []string) ([]string, error) {
	var violations []string
	for _, rel := range changedFiles {
		if !g.StrategyPattern.MatchString(rel) {
			continue
		}
		imports, err := scanImports(filepath.Join(g.RepoRoot, rel))
		if err != nil {
			return nil, fmt.Errorf("scan imports in %s: %w", rel, err)
		}
		for _, imp := range imports {
			if g.ForbiddenImport.MatchString(imp) {
				violations = append(violations, fmt.Sprintf("%s imports forbidden execution-layer package %s", rel, imp))
			}
		}
	}
	return violations, nil
}

// scanImports extracts quoted import paths from a Go source file's import
// block(s), tolerating both single-line `import "x"` and grouped
// `import (...)` forms.
func scanImports(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var imports []string
	inBlock := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "import (":
			inBlock = true
		case inBlock && line == ")":
			inBlock = false
		case inBlock, strings.HasPrefix(line, "import "):
			if m := importLineRe.FindStringSubmatch(line); m != nil {
				imports = append(imports, m[1])
			}
		}
	}
	return imports, scanner.Err()
}
