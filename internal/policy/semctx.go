package policy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// SemCtxGate implements spec §4.8's semantic-context gate: when
// semantic_context/index.jsonl exists, every row must carry the required
// fields.
type SemCtxGate struct{}

var semCtxRequiredStringFields = []string{"schema_version", "entry_id", "created_at", "title", "content"}

// Check reads path line by line and returns one violation string per bad
// row. A missing file is not itself a violation -- the gate only fires "if
// present".
func (SemCtxGate) Check(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var violations []string
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(text, &row); err != nil {
			violations = append(violations, fmt.Sprintf("line %d: invalid json", line))
			continue
		}
		for _, field := range semCtxRequiredStringFields {
			if s, ok := row[field].(string); !ok || s == "" {
				violations = append(violations, fmt.Sprintf("line %d: missing %s", line, field))
			}
		}
		perms, ok := row["permissions"].(map[string]any)
		if !ok {
			violations = append(violations, fmt.Sprintf("line %d: missing permissions", line))
		} else if roles, ok := perms["read_roles"].([]any); !ok || len(roles) == 0 {
			violations = append(violations, fmt.Sprintf("line %d: permissions.read_roles must be non-empty", line))
		}
		if _, ok := row["sources"]; !ok {
			violations = append(violations, fmt.Sprintf("line %d: missing sources", line))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return violations, nil
}
