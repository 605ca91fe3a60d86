package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SignatureGate implements spec §4.8's optional signature gate: every path
// listed in sha256_map.json must still match its current on-disk SHA-256.
type SignatureGate struct {
	RepoRoot string
}

// Check reads shaMapPath and returns the paths whose current hash no longer
// matches the recorded one. An empty result means the gate passes.
func (g SignatureGate) Check(shaMapPath string) ([]string, error) {
	data, err := os.ReadFile(shaMapPath)
	if err != nil {
		return nil, fmt.Errorf("read sha256_map: %w", err)
	}
	var want map[string]string
	if err := json.Unmarshal(data, &want); err != nil {
		return nil, fmt.Errorf("parse sha256_map: %w", err)
	}

	var mismatched []string
	for rel, expected := range want {
		actual, err := hashFile(filepath.Join(g.RepoRoot, rel))
		if err != nil || actual != expected {
			mismatched = append(mismatched, rel)
		}
	}
	return mismatched, nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
