package persistence

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scc-hub.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	s := openTestStore(t)
	var version int
	if err := s.DB().QueryRow(`SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version); err != nil {
		t.Fatalf("schema_migrations not populated: %v", err)
	}
	if version != schemaVersion {
		t.Fatalf("schema version = %d, want %d", version, schemaVersion)
	}
}

func TestOpenRejectsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scc-hub.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB().Exec(`UPDATE schema_migrations SET checksum = 'bogus' WHERE version = ?`, schemaVersion); err != nil {
		t.Fatal(err)
	}
	s.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("expected checksum mismatch error on reopen")
	}
}

func TestRetryOnBusySkipsNonBusyErrors(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		return errNotBusy
	})
	if err != errNotBusy {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt for a non-busy error, got %d", calls)
	}
}

var errNotBusy = errBusyLike("boom")

type errBusyLike string

func (e errBusyLike) Error() string { return string(e) }
