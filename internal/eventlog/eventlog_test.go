package eventlog

import (
	"testing"
)

func TestEmitAssignsMonotonicEventID(t *testing.T) {
	l := New(t.TempDir())
	defer l.Close()

	e1, err := l.Emit("t1", KindEvent, "task.enqueued", nil)
	if err != nil {
		t.Fatal(err)
	}
	e2, err := l.Emit("t1", KindEvent, "task.leased", nil)
	if err != nil {
		t.Fatal(err)
	}
	if e1.EventID != 1 || e2.EventID != 2 {
		t.Fatalf("event ids = %d, %d, want 1, 2", e1.EventID, e2.EventID)
	}
	if e2.TSUTC < e1.TSUTC {
		t.Fatalf("events out of ts_utc order")
	}
}

func TestTailCursorRoundTrip(t *testing.T) {
	l := New(t.TempDir())
	defer l.Close()

	for i := 0; i < 10; i++ {
		if _, err := l.Emit("t1", KindEvent, "tick", map[string]any{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	path := l.Path("t1")

	first, err := Tail(path, nil, 1024*1024, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Lines) != 5 {
		t.Fatalf("first tail lines = %d, want 5", len(first.Lines))
	}

	second, err := Tail(path, &first.NewCursor, 1024*1024, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Lines) != 5 {
		t.Fatalf("second tail lines = %d, want 5", len(second.Lines))
	}
	if first.Lines[len(first.Lines)-1].EventID+1 != second.Lines[0].EventID {
		t.Fatalf("gap between tails: %d then %d", first.Lines[len(first.Lines)-1].EventID, second.Lines[0].EventID)
	}
}

func TestTailMissingFile(t *testing.T) {
	res, err := Tail("/nonexistent/path/events.jsonl", nil, 1024, 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Size != 0 || len(res.Lines) != 0 {
		t.Fatalf("expected empty result for missing file, got %+v", res)
	}
}

func TestTailClampsBounds(t *testing.T) {
	l := New(t.TempDir())
	defer l.Close()
	_, _ = l.Emit("t1", KindEvent, "x", nil)
	path := l.Path("t1")

	res, err := Tail(path, nil, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Lines) != 1 {
		t.Fatalf("expected clamp to at least 1 line, got %d", len(res.Lines))
	}
}
