package orchestrator

import "testing"

func TestSaveAndLoadTodoState(t *testing.T) {
	s := NewTodoStore(t.TempDir())
	items := []TodoItem{
		{Content: "explore repo", Status: TodoInProgress, ActiveForm: "Exploring repo"},
		{Content: "write tests", Status: TodoPending, ActiveForm: "Writing tests"},
	}
	if _, err := s.Save("T1", items); err != nil {
		t.Fatal(err)
	}
	st, err := s.Load("T1")
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(st.Items))
	}
}

func TestLoadMissingReturnsEmpty(t *testing.T) {
	s := NewTodoStore(t.TempDir())
	st, err := s.Load("no-such-task")
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Items) != 0 {
		t.Fatalf("expected empty state, got %d items", len(st.Items))
	}
}

func TestTodoInvariantTooManyItems(t *testing.T) {
	s := NewTodoStore(t.TempDir())
	var items []TodoItem
	for i := 0; i < 21; i++ {
		items = append(items, TodoItem{Content: "x", Status: TodoPending, ActiveForm: "X"})
	}
	_, err := s.Save("T1", items)
	if err == nil {
		t.Fatal("expected TODO_INVALID for 21 items")
	}
}

func TestTodoInvariantTwoInProgress(t *testing.T) {
	s := NewTodoStore(t.TempDir())
	items := []TodoItem{
		{Content: "a", Status: TodoInProgress, ActiveForm: "A"},
		{Content: "b", Status: TodoInProgress, ActiveForm: "B"},
	}
	if _, err := s.Save("T1", items); err == nil {
		t.Fatal("expected TODO_INVALID for two in_progress items")
	}
}

func TestTodoInvariantEmptyFields(t *testing.T) {
	s := NewTodoStore(t.TempDir())
	cases := [][]TodoItem{
		{{Content: "", Status: TodoPending, ActiveForm: "A"}},
		{{Content: "a", Status: TodoPending, ActiveForm: ""}},
		{{Content: "a", Status: "bogus", ActiveForm: "A"}},
	}
	for i, items := range cases {
		if _, err := s.Save("T1", items); err == nil {
			t.Fatalf("case %d: expected TODO_INVALID", i)
		}
	}
}
