package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/quantsys/scc-hub/internal/ids"
	"github.com/quantsys/scc-hub/internal/persistence"
)

// SubtaskType is one of the fixed child-task kinds a parent may spawn.
type SubtaskType string

const (
	SubtaskExplore SubtaskType = "explore"
	SubtaskPlan    SubtaskType = "plan"
	SubtaskCode    SubtaskType = "code"
	SubtaskGeneral SubtaskType = "general"
)

func validSubtaskType(t SubtaskType) bool {
	switch t {
	case SubtaskExplore, SubtaskPlan, SubtaskCode, SubtaskGeneral:
		return true
	}
	return false
}

// SubtaskLink is one entry in a parent task's subtasks.json index.
type SubtaskLink struct {
	ChildTaskID string      `json:"child_task_id"`
	Type        SubtaskType `json:"type"`
	CreatedUTC  string      `json:"created_utc"`
}

// subtaskIndex is the on-disk shape of <task>/subtasks.json.
type subtaskIndex struct {
	Links []SubtaskLink `json:"links"`
}

// SubtaskPool wires parent/child task linkage: submit_subtask creates the
// child task row and records the link on both sides; list_subtasks reads
// the parent-side index, falling back to a store scan if the index file is
// missing (spec §4.10).
type SubtaskPool struct {
	store     *persistence.Store
	tasksRoot string
}

// NewSubtaskPool creates a pool backed by store, indexing under tasksRoot.
func NewSubtaskPool(store *persistence.Store, tasksRoot string) *SubtaskPool {
	return &SubtaskPool{store: store, tasksRoot: tasksRoot}
}

func (p *SubtaskPool) indexPath(parentTaskID string) string {
	return filepath.Join(p.tasksRoot, parentTaskID, "subtasks.json")
}

// SubmitSubtask creates a child task under parentTaskID, stamps
// request.meta.parent_task_id on the child, and appends a link to the
// parent's subtasks.json index.
func (p *SubtaskPool) SubmitSubtask(ctx context.Context, parentTaskID string, typ SubtaskType, payload map[string]any, ownerRole string, priority int) (*persistence.Task, error) {
	if !validSubtaskType(typ) {
		return nil, fmt.Errorf("unknown subtask type %q", typ)
	}

	request := cloneMap(payload)
	meta, _ := request["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["parent_task_id"] = parentTaskID
	request["meta"] = meta

	childID := ids.NewTaskID()
	child, err := p.store.CreateTask(ctx, persistence.NewTaskParams{
		TaskID:       childID,
		ParentTaskID: parentTaskID,
		TaskCode:     string(typ) + "-" + childID,
		Priority:     priority,
		OwnerRole:    ownerRole,
		Request:      request,
		TaskClassID:  string(typ),
	})
	if err != nil {
		return nil, fmt.Errorf("create subtask: %w", err)
	}

	if err := p.appendLink(parentTaskID, SubtaskLink{
		ChildTaskID: childID,
		Type:        typ,
		CreatedUTC:  time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return nil, fmt.Errorf("record subtask link: %w", err)
	}
	return child, nil
}

func (p *SubtaskPool) appendLink(parentTaskID string, link SubtaskLink) error {
	idx, err := p.readIndex(parentTaskID)
	if err != nil {
		return err
	}
	idx.Links = append(idx.Links, link)
	return p.writeIndex(parentTaskID, idx)
}

func (p *SubtaskPool) readIndex(parentTaskID string) (*subtaskIndex, error) {
	data, err := os.ReadFile(p.indexPath(parentTaskID))
	if err != nil {
		if os.IsNotExist(err) {
			return &subtaskIndex{}, nil
		}
		return nil, err
	}
	var idx subtaskIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

func (p *SubtaskPool) writeIndex(parentTaskID string, idx *subtaskIndex) error {
	path := p.indexPath(parentTaskID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ListSubtasks reads the parent's subtasks.json index. If the index is
// absent (never written, or lost), it falls back to scanning the task store
// for rows whose parent_task_id matches, reconstructing links from there.
func (p *SubtaskPool) ListSubtasks(ctx context.Context, parentTaskID string) ([]SubtaskLink, error) {
	idx, err := p.readIndex(parentTaskID)
	if err != nil {
		return nil, err
	}
	if len(idx.Links) > 0 {
		return idx.Links, nil
	}

	children, err := p.store.ListByParent(ctx, parentTaskID)
	if err != nil {
		return nil, fmt.Errorf("scan subtasks for %s: %w", parentTaskID, err)
	}
	links := make([]SubtaskLink, 0, len(children))
	for _, c := range children {
		links = append(links, SubtaskLink{
			ChildTaskID: c.TaskID,
			Type:        SubtaskType(c.TaskClassID),
			CreatedUTC:  c.CreatedUTC.UTC().Format(time.RFC3339Nano),
		})
	}
	return links, nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
