// Package tree computes visible paths and branch navigation over a thread's
// flat message collection. Messages are related only through parent ids;
// grouping is done on demand so the package stays pure: every function takes
// a snapshot and returns a result without touching shared state.
package tree

import (
	"sort"

	"github.com/google/uuid"
	"github.com/loomchat/loom/internal/domain"
)

// RootKey is the sentinel parent key for root messages.
const RootKey = "root"

// Branches maps a parent key (message id string, or RootKey) to the child
// currently selected as active. Absent entries default to the most recently
// created child. The map is transient: it is reset whenever a thread is
// reloaded and mutated as the user sends, regenerates, edits, or navigates.
type Branches map[string]uuid.UUID

// Clone returns a shallow copy so navigation can stay side-effect free.
func (b Branches) Clone() Branches {
	out := make(Branches, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// ParentKey returns the branch-map key under which msg is grouped.
func ParentKey(msg domain.Message) string {
	if msg.ParentID == nil {
		return RootKey
	}
	return msg.ParentID.String()
}

// childIndex groups messages by parent key, each group sorted by
// (CreatedAt, Seq) ascending.
func childIndex(msgs []domain.Message) map[string][]domain.Message {
	index := make(map[string][]domain.Message)
	for _, m := range msgs {
		key := ParentKey(m)
		index[key] = append(index[key], m)
	}
	for _, group := range index {
		sort.SliceStable(group, func(i, j int) bool {
			if !group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].CreatedAt.Before(group[j].CreatedAt)
			}
			return group[i].Seq < group[j].Seq
		})
	}
	return index
}

// VisiblePath walks the tree from the root sentinel, selecting at each step
// the branch-map entry for the current key when present and valid, else the
// most recent child. It stops at the first key with no children and returns
// the chronological parent-then-child sequence that the UI renders and the
// model receives as history.
func VisiblePath(msgs []domain.Message, branches Branches) []domain.Message {
	index := childIndex(msgs)

	var path []domain.Message
	key := RootKey
	for {
		children, ok := index[key]
		if !ok || len(children) == 0 {
			return path
		}

		selected := children[len(children)-1]
		if active, ok := branches[key]; ok {
			for _, child := range children {
				if child.ID == active {
					selected = child
					break
				}
			}
		}

		path = append(path, selected)
		key = selected.ID.String()
	}
}

// PathTo reconstructs the chronological root-to-target chain, independent of
// which branches are currently active. Used to rebuild what the model saw at
// a historical branch point.
func PathTo(msgs []domain.Message, targetID uuid.UUID) ([]domain.Message, error) {
	byID := make(map[uuid.UUID]domain.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	current, ok := byID[targetID]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}

	var path []domain.Message
	for {
		path = append(path, current)
		if current.ParentID == nil {
			break
		}
		parent, ok := byID[*current.ParentID]
		if !ok {
			break
		}
		current = parent
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// EnsureParentIDs normalizes collections persisted before branching existed.
// Messages missing a parent link are chained onto their immediate predecessor
// in slice order, the first message becoming a root. Messages that already
// carry a link are left untouched.
func EnsureParentIDs(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if out[i].ParentID != nil || i == 0 {
			continue
		}
		parent := out[i-1].ID
		out[i].ParentID = &parent
	}
	return out
}

// BranchPosition reports where a message sits among its siblings.
type BranchPosition struct {
	Index int // 1-based
	Total int
}

// BranchInfo returns the message's position within its sibling group, or nil
// when the message has no siblings so navigation UI can stay hidden.
func BranchInfo(msgs []domain.Message, id uuid.UUID) *BranchPosition {
	siblings, idx := siblingGroup(msgs, id)
	if idx < 0 || len(siblings) < 2 {
		return nil
	}
	return &BranchPosition{Index: idx + 1, Total: len(siblings)}
}

// Direction selects a neighbouring sibling during branch navigation.
type Direction int

const (
	Prev Direction = iota
	Next
)

// Navigate moves the active-branch selection at the message's parent one
// sibling over. Out-of-bounds moves return the input map unchanged.
func Navigate(msgs []domain.Message, branches Branches, id uuid.UUID, dir Direction) Branches {
	siblings, idx := siblingGroup(msgs, id)
	if idx < 0 {
		return branches
	}

	target := idx - 1
	if dir == Next {
		target = idx + 1
	}
	if target < 0 || target >= len(siblings) {
		return branches
	}

	out := branches.Clone()
	out[ParentKey(siblings[target])] = siblings[target].ID
	return out
}

func siblingGroup(msgs []domain.Message, id uuid.UUID) ([]domain.Message, int) {
	var target *domain.Message
	for i := range msgs {
		if msgs[i].ID == id {
			target = &msgs[i]
			break
		}
	}
	if target == nil {
		return nil, -1
	}

	siblings := childIndex(msgs)[ParentKey(*target)]
	for i, s := range siblings {
		if s.ID == id {
			return siblings, i
		}
	}
	return nil, -1
}
