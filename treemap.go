package pumped

import (
	"sync"

	"github.com/m1gwings/treedrawer/tree"
)

// ParentLookup answers "who is my parent"
type ParentLookup interface {
	Parent(id RegistrationID) (RegistrationID, bool)
}

// TreeMap records child -> parent edges as nodes mount. It is the only source of truth
// for ancestor walks.
type TreeMap struct {
	mu       sync.RWMutex
	parent   map[RegistrationID]RegistrationID
	children map[RegistrationID][]RegistrationID
}

func NewTreeMap() *TreeMap {
	return &TreeMap{
		parent:   make(map[RegistrationID]RegistrationID),
		children: make(map[RegistrationID][]RegistrationID),
	}
}

// Register adds id under parent. First write wins; registering an id again is a no-op.
func (m *TreeMap) Register(id, parent RegistrationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == RootID {
		return ErrTreeCycle
	}
	if _, exists := m.parent[id]; exists {
		return nil
	}
	if m.reachesLocked(parent, id) {
		return ErrTreeCycle
	}

	m.parent[id] = parent
	m.children[parent] = appendUnique(m.children[parent], id)
	return nil
}

// Unregister removes the node and its edge. Descendants are left for their own cleanup.
func (m *TreeMap) Unregister(id RegistrationID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, ok := m.parent[id]
	if !ok {
		return
	}
	delete(m.parent, id)
	m.children[parent] = removeElement(m.children[parent], id)
	if len(m.children[parent]) == 0 {
		delete(m.children, parent)
	}
}

func (m *TreeMap) Parent(id RegistrationID) (RegistrationID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parent[id]
	return p, ok
}

func (m *TreeMap) Has(id RegistrationID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.parent[id]
	return ok
}

// Update rebinds an existing node to a new parent
func (m *TreeMap) Update(id, newParent RegistrationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.parent[id]
	if !ok {
		return ErrNotRegistered
	}
	if old == newParent {
		return nil
	}
	if newParent == id || m.reachesLocked(newParent, id) {
		return ErrTreeCycle
	}

	m.children[old] = removeElement(m.children[old], id)
	if len(m.children[old]) == 0 {
		delete(m.children, old)
	}
	m.parent[id] = newParent
	m.children[newParent] = appendUnique(m.children[newParent], id)
	return nil
}

// Ancestors returns the parents of id, nearest first, ending before the synthetic root
func (m *TreeMap) Ancestors(id RegistrationID) []RegistrationID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []RegistrationID
	current := id
	for {
		p, ok := m.parent[current]
		if !ok || p == RootID {
			return out
		}
		out = append(out, p)
		current = p
	}
}

// Children returns a copy of the direct children of id in registration order
func (m *TreeMap) Children(id RegistrationID) []RegistrationID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	kids := m.children[id]
	out := make([]RegistrationID, len(kids))
	copy(out, kids)
	return out
}

func (m *TreeMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.parent)
}

// reachesLocked walks upward from start and reports whether target is on the way
func (m *TreeMap) reachesLocked(start, target RegistrationID) bool {
	current := start
	for steps := 0; steps <= len(m.parent); steps++ {
		if current == target {
			return true
		}
		p, ok := m.parent[current]
		if !ok {
			return false
		}
		current = p
	}
	return true
}

// Render draws the subtree below the synthetic root. label may be nil.
func (m *TreeMap) Render(label func(RegistrationID) string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if label == nil {
		label = func(id RegistrationID) string { return string(id) }
	}

	t := tree.NewTree(tree.NodeString(string(RootID)))
	type frame struct {
		id   RegistrationID
		node *tree.Tree
	}
	stack := []frame{{id: RootID, node: t}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range m.children[cur.id] {
			stack = append(stack, frame{id: child, node: cur.node.AddChild(tree.NodeString(label(child)))})
		}
	}
	return t.String()
}

func appendUnique[T comparable](slice []T, item T) []T {
	for _, existing := range slice {
		if existing == item {
			return slice
		}
	}
	return append(slice, item)
}

func removeElement[T comparable](slice []T, item T) []T {
	for i, existing := range slice {
		if existing == item {
			return append(slice[:i], slice[i+1:]...)
		}
	}
	return slice
}
