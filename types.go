package pumped

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// DeclarationID identifies a node type
type DeclarationID string

// RegistrationID identifies a node instance at a position in a tree
type RegistrationID string

// RootID is the synthetic root every top-level node is registered under
const RootID RegistrationID = "root"

const ghostPrefix = "ghost:"

// IsGhost reports whether the id belongs to a ghost node created by off-tree reconstruction
func (id RegistrationID) IsGhost() bool {
	return strings.HasPrefix(string(id), ghostPrefix)
}

// Live returns the id a ghost would carry had it been mounted on the tree
func (id RegistrationID) Live() RegistrationID {
	return RegistrationID(strings.TrimPrefix(string(id), ghostPrefix))
}

func ghostID(id RegistrationID) RegistrationID {
	if id.IsGhost() {
		return id
	}
	return RegistrationID(ghostPrefix + string(id))
}

// EntryID identifies a provider entry within a declaration
type EntryID string

// DependencyKey is a unique token for one injectable capability
type DependencyKey struct {
	id   uuid.UUID
	name string
}

// NewDependencyKey mints a fresh key; two calls with the same name yield different keys
func NewDependencyKey(name string) DependencyKey {
	return DependencyKey{id: uuid.New(), name: name}
}

func (k DependencyKey) Name() string {
	return k.name
}

func (k DependencyKey) String() string {
	return k.name
}

// IsZero reports whether the key was never minted
func (k DependencyKey) IsZero() bool {
	return k.id == uuid.Nil
}

func keyLess(a, b DependencyKey) bool {
	if a.name != b.name {
		return a.name < b.name
	}
	return a.id.String() < b.id.String()
}

// KeySet is a set of dependency keys
type KeySet map[DependencyKey]struct{}

func NewKeySet(keys ...DependencyKey) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s KeySet) Add(k DependencyKey) {
	s[k] = struct{}{}
}

func (s KeySet) Has(k DependencyKey) bool {
	_, ok := s[k]
	return ok
}

// AddAll merges other into s
func (s KeySet) AddAll(other KeySet) {
	for k := range other {
		s[k] = struct{}{}
	}
}

// Sorted returns the keys ordered by name, then id
func (s KeySet) Sorted() []DependencyKey {
	out := make([]DependencyKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i], out[j]) })
	return out
}

// Equal reports whether both sets hold the same keys
func (s KeySet) Equal(other KeySet) bool {
	if len(s) != len(other) {
		return false
	}
	for k := range s {
		if !other.Has(k) {
			return false
		}
	}
	return true
}

func (s KeySet) Clone() KeySet {
	out := make(KeySet, len(s))
	out.AddAll(s)
	return out
}

func (s KeySet) names() []string {
	keys := s.Sorted()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.name
	}
	return out
}

// Attributes are the props flowing into a node and the output its entries accumulate
type Attributes map[string]any

// Get returns the attribute value
func (a Attributes) Get(name string) (any, bool) {
	v, ok := a[name]
	return v, ok
}

// AttrAs returns a typed attribute value
func AttrAs[T any](a Attributes, name string) (T, bool) {
	v, ok := a[name]
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// AttrID is the attribute every build seeds with the node's registration id
const AttrID = "id"
