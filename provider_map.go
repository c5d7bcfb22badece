package pumped

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

type providerRecord struct {
	decl     *Declaration
	entries  []ProviderEntry
	provided KeySet
}

// ProviderMap records, per declaration, the static provider entries it carries
type ProviderMap struct {
	mu       sync.RWMutex
	records  map[DeclarationID]*providerRecord
	services map[DependencyKey]ServiceBody
	logger   hclog.Logger
}

func NewProviderMap(logger hclog.Logger) *ProviderMap {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &ProviderMap{
		records:  make(map[DeclarationID]*providerRecord),
		services: make(map[DependencyKey]ServiceBody),
		logger:   logger,
	}
}

// Register stores the entry list of decl. It reports whether anything changed: a
// second call with the same entries is a no-op, a different list replaces the old one.
func (m *ProviderMap) Register(decl DeclarationID, entries []ProviderEntry) (bool, error) {
	for _, e := range entries {
		if err := e.validate(); err != nil {
			return false, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		if e.Kind == KindRuntime {
			m.services[e.Key()] = e.service
		}
	}

	if rec, ok := m.records[decl]; ok {
		if sameEntries(rec.entries, entries) {
			return false, nil
		}
		m.logger.Debug("provider entries replaced", "declaration", string(decl),
			"before", len(rec.entries), "after", len(entries))
		rec.entries = copyEntries(entries)
		rec.provided = providedKeys(entries)
		return true, nil
	}

	m.records[decl] = &providerRecord{
		entries:  copyEntries(entries),
		provided: providedKeys(entries),
	}
	return true, nil
}

// RegisterDeclaration registers the composed entries of d and remembers d itself
func (m *ProviderMap) RegisterDeclaration(d *Declaration) (bool, error) {
	changed, err := m.Register(d.ID(), d.Entries())
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	m.records[d.ID()].decl = d
	m.mu.Unlock()
	return changed, nil
}

// EntriesFor returns a copy of the entries registered for decl
func (m *ProviderMap) EntriesFor(decl DeclarationID) []ProviderEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[decl]
	if !ok {
		return nil
	}
	return copyEntries(rec.entries)
}

// Provides reports whether decl has a runtime entry for key
func (m *ProviderMap) Provides(decl DeclarationID, key DependencyKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[decl]
	return ok && rec.provided.Has(key)
}

// ProvidedKeys returns the keys decl creates locally
func (m *ProviderMap) ProvidedKeys(decl DeclarationID) KeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[decl]
	if !ok {
		return KeySet{}
	}
	return rec.provided.Clone()
}

// Declaration returns the declaration registered under id, if it was registered with one
func (m *ProviderMap) Declaration(decl DeclarationID) (*Declaration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[decl]
	if !ok || rec.decl == nil {
		return nil, false
	}
	return rec.decl, true
}

// Service returns the body some registered declaration provides for key
func (m *ProviderMap) Service(key DependencyKey) (ServiceBody, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.services[key]
	return body, ok
}

// Learn indexes a service body without attaching it to a declaration, so stubs can be
// produced for keys nobody on the current tree provides
func (m *ProviderMap) Learn(body ServiceBody) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[body.Key()]; !ok {
		m.services[body.Key()] = body
	}
}

func (m *ProviderMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func sameEntries(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Kind != b[i].Kind || a[i].Key() != b[i].Key() {
			return false
		}
	}
	return true
}

func copyEntries(entries []ProviderEntry) []ProviderEntry {
	out := make([]ProviderEntry, len(entries))
	copy(out, entries)
	return out
}

func providedKeys(entries []ProviderEntry) KeySet {
	out := KeySet{}
	for _, e := range entries {
		if e.Kind == KindRuntime {
			out.Add(e.Key())
		}
	}
	return out
}
