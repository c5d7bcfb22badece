package pumped

import (
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// MountToken identifies one mount attempt. A host that renders a node twice before
// committing reuses the same token so the second render does not claim a second salt.
type MountToken uuid.UUID

func NewMountToken() MountToken {
	return MountToken(uuid.New())
}

// FamilyKey groups siblings that would collide without a salt
type FamilyKey struct {
	Parent RegistrationID
	Decl   DeclarationID
	Key    string
}

// ClaimHints carries what the host knows about the claimant
type ClaimHints struct {
	HasUserKey bool
	Name       string
}

// RootSignature is the namespace every top-level registration id derives from
func RootSignature(scopeID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("pumped-tree/"+scopeID))
}

// Identity derives registration ids and hands out salts
type Identity struct {
	mu       sync.Mutex
	families map[FamilyKey]*saltFamily
	warn     *warner
}

type saltFamily struct {
	canonicalTaken bool
	inUse          map[int]bool
	free           []int
	next           int
	tickets        map[MountToken]*SaltTicket
	claimants      int
	keyed          bool
	warned         bool
}

func NewIdentity() *Identity {
	return &Identity{families: make(map[FamilyKey]*saltFamily)}
}

func (i *Identity) setWarner(w *warner) {
	i.warn = w
}

// RegistrationID combines the parent signature (namespace) with declaration, key and
// salt (message). The returned uuid is the new node's own signature.
func (i *Identity) RegistrationID(parentSig uuid.UUID, decl DeclarationID, key string, salt *int) (RegistrationID, uuid.UUID) {
	msg := string(decl) + "\x00" + key + "\x00"
	if salt != nil {
		msg += strconv.Itoa(*salt)
	} else {
		msg += "-"
	}
	sig := uuid.NewSHA1(parentSig, []byte(msg))
	return RegistrationID(sig.String()), sig
}

// Claim reserves a salt for the family. The first claimant gets nil; later siblings
// get the smallest released integer or a fresh one.
func (i *Identity) Claim(family FamilyKey, token MountToken, hints ClaimHints) *SaltTicket {
	i.mu.Lock()
	defer i.mu.Unlock()

	f, ok := i.families[family]
	if !ok {
		f = &saltFamily{
			inUse:   make(map[int]bool),
			tickets: make(map[MountToken]*SaltTicket),
		}
		i.families[family] = f
	}

	if t, ok := f.tickets[token]; ok && !t.released {
		return t
	}

	t := &SaltTicket{identity: i, family: family, token: token}
	if !f.canonicalTaken {
		f.canonicalTaken = true
	} else {
		var salt int
		if len(f.free) > 0 {
			salt = f.free[0]
			f.free = f.free[1:]
		} else {
			salt = f.next
			f.next++
		}
		f.inUse[salt] = true
		t.salt = &salt
	}
	f.tickets[token] = t
	f.claimants++
	if hints.HasUserKey {
		f.keyed = true
	}

	if f.claimants > 1 && !f.keyed && !f.warned {
		f.warned = true
		i.warn.warn(WarnAmbiguousSalt,
			"siblings share a declaration without a user key; one is canonical and the rest are salted",
			"declaration", string(family.Decl), "name", hints.Name, "parent", string(family.Parent))
	}

	return t
}

func (i *Identity) release(t *SaltTicket) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if t.released {
		return
	}
	t.released = true
	t.committed = false

	f, ok := i.families[t.family]
	if !ok {
		return
	}
	if cur, ok := f.tickets[t.token]; ok && cur == t {
		delete(f.tickets, t.token)
	}
	f.claimants--

	if t.salt == nil {
		f.canonicalTaken = false
	} else {
		delete(f.inUse, *t.salt)
		f.free = append(f.free, *t.salt)
		sort.Ints(f.free)
	}

	if f.claimants == 0 && !f.canonicalTaken && len(f.inUse) == 0 {
		delete(i.families, t.family)
	}
}

// InUse reports how many salts of the family are committed
func (i *Identity) InUse(family FamilyKey) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	f, ok := i.families[family]
	if !ok {
		return 0
	}
	n := 0
	for _, t := range f.tickets {
		if t.committed {
			n++
		}
	}
	return n
}

// SaltTicket is a claim on a salt. Commit runs in the node's post-commit phase,
// Release in its cleanup.
type SaltTicket struct {
	identity  *Identity
	family    FamilyKey
	token     MountToken
	salt      *int
	committed bool
	released  bool
}

// Salt returns nil for the canonical claimant
func (t *SaltTicket) Salt() *int {
	if t.salt == nil {
		return nil
	}
	s := *t.salt
	return &s
}

func (t *SaltTicket) Family() FamilyKey {
	return t.family
}

func (t *SaltTicket) Commit() {
	t.identity.mu.Lock()
	defer t.identity.mu.Unlock()
	if !t.released {
		t.committed = true
	}
}

func (t *SaltTicket) Committed() bool {
	t.identity.mu.Lock()
	defer t.identity.mu.Unlock()
	return t.committed
}

// Release returns the salt to the family's free pool. Calling it twice is a no-op.
func (t *SaltTicket) Release() {
	t.identity.release(t)
}
