package linking

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"pronoundb/api/internal/pronouns"
	"pronoundb/api/internal/store"
)

// memoryStore implements identityStore with the same linking semantics the
// Postgres store guarantees: one owner per (platform, id), insert-if-absent.
type memoryStore struct {
	nextID   int
	accounts map[string]store.Account
	links    map[string]string // platform|id -> accountID
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		accounts: make(map[string]store.Account),
		links:    make(map[string]string),
	}
}

func key(platform, id string) string { return platform + "|" + id }

func (m *memoryStore) GetAccountByIdentity(_ context.Context, platform, id string) (store.Account, error) {
	owner, ok := m.links[key(platform, id)]
	if !ok {
		return store.Account{}, store.ErrNotFound
	}
	return m.accounts[owner], nil
}

func (m *memoryStore) CreateAccount(_ context.Context, initialPronouns string) (store.Account, error) {
	m.nextID++
	account := store.Account{ID: fmt.Sprintf("acct-%d", m.nextID), Pronouns: initialPronouns}
	m.accounts[account.ID] = account
	return account, nil
}

func (m *memoryStore) DeleteAccount(_ context.Context, accountID string) error {
	if _, ok := m.accounts[accountID]; !ok {
		return store.ErrNotFound
	}
	delete(m.accounts, accountID)
	for k, owner := range m.links {
		if owner == accountID {
			delete(m.links, k)
		}
	}
	return nil
}

func (m *memoryStore) LinkIdentity(_ context.Context, accountID, platform, id string) error {
	owner, ok := m.links[key(platform, id)]
	if !ok {
		m.links[key(platform, id)] = accountID
		return nil
	}
	if owner == accountID {
		return nil
	}
	return store.ErrCollision
}

func (m *memoryStore) ListIdentities(_ context.Context, accountID string) ([]store.IdentityLink, error) {
	var items []store.IdentityLink
	for k, owner := range m.links {
		if owner != accountID {
			continue
		}
		platform, id, _ := strings.Cut(k, "|")
		items = append(items, store.IdentityLink{Platform: platform, PlatformUserID: id, AccountID: owner})
	}
	return items, nil
}

func TestResolveRegistersAnonymousCaller(t *testing.T) {
	s := newMemoryStore()
	resolver := New(s, DefaultPolicy())

	resolution, err := resolver.Resolve(context.Background(), ExternalIdentity{Platform: "discord", PlatformUserID: "100"}, "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolution.State != StateLinked {
		t.Fatalf("expected Linked, got %s", resolution.State)
	}
	if !resolution.NewSession {
		t.Error("registration must issue a session")
	}
	account := s.accounts[resolution.AccountID]
	if account.Pronouns != pronouns.Unspecified {
		t.Errorf("fresh account should start unspecified, got %q", account.Pronouns)
	}
	if s.links[key("discord", "100")] != resolution.AccountID {
		t.Error("link not persisted to the new account")
	}
}

func TestResolveLinksToSessionAccount(t *testing.T) {
	s := newMemoryStore()
	account, _ := s.CreateAccount(context.Background(), "tt")
	resolver := New(s, DefaultPolicy())

	resolution, err := resolver.Resolve(context.Background(), ExternalIdentity{Platform: "github", PlatformUserID: "42"}, account.ID)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolution.State != StateLinked || resolution.AccountID != account.ID {
		t.Fatalf("expected Linked to %s, got %+v", account.ID, resolution)
	}
	if resolution.NewSession {
		t.Error("an authenticated caller keeps their session")
	}
}

func TestResolveIdempotentReauth(t *testing.T) {
	s := newMemoryStore()
	account, _ := s.CreateAccount(context.Background(), "sh")
	identity := ExternalIdentity{Platform: "discord", PlatformUserID: "100"}
	resolver := New(s, DefaultPolicy())

	first, err := resolver.Resolve(context.Background(), identity, account.ID)
	if err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	if first.State != StateLinked {
		t.Fatalf("expected Linked, got %s", first.State)
	}

	second, err := resolver.Resolve(context.Background(), identity, account.ID)
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if second.State != StateAlreadyLinked || second.AccountID != account.ID {
		t.Fatalf("expected AlreadyLinked to %s, got %+v", account.ID, second)
	}
	if len(s.links) != 1 {
		t.Fatalf("replay must leave exactly one link, found %d", len(s.links))
	}
}

func TestResolveLoginAsOwner(t *testing.T) {
	s := newMemoryStore()
	owner, _ := s.CreateAccount(context.Background(), "tt")
	_ = s.LinkIdentity(context.Background(), owner.ID, "discord", "100")
	resolver := New(s, DefaultPolicy())

	resolution, err := resolver.Resolve(context.Background(), ExternalIdentity{Platform: "discord", PlatformUserID: "100"}, "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolution.State != StateLinked || resolution.AccountID != owner.ID {
		t.Fatalf("expected login as %s, got %+v", owner.ID, resolution)
	}
	if !resolution.NewSession {
		t.Error("login-as-owner must issue a session")
	}
	if len(s.accounts) != 1 || len(s.links) != 1 {
		t.Error("login must not create accounts or links")
	}
}

func TestResolveLoginAsOwnerDisabledByPolicy(t *testing.T) {
	s := newMemoryStore()
	owner, _ := s.CreateAccount(context.Background(), "tt")
	_ = s.LinkIdentity(context.Background(), owner.ID, "discord", "100")
	resolver := New(s, Policy{LoginAsOwner: false})

	resolution, err := resolver.Resolve(context.Background(), ExternalIdentity{Platform: "discord", PlatformUserID: "100"}, "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolution.State != StateCollision {
		t.Fatalf("expected Collision under strict policy, got %s", resolution.State)
	}
	if resolution.NewSession {
		t.Error("collision must not issue a session")
	}
}

func TestResolveCollisionWithThirdAccount(t *testing.T) {
	s := newMemoryStore()
	owner, _ := s.CreateAccount(context.Background(), "tt")
	_ = s.LinkIdentity(context.Background(), owner.ID, "discord", "100")
	other, _ := s.CreateAccount(context.Background(), "sh")
	resolver := New(s, DefaultPolicy())

	resolution, err := resolver.Resolve(context.Background(), ExternalIdentity{Platform: "discord", PlatformUserID: "100"}, other.ID)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolution.State != StateCollision {
		t.Fatalf("expected Collision, got %s", resolution.State)
	}
	if s.links[key("discord", "100")] != owner.ID {
		t.Error("collision must leave the store unchanged")
	}
}

func TestResolveOneIdentityPerPlatform(t *testing.T) {
	s := newMemoryStore()
	account, _ := s.CreateAccount(context.Background(), "tt")
	_ = s.LinkIdentity(context.Background(), account.ID, "discord", "100")
	resolver := New(s, DefaultPolicy())

	// Same platform, different platform user: rejected until unlinked.
	resolution, err := resolver.Resolve(context.Background(), ExternalIdentity{Platform: "discord", PlatformUserID: "200"}, account.ID)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolution.State != StateCollision {
		t.Fatalf("expected Collision for second identity on same platform, got %s", resolution.State)
	}
	if len(s.links) != 1 {
		t.Error("store must be unchanged")
	}

	// A different platform is fine.
	resolution, err = resolver.Resolve(context.Background(), ExternalIdentity{Platform: "twitch", PlatformUserID: "200"}, account.ID)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolution.State != StateLinked {
		t.Fatalf("expected Linked on second platform, got %s", resolution.State)
	}
}

// raceStore simulates losing the insert race: the first LinkIdentity returns
// a collision after another account claims the identity.
type raceStore struct {
	*memoryStore
	winner   string
	injected bool
}

func (r *raceStore) LinkIdentity(ctx context.Context, accountID, platform, id string) error {
	if !r.injected {
		r.injected = true
		r.memoryStore.links[key(platform, id)] = r.winner
		return store.ErrCollision
	}
	return r.memoryStore.LinkIdentity(ctx, accountID, platform, id)
}

func TestResolveLostRaceFallsBackToLogin(t *testing.T) {
	inner := newMemoryStore()
	winner, _ := inner.CreateAccount(context.Background(), "sh")
	s := &raceStore{memoryStore: inner, winner: winner.ID}
	resolver := New(s, DefaultPolicy())

	resolution, err := resolver.Resolve(context.Background(), ExternalIdentity{Platform: "discord", PlatformUserID: "100"}, "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolution.State != StateLinked || resolution.AccountID != winner.ID {
		t.Fatalf("expected login as race winner %s, got %+v", winner.ID, resolution)
	}
	// The orphan account created before the race was lost must be gone.
	if len(inner.accounts) != 1 {
		t.Errorf("expected the orphan account to be discarded, have %d accounts", len(inner.accounts))
	}
}
