// Package linking implements the state machine that attaches a verified
// platform identity to an account after an OAuth callback. Providers may
// deliver a callback more than once, so every transition is safe to replay
// with the same inputs.
package linking

import (
	"context"
	"errors"
	"fmt"

	"pronoundb/api/internal/pronouns"
	"pronoundb/api/internal/store"
)

// ExternalIdentity is the verified output of a provider adapter. The core
// never talks to provider networks itself.
type ExternalIdentity struct {
	Platform       string
	PlatformUserID string
	DisplayName    string
}

type State string

const (
	StateLinked        State = "linked"
	StateAlreadyLinked State = "already_linked"
	StateCollision     State = "collision"
)

// Resolution is the terminal outcome of a linking attempt. AccountID names
// the account the caller should act as from here on; NewSession reports
// whether a session must be issued (registration and login-as-owner paths).
type Resolution struct {
	State      State
	AccountID  string
	NewSession bool
}

// Policy controls the one ambiguous transition: an anonymous caller
// presenting an identity already owned by some account. With LoginAsOwner the
// callback doubles as the login path; without it the attempt is rejected as a
// collision.
type Policy struct {
	LoginAsOwner bool
}

func DefaultPolicy() Policy {
	return Policy{LoginAsOwner: true}
}

type identityStore interface {
	GetAccountByIdentity(ctx context.Context, platform, platformUserID string) (store.Account, error)
	CreateAccount(ctx context.Context, initialPronouns string) (store.Account, error)
	DeleteAccount(ctx context.Context, accountID string) error
	LinkIdentity(ctx context.Context, accountID, platform, platformUserID string) error
	ListIdentities(ctx context.Context, accountID string) ([]store.IdentityLink, error)
}

type Resolver struct {
	store  identityStore
	policy Policy
}

func New(s identityStore, policy Policy) *Resolver {
	return &Resolver{store: s, policy: policy}
}

// Resolve applies one provider callback. currentAccountID is empty for
// anonymous callers.
func (r *Resolver) Resolve(ctx context.Context, identity ExternalIdentity, currentAccountID string) (Resolution, error) {
	// Two passes: losing the insert race on the first pass means the link now
	// exists, and the second pass resolves ownership like any replayed
	// callback would.
	for attempt := 0; attempt < 2; attempt++ {
		owner, err := r.store.GetAccountByIdentity(ctx, identity.Platform, identity.PlatformUserID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return Resolution{}, fmt.Errorf("resolve link owner: %w", err)
		}

		if err == nil {
			return r.resolveExisting(owner, currentAccountID)
		}

		resolution, retry, err := r.resolveUnlinked(ctx, identity, currentAccountID)
		if err != nil {
			return Resolution{}, err
		}
		if !retry {
			return resolution, nil
		}
	}
	return Resolution{}, fmt.Errorf("resolve link: %w", store.ErrStoreUnavailable)
}

func (r *Resolver) resolveExisting(owner store.Account, currentAccountID string) (Resolution, error) {
	switch {
	case owner.ID == currentAccountID:
		// Idempotent re-auth; this is the regular login path for a caller
		// whose session is still live.
		return Resolution{State: StateAlreadyLinked, AccountID: owner.ID}, nil
	case currentAccountID == "":
		if r.policy.LoginAsOwner {
			return Resolution{State: StateLinked, AccountID: owner.ID, NewSession: true}, nil
		}
		return Resolution{State: StateCollision}, nil
	default:
		// Authenticated as a third account. Never mutate; merging is not
		// supported.
		return Resolution{State: StateCollision}, nil
	}
}

// resolveUnlinked handles the no-existing-link cases: attach to the session
// account, or register a fresh account through OAuth. retry reports a lost
// insert race.
func (r *Resolver) resolveUnlinked(ctx context.Context, identity ExternalIdentity, currentAccountID string) (resolution Resolution, retry bool, err error) {
	if currentAccountID != "" {
		held, err := r.store.ListIdentities(ctx, currentAccountID)
		if err != nil {
			return Resolution{}, false, fmt.Errorf("list identities: %w", err)
		}
		for _, link := range held {
			if link.Platform == identity.Platform && link.PlatformUserID != identity.PlatformUserID {
				// One identity per platform per account; unlink first.
				return Resolution{State: StateCollision}, false, nil
			}
		}

		switch err := r.store.LinkIdentity(ctx, currentAccountID, identity.Platform, identity.PlatformUserID); {
		case err == nil:
			return Resolution{State: StateLinked, AccountID: currentAccountID}, false, nil
		case errors.Is(err, store.ErrCollision):
			return Resolution{}, true, nil
		default:
			return Resolution{}, false, fmt.Errorf("link identity: %w", err)
		}
	}

	account, err := r.store.CreateAccount(ctx, pronouns.Unspecified)
	if err != nil {
		return Resolution{}, false, fmt.Errorf("create account: %w", err)
	}
	switch err := r.store.LinkIdentity(ctx, account.ID, identity.Platform, identity.PlatformUserID); {
	case err == nil:
		return Resolution{State: StateLinked, AccountID: account.ID, NewSession: true}, false, nil
	case errors.Is(err, store.ErrCollision):
		// Lost the race to another registration; drop the orphan account and
		// resolve against the winner.
		if err := r.store.DeleteAccount(ctx, account.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return Resolution{}, false, fmt.Errorf("discard orphan account: %w", err)
		}
		return Resolution{}, true, nil
	default:
		return Resolution{}, false, fmt.Errorf("link identity: %w", err)
	}
}
