package store

import (
	"errors"
	"time"
)

// Sentinel errors surfaced by store operations. The app layer maps these to
// response codes; nothing here knows about HTTP.
var (
	ErrNotFound         = errors.New("not found")
	ErrCollision        = errors.New("identity linked to another account")
	ErrNotOwner         = errors.New("identity not owned by account")
	ErrBatchTooLarge    = errors.New("batch too large")
	ErrStoreUnavailable = errors.New("store unavailable")
)

type Account struct {
	ID        string
	Pronouns  string
	CreatedAt time.Time
}

// IdentityLink binds one platform identity to one account. The pair
// (Platform, PlatformUserID) is unique across the whole store.
type IdentityLink struct {
	Platform       string
	PlatformUserID string
	AccountID      string
	CreatedAt      time.Time
}
