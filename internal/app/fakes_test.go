package app

import (
	"context"
	"errors"
	"time"

	"pronoundb/api/internal/config"
	"pronoundb/api/internal/linking"
	"pronoundb/api/internal/ratelimit"
	"pronoundb/api/internal/session"
	"pronoundb/api/internal/store"
)

// fakeStore implements the dataStore interface with overridable functions.
type fakeStore struct {
	getAccountFn           func(context.Context, string) (store.Account, error)
	getAccountByIdentityFn func(context.Context, string, string) (store.Account, error)
	getPronounsFn          func(context.Context, string, string) (string, error)
	getPronounsBulkFn      func(context.Context, string, []string, int) (map[string]string, error)
	createAccountFn        func(context.Context, string) (store.Account, error)
	setPronounsFn          func(context.Context, string, string) error
	linkIdentityFn         func(context.Context, string, string, string) error
	unlinkIdentityFn       func(context.Context, string, string) error
	deleteAccountFn        func(context.Context, string) error
	listIdentitiesFn       func(context.Context, string) ([]store.IdentityLink, error)
	countAccountsFn        func(context.Context) (int, error)
	pingFn                 func(context.Context) error
}

func (f *fakeStore) GetAccount(ctx context.Context, id string) (store.Account, error) {
	if f.getAccountFn != nil {
		return f.getAccountFn(ctx, id)
	}
	return store.Account{}, store.ErrNotFound
}

func (f *fakeStore) GetAccountByIdentity(ctx context.Context, platform, platformUserID string) (store.Account, error) {
	if f.getAccountByIdentityFn != nil {
		return f.getAccountByIdentityFn(ctx, platform, platformUserID)
	}
	return store.Account{}, store.ErrNotFound
}

func (f *fakeStore) GetPronounsByIdentity(ctx context.Context, platform, platformUserID string) (string, error) {
	if f.getPronounsFn != nil {
		return f.getPronounsFn(ctx, platform, platformUserID)
	}
	return "", store.ErrNotFound
}

func (f *fakeStore) GetPronounsByIdentitiesBulk(ctx context.Context, platform string, ids []string, maxBatch int) (map[string]string, error) {
	if f.getPronounsBulkFn != nil {
		return f.getPronounsBulkFn(ctx, platform, ids, maxBatch)
	}
	return map[string]string{}, nil
}

func (f *fakeStore) CreateAccount(ctx context.Context, initialPronouns string) (store.Account, error) {
	if f.createAccountFn != nil {
		return f.createAccountFn(ctx, initialPronouns)
	}
	return store.Account{ID: "acct-new", Pronouns: initialPronouns, CreatedAt: time.Now()}, nil
}

func (f *fakeStore) SetPronouns(ctx context.Context, accountID, value string) error {
	if f.setPronounsFn != nil {
		return f.setPronounsFn(ctx, accountID, value)
	}
	return nil
}

func (f *fakeStore) LinkIdentity(ctx context.Context, accountID, platform, platformUserID string) error {
	if f.linkIdentityFn != nil {
		return f.linkIdentityFn(ctx, accountID, platform, platformUserID)
	}
	return nil
}

func (f *fakeStore) UnlinkIdentity(ctx context.Context, accountID, platform string) error {
	if f.unlinkIdentityFn != nil {
		return f.unlinkIdentityFn(ctx, accountID, platform)
	}
	return nil
}

func (f *fakeStore) DeleteAccount(ctx context.Context, accountID string) error {
	if f.deleteAccountFn != nil {
		return f.deleteAccountFn(ctx, accountID)
	}
	return nil
}

func (f *fakeStore) ListIdentities(ctx context.Context, accountID string) ([]store.IdentityLink, error) {
	if f.listIdentitiesFn != nil {
		return f.listIdentitiesFn(ctx, accountID)
	}
	return nil, nil
}

func (f *fakeStore) CountAccounts(ctx context.Context) (int, error) {
	if f.countAccountsFn != nil {
		return f.countAccountsFn(ctx)
	}
	return 0, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// fakeSessions keeps tokens in a map; overridable per test.
type fakeSessions struct {
	tokens   map[string]string
	createFn func(context.Context, string) (string, error)
	lookupFn func(context.Context, string) (string, error)
	revokeFn func(context.Context, string) error
	pingFn   func(context.Context) error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{tokens: map[string]string{}}
}

func (f *fakeSessions) Create(ctx context.Context, accountID string) (string, error) {
	if f.createFn != nil {
		return f.createFn(ctx, accountID)
	}
	token := "tok-" + accountID
	f.tokens[token] = accountID
	return token, nil
}

func (f *fakeSessions) Lookup(ctx context.Context, token string) (string, error) {
	if f.lookupFn != nil {
		return f.lookupFn(ctx, token)
	}
	accountID, ok := f.tokens[token]
	if !ok {
		return "", session.ErrNoSession
	}
	return accountID, nil
}

func (f *fakeSessions) Revoke(ctx context.Context, token string) error {
	if f.revokeFn != nil {
		return f.revokeFn(ctx, token)
	}
	delete(f.tokens, token)
	return nil
}

func (f *fakeSessions) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// fakeVerifier returns a canned identity or error.
type fakeVerifier struct {
	identity linking.ExternalIdentity
	err      error
}

func (f *fakeVerifier) AuthURL(platformName, state string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://provider.test/" + platformName + "/authorize?state=" + state, nil
}

func (f *fakeVerifier) Verify(ctx context.Context, platformName, code string) (linking.ExternalIdentity, error) {
	if f.err != nil {
		return linking.ExternalIdentity{}, f.err
	}
	return f.identity, nil
}

// fakeLimiter denies when exhausted is set, and can simulate backend errors.
type fakeLimiter struct {
	exhausted bool
	err       error
	calls     int
}

func (f *fakeLimiter) Allow(ctx context.Context, key string) (ratelimit.Decision, error) {
	f.calls++
	if f.err != nil {
		return ratelimit.Decision{Allowed: true}, f.err
	}
	if f.exhausted {
		return ratelimit.Decision{Allowed: false, RetryAfter: 30 * time.Second}, nil
	}
	return ratelimit.Decision{Allowed: true, Remaining: 10}, nil
}

func testConfig() config.Config {
	return config.Config{
		AppBaseURL:           "https://pronouns.test",
		StateSecret:          "test-state-secret",
		StateTTL:             5 * time.Minute,
		BulkMaxAnonymous:     50,
		BulkMaxAuthenticated: 200,
		LoginAsOwner:         true,
	}
}

func newTestServer(fs *fakeStore, sessions *fakeSessions, verifier Verifier) (*HTTPServer, *Service) {
	if fs == nil {
		fs = &fakeStore{}
	}
	if sessions == nil {
		sessions = newFakeSessions()
	}
	if verifier == nil {
		verifier = &fakeVerifier{err: errors.New("no verifier configured")}
	}
	svc := New(testConfig(), fs, sessions, verifier)
	return NewHTTPServer(svc, nil, "*"), svc
}
