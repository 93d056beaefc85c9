package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"pronoundb/api/internal/auth"
	"pronoundb/api/internal/config"
	"pronoundb/api/internal/linking"
	"pronoundb/api/internal/lookup"
	"pronoundb/api/internal/metrics"
	"pronoundb/api/internal/platform"
	"pronoundb/api/internal/pronouns"
	"pronoundb/api/internal/store"
)

type dataStore interface {
	GetAccount(context.Context, string) (store.Account, error)
	GetAccountByIdentity(context.Context, string, string) (store.Account, error)
	GetPronounsByIdentity(context.Context, string, string) (string, error)
	GetPronounsByIdentitiesBulk(context.Context, string, []string, int) (map[string]string, error)
	CreateAccount(context.Context, string) (store.Account, error)
	SetPronouns(context.Context, string, string) error
	LinkIdentity(context.Context, string, string, string) error
	UnlinkIdentity(context.Context, string, string) error
	DeleteAccount(context.Context, string) error
	ListIdentities(context.Context, string) ([]store.IdentityLink, error)
	CountAccounts(context.Context) (int, error)
	Ping(context.Context) error
}

type sessionStore interface {
	Create(ctx context.Context, accountID string) (string, error)
	Lookup(ctx context.Context, token string) (string, error)
	Revoke(ctx context.Context, token string) error
	Ping(ctx context.Context) error
}

// Verifier is the boundary to the per-provider OAuth adapters. They run the
// protocol exchange and hand back a verified platform identity; the core
// never talks to provider networks.
type Verifier interface {
	AuthURL(platformName, state string) (string, error)
	Verify(ctx context.Context, platformName, code string) (linking.ExternalIdentity, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	verifier Verifier
	lookups  *lookup.Engine
	resolver *linking.Resolver
	registry *metrics.Registry
}

func New(cfg config.Config, dataStore dataStore, sessions sessionStore, verifier Verifier) *Service {
	registry := metrics.NewRegistry()
	ceilings := lookup.Ceilings{
		Anonymous:     cfg.BulkMaxAnonymous,
		Authenticated: cfg.BulkMaxAuthenticated,
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		verifier: verifier,
		lookups:  lookup.New(dataStore, registry, ceilings),
		resolver: linking.New(dataStore, linking.Policy{LoginAsOwner: cfg.LoginAsOwner}),
		registry: registry,
	}
}

// storeCtx bounds every store round-trip; an expired deadline surfaces as the
// retryable ErrStoreUnavailable, never as a missing row.
func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func (s *Service) LookupSingle(ctx context.Context, platformName, platformUserID string) (string, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.lookups.Single(ctx, platformName, platformUserID)
}

func (s *Service) LookupBulk(ctx context.Context, platformName string, ids []string, tier lookup.Tier) (map[string]string, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.lookups.Bulk(ctx, platformName, ids, tier)
}

// OAuthState issues the signed state token that must come back on the
// provider callback. When a platform is named, the provider's consent URL
// carrying the state is included.
func (s *Service) OAuthState(intent, platformName string) (map[string]any, error) {
	if intent != auth.IntentLink && intent != auth.IntentLogin {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "intent must be link or login", nil)
	}
	token, err := auth.IssueState([]byte(s.cfg.StateSecret), auth.NewState(intent, s.cfg.StateTTL))
	if err != nil {
		return nil, fmt.Errorf("issue state: %w", err)
	}
	payload := map[string]any{"state": token}
	if platformName != "" {
		if !platform.Valid(platformName) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unsupported platform", nil)
		}
		authorizeURL, err := s.verifier.AuthURL(platformName, token)
		if err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "platform has no linking support", nil)
		}
		payload["authorizeUrl"] = authorizeURL
	}
	return payload, nil
}

// CallbackResult describes where to send the browser after a provider
// callback. SessionToken is set when the resolution logged the caller in.
type CallbackResult struct {
	State        linking.State
	AccountID    string
	SessionToken string
	RedirectTo   string
}

func (s *Service) HandleOAuthCallback(ctx context.Context, platformName, code, state, sessionAccountID string) (CallbackResult, error) {
	if !platform.Valid(platformName) {
		return CallbackResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unsupported platform", nil)
	}
	if _, err := auth.ParseState([]byte(s.cfg.StateSecret), state); err != nil {
		return CallbackResult{}, domainError(http.StatusBadRequest, "INVALID_STATE", "state token invalid or expired", nil)
	}

	identity, err := s.verifier.Verify(ctx, platformName, code)
	if err != nil {
		return CallbackResult{}, domainError(http.StatusBadGateway, "PROVIDER_ERROR", "identity verification failed", nil)
	}

	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	resolution, err := s.resolver.Resolve(storeCtx, identity, sessionAccountID)
	if err != nil {
		return CallbackResult{}, err
	}

	result := CallbackResult{State: resolution.State, AccountID: resolution.AccountID}
	switch resolution.State {
	case linking.StateCollision:
		result.RedirectTo = s.cfg.AppBaseURL + "/me?error=collision"
	default:
		result.RedirectTo = s.cfg.AppBaseURL + "/me"
	}
	if resolution.NewSession {
		token, err := s.sessions.Create(ctx, resolution.AccountID)
		if err != nil {
			return CallbackResult{}, fmt.Errorf("create session: %w", err)
		}
		result.SessionToken = token
	}
	return result, nil
}

// SessionAccountID resolves a session token; empty token means no session.
func (s *Service) SessionAccountID(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", nil
	}
	return s.sessions.Lookup(ctx, token)
}

func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, token)
}

// AccountView is the self view; it is the only surface where identities and
// account ids are visible, and only to their owner.
type AccountView struct {
	ID         string            `json:"id"`
	Pronouns   string            `json:"pronouns"`
	CreatedAt  time.Time         `json:"createdAt"`
	Identities []AccountIdentity `json:"identities"`
}

type AccountIdentity struct {
	Platform       string `json:"platform"`
	PlatformUserID string `json:"platformUserId"`
}

func (s *Service) GetAccountView(ctx context.Context, accountID string) (AccountView, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return AccountView{}, err
	}
	links, err := s.store.ListIdentities(ctx, accountID)
	if err != nil {
		return AccountView{}, err
	}
	view := AccountView{
		ID:         account.ID,
		Pronouns:   account.Pronouns,
		CreatedAt:  account.CreatedAt,
		Identities: make([]AccountIdentity, 0, len(links)),
	}
	for _, link := range links {
		view.Identities = append(view.Identities, AccountIdentity{
			Platform:       link.Platform,
			PlatformUserID: link.PlatformUserID,
		})
	}
	return view, nil
}

func (s *Service) SetPronouns(ctx context.Context, accountID, value string) error {
	if !pronouns.Valid(value) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown pronouns value", nil)
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.SetPronouns(ctx, accountID, value)
}

func (s *Service) UnlinkIdentity(ctx context.Context, accountID, platformName string) error {
	if !platform.Valid(platformName) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unsupported platform", nil)
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.UnlinkIdentity(ctx, accountID, platformName)
}

func (s *Service) DeleteAccount(ctx context.Context, accountID, sessionToken string) error {
	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.DeleteAccount(storeCtx, accountID); err != nil {
		return err
	}
	if sessionToken != "" {
		_ = s.sessions.Revoke(ctx, sessionToken)
	}
	return nil
}

// Stats is the public counters surface: total accounts plus the in-process
// lookup observations.
func (s *Service) Stats(ctx context.Context) (map[string]any, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	users, err := s.store.CountAccounts(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := s.registry.Snapshot()
	var total int64
	for _, count := range snapshot.Requests {
		total += count
	}
	return map[string]any{
		"users":             users,
		"lookups":           total,
		"lookupsByKey":      snapshot.Requests,
		"meanBulkBatchSize": snapshot.MeanBulkBatchSize(),
	}, nil
}

// Shield renders the shields.io endpoint payload for one identity.
func (s *Service) Shield(ctx context.Context, platformName, platformUserID string, styling pronouns.Styling) (map[string]any, error) {
	value, err := s.LookupSingle(ctx, platformName, platformUserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"schemaVersion": 1,
		"label":         "pronouns",
		"message":       pronouns.Format(value, styling),
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}
