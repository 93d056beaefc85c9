package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"pronoundb/api/internal/config"
	"pronoundb/api/internal/linking"
	"pronoundb/api/internal/platform"
)

var ErrProviderNotConfigured = errors.New("oauth provider not configured")

// provider describes one OAuth platform: its protocol endpoints, where to
// fetch the authenticated user, and how to read the identity out of the
// user payload.
type provider struct {
	endpoint oauth2.Endpoint
	userURL  string
	scopes   []string
	// extraHeaders adds provider-specific request headers to the user fetch.
	extraHeaders func(h http.Header, client config.OAuthClient)
	identity     func(payload []byte) (id, displayName string, err error)
}

var providers = map[string]provider{
	platform.Discord: {
		endpoint: oauth2.Endpoint{
			AuthURL:   "https://discord.com/oauth2/authorize",
			TokenURL:  "https://discord.com/api/v10/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		userURL: "https://discord.com/api/v10/users/@me",
		scopes:  []string{"identify"},
		identity: func(payload []byte) (string, string, error) {
			var body struct {
				ID       string `json:"id"`
				Username string `json:"username"`
			}
			if err := json.Unmarshal(payload, &body); err != nil {
				return "", "", err
			}
			return body.ID, body.Username, nil
		},
	},
	platform.GitHub: {
		endpoint: oauth2.Endpoint{
			AuthURL:   "https://github.com/login/oauth/authorize",
			TokenURL:  "https://github.com/login/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		userURL: "https://api.github.com/user",
		scopes:  []string{"read:user"},
		identity: func(payload []byte) (string, string, error) {
			var body struct {
				ID    int64  `json:"id"`
				Login string `json:"login"`
			}
			if err := json.Unmarshal(payload, &body); err != nil {
				return "", "", err
			}
			return strconv.FormatInt(body.ID, 10), body.Login, nil
		},
	},
	platform.Twitch: {
		endpoint: oauth2.Endpoint{
			AuthURL:   "https://id.twitch.tv/oauth2/authorize",
			TokenURL:  "https://id.twitch.tv/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		userURL: "https://api.twitch.tv/helix/users",
		extraHeaders: func(h http.Header, client config.OAuthClient) {
			h.Set("Client-Id", client.ClientID)
		},
		identity: func(payload []byte) (string, string, error) {
			var body struct {
				Data []struct {
					ID    string `json:"id"`
					Login string `json:"login"`
				} `json:"data"`
			}
			if err := json.Unmarshal(payload, &body); err != nil {
				return "", "", err
			}
			if len(body.Data) == 0 {
				return "", "", errors.New("empty user payload")
			}
			return body.Data[0].ID, body.Data[0].Login, nil
		},
	},
	platform.Twitter: {
		endpoint: oauth2.Endpoint{
			AuthURL:   "https://twitter.com/i/oauth2/authorize",
			TokenURL:  "https://api.twitter.com/2/oauth2/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		userURL: "https://api.twitter.com/2/users/me",
		scopes:  []string{"users.read", "tweet.read"},
		identity: func(payload []byte) (string, string, error) {
			var body struct {
				Data struct {
					ID       string `json:"id"`
					Username string `json:"username"`
				} `json:"data"`
			}
			if err := json.Unmarshal(payload, &body); err != nil {
				return "", "", err
			}
			return body.Data.ID, body.Data.Username, nil
		},
	},
	platform.Facebook: {
		endpoint: oauth2.Endpoint{
			AuthURL:   "https://www.facebook.com/v19.0/dialog/oauth",
			TokenURL:  "https://graph.facebook.com/v19.0/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		userURL: "https://graph.facebook.com/v19.0/me?fields=id,name",
		identity: func(payload []byte) (string, string, error) {
			var body struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			}
			if err := json.Unmarshal(payload, &body); err != nil {
				return "", "", err
			}
			return body.ID, body.Name, nil
		},
	},
}

// ProviderVerifier exchanges OAuth authorization codes for verified platform
// identities. One instance serves every configured platform.
type ProviderVerifier struct {
	client    *http.Client
	creds     map[string]config.OAuthClient
	providers map[string]provider
}

func NewProviderVerifier(creds map[string]config.OAuthClient) *ProviderVerifier {
	return &ProviderVerifier{
		client:    &http.Client{Timeout: 10 * time.Second},
		creds:     creds,
		providers: providers,
	}
}

func (v *ProviderVerifier) oauthConfig(prov provider, client config.OAuthClient) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		RedirectURL:  client.RedirectURL,
		Endpoint:     prov.endpoint,
		Scopes:       prov.scopes,
	}
}

// AuthURL returns the provider's consent page URL carrying the signed state.
func (v *ProviderVerifier) AuthURL(platformName, state string) (string, error) {
	prov, ok := v.providers[platformName]
	if !ok {
		return "", fmt.Errorf("%s: %w", platformName, ErrProviderNotConfigured)
	}
	client, ok := v.creds[platformName]
	if !ok {
		return "", fmt.Errorf("%s: %w", platformName, ErrProviderNotConfigured)
	}
	return v.oauthConfig(prov, client).AuthCodeURL(state), nil
}

func (v *ProviderVerifier) Verify(ctx context.Context, platformName, code string) (linking.ExternalIdentity, error) {
	prov, ok := v.providers[platformName]
	if !ok {
		return linking.ExternalIdentity{}, fmt.Errorf("%s: %w", platformName, ErrProviderNotConfigured)
	}
	client, ok := v.creds[platformName]
	if !ok {
		return linking.ExternalIdentity{}, fmt.Errorf("%s: %w", platformName, ErrProviderNotConfigured)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, v.client)
	token, err := v.oauthConfig(prov, client).Exchange(ctx, code)
	if err != nil {
		return linking.ExternalIdentity{}, fmt.Errorf("%s code exchange: %w", platformName, err)
	}

	id, displayName, err := v.fetchIdentity(ctx, prov, client, token)
	if err != nil {
		return linking.ExternalIdentity{}, fmt.Errorf("%s user fetch: %w", platformName, err)
	}
	return linking.ExternalIdentity{
		Platform:       platformName,
		PlatformUserID: id,
		DisplayName:    displayName,
	}, nil
}

func (v *ProviderVerifier) fetchIdentity(ctx context.Context, prov provider, client config.OAuthClient, token *oauth2.Token) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, prov.userURL, nil)
	if err != nil {
		return "", "", err
	}
	token.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")
	if prov.extraHeaders != nil {
		prov.extraHeaders(req.Header, client)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("user endpoint returned %d", resp.StatusCode)
	}

	id, displayName, err := prov.identity(payload)
	if err != nil {
		return "", "", err
	}
	if id == "" {
		return "", "", errors.New("provider returned no user id")
	}
	return id, displayName, nil
}
