package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/mwhitfield/calsyncd/internal/store"
)

var (
	ErrNoToken         = errors.New("no stored token for provider")
	ErrUnknownProvider = errors.New("unknown oauth provider")
)

// ProviderOAuth holds the OAuth application credentials for one calendar
// provider.
type ProviderOAuth struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// TokenManager stores and refreshes per-user OAuth tokens for the calendar
// providers. Tokens persist in the database as JSON so refreshed tokens
// survive restarts.
type TokenManager struct {
	db      *store.DB
	configs map[store.Provider]*oauth2.Config
}

// NewTokenManager builds the oauth2 configs for the configured providers.
// A provider with no client ID is simply absent from the map and connecting
// it returns ErrUnknownProvider.
func NewTokenManager(db *store.DB, msOAuth, googleOAuth ProviderOAuth) *TokenManager {
	configs := make(map[store.Provider]*oauth2.Config)

	if msOAuth.ClientID != "" {
		configs[store.ProviderMicrosoft] = &oauth2.Config{
			ClientID:     msOAuth.ClientID,
			ClientSecret: msOAuth.ClientSecret,
			RedirectURL:  msOAuth.RedirectURL,
			Endpoint:     microsoft.AzureADEndpoint("common"),
			Scopes: []string{
				"offline_access",
				"https://graph.microsoft.com/Calendars.ReadWrite",
			},
		}
	}

	if googleOAuth.ClientID != "" {
		configs[store.ProviderGoogle] = &oauth2.Config{
			ClientID:     googleOAuth.ClientID,
			ClientSecret: googleOAuth.ClientSecret,
			RedirectURL:  googleOAuth.RedirectURL,
			Endpoint:     google.Endpoint,
			Scopes: []string{
				"https://www.googleapis.com/auth/calendar",
			},
		}
	}

	return &TokenManager{db: db, configs: configs}
}

// Config returns the oauth2 config for a provider.
func (tm *TokenManager) Config(provider store.Provider) (*oauth2.Config, error) {
	config, ok := tm.configs[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return config, nil
}

// AuthCodeURL returns the consent URL for connecting a provider account.
// Offline access is requested so a refresh token is issued.
func (tm *TokenManager) AuthCodeURL(provider store.Provider, state string) (string, error) {
	config, err := tm.Config(provider)
	if err != nil {
		return "", err
	}
	return config.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// Exchange trades the authorization code for a token and persists it.
func (tm *TokenManager) Exchange(ctx context.Context, userID string, provider store.Provider, code string) error {
	config, err := tm.Config(provider)
	if err != nil {
		return err
	}

	token, err := config.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}

	return tm.save(userID, provider, token)
}

// TokenSource returns an auto-refreshing token source for the user's stored
// provider token. Refreshed tokens are written back to the database.
func (tm *TokenManager) TokenSource(ctx context.Context, userID string, provider store.Provider) (oauth2.TokenSource, error) {
	config, err := tm.Config(provider)
	if err != nil {
		return nil, err
	}

	stored, err := tm.db.GetProviderToken(userID, provider)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoToken, provider)
	}
	if err != nil {
		return nil, err
	}

	var token oauth2.Token
	if err := json.Unmarshal([]byte(stored.Token), &token); err != nil {
		return nil, fmt.Errorf("corrupt stored token: %w", err)
	}

	return &persistingTokenSource{
		tm:       tm,
		userID:   userID,
		provider: provider,
		source:   config.TokenSource(ctx, &token),
		last:     token.AccessToken,
	}, nil
}

func (tm *TokenManager) save(userID string, provider store.Provider, token *oauth2.Token) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	return tm.db.UpsertProviderToken(&store.ProviderToken{
		UserID:   userID,
		Provider: provider,
		Token:    string(raw),
	})
}

// persistingTokenSource wraps a refreshing token source and writes refreshed
// tokens back to the store so the refresh token chain is never lost.
type persistingTokenSource struct {
	tm       *TokenManager
	userID   string
	provider store.Provider
	source   oauth2.TokenSource
	last     string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.source.Token()
	if err != nil {
		return nil, err
	}

	if token.AccessToken != s.last {
		s.last = token.AccessToken
		if err := s.tm.save(s.userID, s.provider, token); err != nil {
			log.Printf("Failed to persist refreshed %s token for user %s: %v", s.provider, s.userID, err)
		}
	}

	return token, nil
}
