package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

var (
	ErrOIDCInit         = errors.New("OIDC initialization failed")
	ErrTokenExchange    = errors.New("token exchange failed")
	ErrTokenVerify      = errors.New("token verification failed")
	ErrMissingEmail     = errors.New("email claim is required")
	ErrEmailNotVerified = errors.New("email is not verified")
)

// Identity is the signed-in user as asserted by the identity provider.
// Accounts are keyed by email, so an identity without one is rejected.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

// identityClaims mirrors the token claims we care about. EmailVerified is a
// pointer so an issuer that omits the claim is distinguishable from one that
// asserts false.
type identityClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
}

func (ic *identityClaims) identity() (*Identity, error) {
	if ic.Email == "" {
		return nil, ErrMissingEmail
	}
	if ic.EmailVerified != nil && !*ic.EmailVerified {
		return nil, ErrEmailNotVerified
	}
	return &Identity{
		Subject: ic.Subject,
		Email:   ic.Email,
		Name:    ic.Name,
	}, nil
}

// Authenticator runs the OIDC login flow against a single issuer. Calendar
// provider consent is a separate flow handled by TokenManager; this one only
// establishes who the user is.
type Authenticator struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	config   oauth2.Config
}

// NewAuthenticator discovers the issuer and prepares the login flow.
func NewAuthenticator(ctx context.Context, issuer, clientID, clientSecret, redirectURL string) (*Authenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create provider: %w", ErrOIDCInit, err)
	}

	return &Authenticator{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
	}, nil
}

// AuthCodeURL returns the issuer consent URL for the given state.
func (a *Authenticator) AuthCodeURL(state string) string {
	return a.config.AuthCodeURL(state)
}

// Authenticate exchanges an authorization code, verifies the resulting ID
// token, and returns the asserted identity. Issuers that keep profile data
// out of the ID token are covered by a userinfo lookup.
func (a *Authenticator) Authenticate(ctx context.Context, code string) (*Identity, error) {
	token, err := a.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing id_token", ErrTokenVerify)
	}
	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenVerify, err)
	}

	var claims identityClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %w", ErrTokenVerify, err)
	}

	if claims.Email == "" || claims.Name == "" {
		if info, err := a.userInfo(ctx, token); err == nil {
			claims.merge(info)
		}
	}

	return claims.identity()
}

// merge fills gaps in the ID token claims from a userinfo response.
func (ic *identityClaims) merge(info *identityClaims) {
	if ic.Email == "" {
		ic.Email = info.Email
		ic.EmailVerified = info.EmailVerified
	}
	if ic.Name == "" {
		ic.Name = info.Name
	}
	if ic.Subject == "" {
		ic.Subject = info.Subject
	}
}

func (a *Authenticator) userInfo(ctx context.Context, token *oauth2.Token) (*identityClaims, error) {
	userInfo, err := a.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}

	var claims identityClaims
	if err := userInfo.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse user info: %w", err)
	}
	claims.Subject = userInfo.Subject
	claims.Email = userInfo.Email
	if userInfo.EmailVerified {
		verified := true
		claims.EmailVerified = &verified
	}

	return &claims, nil
}
