package auth

import (
	"errors"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestIdentityClaimsPolicy(t *testing.T) {
	tests := []struct {
		name    string
		claims  identityClaims
		wantErr error
	}{
		{
			"verified email",
			identityClaims{Subject: "sub-1", Email: "a@example.com", EmailVerified: boolPtr(true), Name: "A"},
			nil,
		},
		{
			"issuer omits email_verified",
			identityClaims{Subject: "sub-1", Email: "a@example.com"},
			nil,
		},
		{
			"missing email",
			identityClaims{Subject: "sub-1", Name: "A"},
			ErrMissingEmail,
		},
		{
			"unverified email",
			identityClaims{Subject: "sub-1", Email: "a@example.com", EmailVerified: boolPtr(false)},
			ErrEmailNotVerified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := tt.claims.identity()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr == nil && (id == nil || id.Email != tt.claims.Email) {
				t.Errorf("unexpected identity: %+v", id)
			}
		})
	}
}

func TestIdentityClaimsMerge(t *testing.T) {
	idToken := identityClaims{Subject: "sub-1"}
	info := identityClaims{Subject: "sub-1", Email: "a@example.com", EmailVerified: boolPtr(true), Name: "A"}

	idToken.merge(&info)

	if idToken.Email != "a@example.com" || idToken.Name != "A" {
		t.Errorf("merge did not fill gaps: %+v", idToken)
	}
	if idToken.EmailVerified == nil || !*idToken.EmailVerified {
		t.Error("merge should carry the verification claim with the email")
	}

	// Values from the ID token win over userinfo.
	authoritative := identityClaims{Email: "token@example.com", Name: "Token Name"}
	authoritative.merge(&info)
	if authoritative.Email != "token@example.com" || authoritative.Name != "Token Name" {
		t.Errorf("merge overwrote ID token claims: %+v", authoritative)
	}
}
