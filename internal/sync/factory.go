package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mwhitfield/calsyncd/internal/auth"
	"github.com/mwhitfield/calsyncd/internal/provider"
	"github.com/mwhitfield/calsyncd/internal/provider/caldav"
	"github.com/mwhitfield/calsyncd/internal/provider/google"
	"github.com/mwhitfield/calsyncd/internal/provider/graph"
	"github.com/mwhitfield/calsyncd/internal/store"
)

// isInProgress reports whether err means another pass holds the claim.
func isInProgress(err error) bool {
	return errors.Is(err, store.ErrSyncInProgress)
}

// CalDAVCredentials is the stored credential blob for a CalDAV connection.
// CalDAV servers use basic auth rather than OAuth, so the blob lives in the
// same provider token table as the OAuth tokens.
type CalDAVCredentials struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Factory builds provider clients from a connection's stored credentials.
type Factory struct {
	db     *store.DB
	tokens *auth.TokenManager
}

// NewFactory creates a client factory.
func NewFactory(db *store.DB, tokens *auth.TokenManager) *Factory {
	return &Factory{db: db, tokens: tokens}
}

// ClientFor returns a provider client authenticated for the connection's
// account.
func (f *Factory) ClientFor(ctx context.Context, conn *store.Connection) (provider.Client, error) {
	switch conn.Provider {
	case store.ProviderMicrosoft:
		source, err := f.tokens.TokenSource(ctx, conn.UserID, store.ProviderMicrosoft)
		if err != nil {
			return nil, err
		}
		return graph.NewClient(source)

	case store.ProviderGoogle:
		source, err := f.tokens.TokenSource(ctx, conn.UserID, store.ProviderGoogle)
		if err != nil {
			return nil, err
		}
		return google.NewClient(ctx, source)

	case store.ProviderCalDAV:
		tok, err := f.db.GetProviderToken(conn.UserID, store.ProviderCalDAV)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: caldav", auth.ErrNoToken)
		}
		if err != nil {
			return nil, err
		}

		var creds CalDAVCredentials
		if err := json.Unmarshal([]byte(tok.Token), &creds); err != nil {
			return nil, fmt.Errorf("corrupt caldav credentials: %w", err)
		}
		return caldav.NewClient(creds.URL, creds.Username, creds.Password)

	default:
		return nil, fmt.Errorf("unsupported provider: %s", conn.Provider)
	}
}

// SaveCalDAVCredentials stores basic-auth credentials for a user's CalDAV
// account.
func (f *Factory) SaveCalDAVCredentials(userID string, creds CalDAVCredentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal caldav credentials: %w", err)
	}
	return f.db.UpsertProviderToken(&store.ProviderToken{
		UserID:   userID,
		Provider: store.ProviderCalDAV,
		Token:    string(raw),
	})
}
