package controlplane

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// ExpirySafetyMargin is how long before its recorded expiry a token is
// already treated as expired.
const ExpirySafetyMargin = 60 * time.Second

func newOAuthConfig(baseURL string) *oauth2.Config {
	return &oauth2.Config{
		Endpoint: oauth2.Endpoint{
			TokenURL:  baseURL + "/Auth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// FetchToken performs the password grant against /Auth/token. A token
// issued without expires_in is returned already expired so it is never
// reused.
func (c *Client) FetchToken(ctx context.Context) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.oauth.PasswordCredentialsToken(ctx, c.username, c.password)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch control plane token: %w", err)
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = time.Now()
	}
	return tok, nil
}

// passwordGrant is the uncached token source behind every Session.
// oauth2.TokenSource carries no context, so fetches are bounded by the
// client's HTTP timeout.
type passwordGrant struct {
	client *Client
}

func (g passwordGrant) Token() (*oauth2.Token, error) {
	return g.client.FetchToken(context.Background())
}

// newCredentialSource caches the grant's token until it is within
// ExpirySafetyMargin of expiring. A failed fetch leaves nothing cached.
func newCredentialSource(c *Client) oauth2.TokenSource {
	return oauth2.ReuseTokenSourceWithExpiry(nil, passwordGrant{client: c}, ExpirySafetyMargin)
}
