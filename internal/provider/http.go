package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/models"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/retry"
)

// HTTPFactoryConfig configures a generic HTTP token-endpoint factory.
// Most OAuth-style storage providers (Google Drive, Dropbox, OneDrive)
// refresh tokens with the same form-encoded POST shape; only the URLs and
// client credentials differ.
type HTTPFactoryConfig struct {
	Provider     string
	TokenURL     string // token refresh endpoint
	ProbeURL     string // cheap authenticated GET used for connectivity tests
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	MaxRetries   int
}

// HTTPFactory builds HTTP-backed provider clients. It satisfies
// core.ProviderClientFactory.
type HTTPFactory struct {
	cfg  HTTPFactoryConfig
	http *retry.Client
}

var _ core.ProviderClientFactory = (*HTTPFactory)(nil)

// NewHTTPFactory creates a factory for one provider.
func NewHTTPFactory(cfg HTTPFactoryConfig) *HTTPFactory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &HTTPFactory{
		cfg: cfg,
		http: retry.NewClient(
			retry.WithMaxRetries(cfg.MaxRetries),
			retry.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		),
	}
}

// Provider returns the provider name this factory serves.
func (f *HTTPFactory) Provider() string {
	return f.cfg.Provider
}

// NewClient binds a client to one credential.
func (f *HTTPFactory) NewClient(
	ctx context.Context,
	cred *models.Credential,
) (core.ProviderClient, error) {
	if cred == nil {
		return nil, fmt.Errorf("provider %s: nil credential", f.cfg.Provider)
	}
	return &httpClient{factory: f, accessToken: cred.AccessToken}, nil
}

// httpClient is a read-mostly client safe to share between goroutines.
type httpClient struct {
	factory     *HTTPFactory
	accessToken string
}

func (c *httpClient) Provider() string {
	return c.factory.cfg.Provider
}

// tokenResponse is the standard OAuth token endpoint response shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// RefreshToken exchanges the refresh token for a new access token. Raw
// failures carry the provider's own wording so the classifier can match
// on it.
func (c *httpClient) RefreshToken(
	ctx context.Context,
	cred *models.Credential,
) (*core.RefreshedToken, error) {
	cfg := c.factory.cfg

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		cfg.TokenURL,
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.factory.http.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf(
			"token endpoint returned status %d with undecodable body", resp.StatusCode,
		)
	}

	if resp.StatusCode != http.StatusOK || tr.Error != "" {
		// Surface the provider's error token verbatim; classification
		// depends on it ("invalid_grant", "rate limit exceeded", ...).
		return nil, fmt.Errorf(
			"token refresh failed (status %d): %s %s",
			resp.StatusCode, tr.Error, tr.ErrorDesc,
		)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token (status %d)", resp.StatusCode)
	}

	refreshed := &core.RefreshedToken{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Scopes:       tr.Scope,
	}
	if tr.ExpiresIn > 0 {
		refreshed.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return refreshed, nil
}

// TestConnectivity performs a cheap authenticated probe. Providers without
// a configured probe URL report success when the token endpoint is set.
func (c *httpClient) TestConnectivity(ctx context.Context) error {
	cfg := c.factory.cfg
	if cfg.ProbeURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.ProbeURL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.factory.http.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("connectivity probe: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("connectivity probe returned status %d", resp.StatusCode)
	}
	return nil
}
