package oauthcallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// Identity is the user identity a provider's UserInfo endpoint resolves for
// an exchanged token.
type Identity struct {
	Subject   string
	Email     string
	Name      string
	AvatarURL string
}

// ProviderConfig configures a generic authorization-code provider.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
}

// Provider exchanges an authorization code for a token and resolves the
// identity behind it. A Server's OnCode is the natural place to call
// Exchange then UserInfo before returning a result.
type Provider struct {
	config      oauth2.Config
	userInfoURL string
	parse       func([]byte) (Identity, error)
}

// NewProvider builds a Provider with the given endpoints and a UserInfo
// payload parser. Use NewGoogleProvider/NewGitHubProvider for the common
// cases, or call this directly for any other OAuth2 authorization-code
// provider.
func NewProvider(cfg ProviderConfig, parse func([]byte) (Identity, error)) *Provider {
	return &Provider{
		config: oauth2.Config{
			ClientID:     strings.TrimSpace(cfg.ClientID),
			ClientSecret: strings.TrimSpace(cfg.ClientSecret),
			RedirectURL:  strings.TrimSpace(cfg.RedirectURL),
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  strings.TrimSpace(cfg.AuthURL),
				TokenURL: strings.TrimSpace(cfg.TokenURL),
			},
		},
		userInfoURL: strings.TrimSpace(cfg.UserInfoURL),
		parse:       parse,
	}
}

// AuthURL returns the provider's authorization URL for the given state and
// PKCE challenge.
func (p *Provider) AuthURL(state string, pkce PKCEPair) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"))
}

// Exchange trades an authorization code plus PKCE verifier for a token.
func (p *Provider) Exchange(ctx context.Context, code string, pkce PKCEPair) (*oauth2.Token, error) {
	return p.config.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", pkce.Verifier))
}

// ResolveIdentity fetches and parses the provider's UserInfo payload for
// the given token.
func (p *Provider) ResolveIdentity(ctx context.Context, token *oauth2.Token) (Identity, error) {
	if p.userInfoURL == "" {
		return Identity{}, errors.New("oauthcallback: user info url not configured")
	}
	client := p.config.Client(ctx, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("oauthcallback: build user info request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("oauthcallback: user info request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return Identity{}, fmt.Errorf("oauthcallback: user info request failed: %s", strings.TrimSpace(string(body)))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Identity{}, err
	}
	if p.parse == nil {
		return Identity{}, errors.New("oauthcallback: user info parser not configured")
	}
	return p.parse(data)
}

// NewGoogleProvider builds a Provider wired to Google's OAuth2 endpoints.
func NewGoogleProvider(cfg ProviderConfig) *Provider {
	return NewProvider(ProviderConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:     "https://oauth2.googleapis.com/token",
		UserInfoURL:  "https://www.googleapis.com/oauth2/v3/userinfo",
		Scopes:       []string{"openid", "email", "profile"},
	}, parseGoogleIdentity)
}

// NewGitHubProvider builds a Provider wired to GitHub's OAuth2 endpoints.
func NewGitHubProvider(cfg ProviderConfig) *Provider {
	return NewProvider(ProviderConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		AuthURL:      "https://github.com/login/oauth/authorize",
		TokenURL:     "https://github.com/login/oauth/access_token",
		UserInfoURL:  "https://api.github.com/user",
		Scopes:       []string{"user:email"},
	}, parseGitHubIdentity)
}

func parseGoogleIdentity(data []byte) (Identity, error) {
	var payload struct {
		Sub     string `json:"sub"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return Identity{}, err
	}
	return Identity{Subject: payload.Sub, Email: payload.Email, Name: payload.Name, AvatarURL: payload.Picture}, nil
}

func parseGitHubIdentity(data []byte) (Identity, error) {
	var payload struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return Identity{}, err
	}
	name := payload.Name
	if name == "" {
		name = payload.Login
	}
	return Identity{Subject: fmt.Sprintf("%d", payload.ID), Email: payload.Email, Name: name, AvatarURL: payload.AvatarURL}, nil
}
