package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/zhouzirui/copilot-relay/backend/internal/config"
)

const defaultAuthorityHost = "https://login.microsoftonline.com"

// Token is the result of a successful code exchange.
type Token struct {
	AccessToken string
	IDToken     string
	Expiry      time.Time
}

// Provider is the authorization service the login flow talks to.
type Provider interface {
	AuthCodeURL(state, redirectURI string) string
	Exchange(ctx context.Context, code, redirectURI string) (*Token, error)
}

// OAuthProvider runs the authorization-code flow against the Microsoft
// identity platform.
type OAuthProvider struct {
	cfg        oauth2.Config
	httpClient *http.Client
}

// NewOAuthProvider builds a provider for the agent's app registration. A nil
// httpClient uses http.DefaultClient.
func NewOAuthProvider(agent config.AgentConfig, httpClient *http.Client) *OAuthProvider {
	endpoint := microsoft.AzureADEndpoint(agent.TenantID)
	if host := strings.TrimRight(agent.AuthorityHost, "/"); host != "" && host != defaultAuthorityHost {
		endpoint = oauth2.Endpoint{
			AuthURL:  host + "/" + agent.TenantID + "/oauth2/v2.0/authorize",
			TokenURL: host + "/" + agent.TenantID + "/oauth2/v2.0/token",
		}
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &OAuthProvider{
		cfg: oauth2.Config{
			ClientID:     agent.AppID,
			ClientSecret: agent.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       agent.Scopes(),
		},
		httpClient: httpClient,
	}
}

// AuthCodeURL returns the authorization redirect carrying state and the
// callback address.
func (p *OAuthProvider) AuthCodeURL(state, redirectURI string) string {
	return p.cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
}

// Exchange trades an authorization code for tokens. redirectURI must match the
// one used for AuthCodeURL.
func (p *OAuthProvider) Exchange(ctx context.Context, code, redirectURI string) (*Token, error) {
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}

	tok, err := p.cfg.Exchange(ctx, code, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	if err != nil {
		return nil, err
	}

	idToken, _ := tok.Extra("id_token").(string)
	return &Token{
		AccessToken: tok.AccessToken,
		IDToken:     idToken,
		Expiry:      tok.Expiry,
	}, nil
}
