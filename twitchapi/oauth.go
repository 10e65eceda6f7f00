// Package twitchapi talks to the Twitch OAuth endpoints: building the
// authorize URL, exchanging a code, and keeping the bot's chat token fresh.
package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Provider is the oauth_tokens key for the bot's chat token.
const Provider = "twitch"

// DefaultScopes are what a chat bot needs.
var DefaultScopes = []string{"chat:read", "chat:edit"}

// Endpoint is Twitch's OAuth2 endpoint. Twitch wants the client credentials
// in the form body.
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://id.twitch.tv/oauth2/authorize",
	TokenURL:  "https://id.twitch.tv/oauth2/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// NewOAuthConfig builds the client config. redirectURI may be empty when the
// config is only used for refreshing.
func NewOAuthConfig(clientID, clientSecret, redirectURI string, scopes ...string) *oauth2.Config {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Endpoint:     Endpoint,
		Scopes:       scopes,
	}
}

// ParseScopes splits a space or comma separated scope list.
func ParseScopes(s string) []string {
	return strings.Fields(strings.ReplaceAll(s, ",", " "))
}

// BuildAuthorizeURL returns the URL the bot account owner opens to grant
// chat access.
func BuildAuthorizeURL(cfg *oauth2.Config, state string) (string, error) {
	if cfg.ClientID == "" || cfg.RedirectURL == "" {
		return "", errors.New("twitchapi: missing client id or redirect uri")
	}
	return cfg.AuthCodeURL(state), nil
}

// ExchangeAuthCode trades an authorization code for a token pair.
func ExchangeAuthCode(ctx context.Context, cfg *oauth2.Config, code string, hc *http.Client) (*oauth2.Token, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || code == "" {
		return nil, errors.New("twitchapi: missing required parameter for auth code exchange")
	}
	tok, err := cfg.Exchange(withClient(ctx, hc), code)
	if err != nil {
		return nil, fmt.Errorf("twitchapi: auth code exchange: %w", err)
	}
	return tok, nil
}

// TokenScope returns the granted scopes of a token response. Twitch sends
// them as a JSON array.
func TokenScope(tok *oauth2.Token) string {
	switch v := tok.Extra("scope").(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				parts = append(parts, str)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// ComputeExpiry returns an absolute expiry from seconds, defaulting to +60m
// when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

func withClient(ctx context.Context, hc *http.Client) context.Context {
	if hc == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, hc)
}
