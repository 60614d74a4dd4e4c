package main

import (
	"errors"
	"net/http"
	"strings"

	"paddleduel/broker/internal/auth"
	"paddleduel/broker/internal/config"
	"paddleduel/broker/internal/match"
)

type websocketAuthenticator interface {
	Authenticate(r *http.Request) (match.Identity, error)
}

type tokenWebsocketAuthenticator struct {
	verifier auth.Verifier
}

func newTokenWebsocketAuthenticator(cfg config.AuthConfig) (websocketAuthenticator, error) {
	verifier, err := auth.NewHMACTokenVerifier(cfg.Secret, cfg.Leeway, auth.WithIssuer(cfg.Issuer), auth.WithAudience(cfg.Audience))
	if err != nil {
		return nil, err
	}
	return &tokenWebsocketAuthenticator{verifier: verifier}, nil
}

// Authenticate resolves the identity carried by the upgrade request.
func (a *tokenWebsocketAuthenticator) Authenticate(r *http.Request) (match.Identity, error) {
	if a == nil || a.verifier == nil {
		return match.Identity{}, errors.New("verifier not configured")
	}
	token := requestToken(r)
	if token == "" {
		return match.Identity{}, auth.ErrMissingToken
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return match.Identity{}, err
	}
	return match.Identity{Sub: claims.Sub, UserName: claims.UserName}, nil
}

// requestToken checks the query string first because browsers cannot set headers on upgrades.
func requestToken(r *http.Request) string {
	query := r.URL.Query()
	for _, key := range []string{"token", "auth_token"} {
		if token := strings.TrimSpace(query.Get(key)); token != "" {
			return token
		}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return strings.TrimSpace(r.Header.Get("X-Auth-Token"))
}

// WithWebsocketAuthenticator wires a custom authenticator into the broker.
func WithWebsocketAuthenticator(authenticator websocketAuthenticator) BrokerOption {
	return func(b *Broker) {
		if b == nil || authenticator == nil {
			return
		}
		b.wsAuthenticator = authenticator
	}
}
