// Package auth maps inbound OCPI tokens to caller identities.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/store"
)

const scheme = "Token "

// Authenticator validates Authorization header values against the token store
type Authenticator struct {
	tokens store.TokenStore
}

// NewAuthenticator creates an authenticator
func NewAuthenticator(tokens store.TokenStore) *Authenticator {
	return &Authenticator{tokens: tokens}
}

// Authenticate strips the "Token " scheme and resolves the caller.
// Base64-encoded tokens are accepted as well as plain ones.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (*ocpi.Identity, error) {
	if !strings.HasPrefix(raw, scheme) {
		return nil, ocpi.ErrInvalidToken
	}
	value := strings.TrimSpace(strings.TrimPrefix(raw, scheme))
	if value == "" {
		return nil, ocpi.ErrInvalidToken
	}

	t, err := a.lookup(ctx, value)
	if err != nil {
		return nil, err
	}

	switch {
	case !t.Valid:
		return nil, ocpi.ErrTokenRevoked
	case t.Type == ocpi.TokenTypeA && t.Used:
		return nil, ocpi.ErrTokenAlreadyUsed
	}

	return &ocpi.Identity{
		Role:        t.Role,
		CountryCode: t.CountryCode,
		PartyID:     t.PartyID,
		TokenType:   t.Type,
		LocationID:  t.LocationID,
		Token:       t.UID,
	}, nil
}

func (a *Authenticator) lookup(ctx context.Context, value string) (*ocpi.Token, error) {
	t, err := a.tokens.GetToken(ctx, value)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ocpi.ErrNotFound) {
		return nil, err
	}

	decoded, decErr := base64.StdEncoding.DecodeString(value)
	if decErr != nil {
		return nil, ocpi.ErrInvalidToken
	}
	t, err = a.tokens.GetToken(ctx, string(decoded))
	if errors.Is(err, ocpi.ErrNotFound) {
		return nil, ocpi.ErrInvalidToken
	}
	return t, err
}

// Require fails with ErrForbidden unless the identity presented one of the
// allowed token types
func Require(id *ocpi.Identity, types ...ocpi.TokenType) error {
	for _, t := range types {
		if id.TokenType == t {
			return nil
		}
	}
	return ocpi.ErrForbidden
}

type identityKey struct{}

// WithIdentity stores the caller identity in ctx
func WithIdentity(ctx context.Context, id *ocpi.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the caller identity stored by WithIdentity
func FromContext(ctx context.Context) (*ocpi.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*ocpi.Identity)
	return id, ok
}
