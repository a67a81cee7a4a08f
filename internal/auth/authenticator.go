package auth

import (
	"errors"
	"fmt"
	"net/http"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Authenticator resolves the user behind a request. Browsers cannot set
// headers on a websocket upgrade, so the token may also arrive in the
// "token" query parameter.
type Authenticator struct {
	secret   string
	profiles interfaces.ProfileDirectory
}

// NewAuthenticator creates an authenticator backed by profiles.
func NewAuthenticator(secret string, profiles interfaces.ProfileDirectory) *Authenticator {
	return &Authenticator{secret: secret, profiles: profiles}
}

// Authenticate returns the request's user or an error if there is none.
func (a *Authenticator) Authenticate(r *http.Request) (*types.User, error) {
	token, ok := ParseBearerToken(r.Header.Get("Authorization"))
	if !ok {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return nil, ErrMissingToken
	}
	claims, err := ParseAccessToken(token, a.secret)
	if err != nil {
		return nil, err
	}
	user, err := a.profiles.GetUser(r.Context(), claims.UserID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", claims.UserID, err)
	}
	return user, nil
}

// IsAuthError reports whether err means the caller is not authenticated,
// as opposed to a backend failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingToken) || errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrUnknownUser)
}
