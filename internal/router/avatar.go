package router

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

const (
	DefaultAvatarPath = "/static/default-avatar.png"
	DefaultMediaURL   = "/media/"
	defaultHost       = "localhost:8000"
)

// AvatarResolver builds the profile_pic value of outbound frames. Every
// URL carries the current unix time so clients always refetch the image.
type AvatarResolver struct {
	DefaultPath string
	MediaURL    string
	Now         func() time.Time
}

// NewAvatarResolver returns a resolver with the given paths, falling back
// to the defaults for empty values.
func NewAvatarResolver(defaultPath, mediaURL string) *AvatarResolver {
	if defaultPath == "" {
		defaultPath = DefaultAvatarPath
	}
	if mediaURL == "" {
		mediaURL = DefaultMediaURL
	}
	return &AvatarResolver{DefaultPath: defaultPath, MediaURL: mediaURL, Now: time.Now}
}

// URL returns the absolute picture URL for user, or the default avatar
// path when the user has no picture.
func (a *AvatarResolver) URL(origin interfaces.Origin, user *types.User) string {
	path, ok := user.PicturePath()
	if !ok {
		return a.DefaultPath
	}
	scheme := origin.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := origin.Host
	if host == "" {
		host = defaultHost
	}
	media := strings.TrimSuffix(a.MediaURL, "/") + "/" + strings.TrimPrefix(path, "/")
	return fmt.Sprintf("%s://%s%s?v=%d", scheme, host, media, a.Now().Unix())
}

// RequestOrigin derives the http(s) origin of a request. Socket upgrades
// map ws to http and wss to https.
func RequestOrigin(r *http.Request) interfaces.Origin {
	scheme := "http"
	switch proto := strings.ToLower(r.Header.Get("X-Forwarded-Proto")); {
	case r.TLS != nil, proto == "https", proto == "wss":
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = defaultHost
	}
	return interfaces.Origin{Scheme: scheme, Host: host}
}
