package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/pushgate/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
)

// AccessTokenQueryParam query parameter carrying the access token when the client can not
// set headers on the websocket handshake
const AccessTokenQueryParam = "access_token"

// Authenticator resolves the user of a connection at handshake time
type Authenticator interface {
	// ResolveUser return the user ID of the request. An empty user ID with no error means
	// the request is anonymous.
	ResolveUser(r *http.Request) (string, error)
}

type cachedIdentity struct {
	userID string
	expiry time.Time
}

// jwtAuthenticatorImpl implements Authenticator with HMAC signed JWTs
type jwtAuthenticatorImpl struct {
	common.Component
	secret []byte
	cache  *lru.Cache[string, cachedIdentity]
	now    func() time.Time
}

// GetJWTAuthenticator define a new JWT based Authenticator
func GetJWTAuthenticator(instance string, config common.AuthConfig) (Authenticator, error) {
	logTags := log.Fields{
		"module": "auth", "component": "jwt-authenticator", "instance": instance,
	}
	cacheSize := config.TokenCacheSize
	if cacheSize < 1 {
		cacheSize = 1
	}
	cache, err := lru.New[string, cachedIdentity](cacheSize)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define token cache")
		return nil, err
	}
	if config.JWTSecret == "" {
		log.WithFields(logTags).Warn("No JWT secret configured, only anonymous connections accepted")
	}
	return &jwtAuthenticatorImpl{
		Component: common.Component{LogTags: logTags},
		secret:    []byte(config.JWTSecret),
		cache:     cache,
		now:       time.Now,
	}, nil
}

// ExtractToken fetch the bearer token from the Authorization header or the access token
// query parameter
func ExtractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get(AccessTokenQueryParam)
}

// ResolveUser return the user ID of the request
func (a *jwtAuthenticatorImpl) ResolveUser(r *http.Request) (string, error) {
	token := ExtractToken(r)
	if token == "" {
		return "", nil
	}
	userID, err := a.verify(token)
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).WithField("remote", r.RemoteAddr).Info(
			"Rejected access token",
		)
		return "", &common.ConnectionError{Remote: r.RemoteAddr, Err: err}
	}
	return userID, nil
}

// verify check the token signature and claims, consulting the cache first
func (a *jwtAuthenticatorImpl) verify(token string) (string, error) {
	now := a.now()
	if cached, ok := a.cache.Get(token); ok {
		if cached.expiry.IsZero() || now.Before(cached.expiry) {
			return cached.userID, nil
		}
		a.cache.Remove(token)
		return "", fmt.Errorf("token expired")
	}
	if len(a.secret) == 0 {
		return "", fmt.Errorf("token verification not configured")
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}

	identity := cachedIdentity{userID: claims.Subject}
	if claims.ExpiresAt != nil {
		identity.expiry = claims.ExpiresAt.Time
	}
	a.cache.Add(token, identity)
	return identity.userID, nil
}
