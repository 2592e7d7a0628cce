package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alwitt/pushgate/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
)

func signToken(t *testing.T, secret string, method jwt.SigningMethod, claims jwt.RegisteredClaims) string {
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	assert.Nil(t, err)
	return token
}

func TestJWTAuthenticator(t *testing.T) {
	assert := assert.New(t)

	secret := "unit-test-secret"
	uut, err := GetJWTAuthenticator("testing", common.AuthConfig{
		JWTSecret: secret, TokenCacheSize: 8,
	})
	assert.Nil(err)
	uutc := uut.(*jwtAuthenticatorImpl)

	valid := signToken(t, secret, jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	// Case 1: anonymous
	{
		req := httptest.NewRequest("GET", "/ws/stomp", nil)
		user, err := uut.ResolveUser(req)
		assert.Nil(err)
		assert.Equal("", user)
	}

	// Case 2: bearer header
	{
		req := httptest.NewRequest("GET", "/ws/stomp", nil)
		req.Header.Set("Authorization", "Bearer "+valid)
		user, err := uut.ResolveUser(req)
		assert.Nil(err)
		assert.Equal("alice", user)
		assert.True(uutc.cache.Contains(valid))
	}

	// Case 3: query parameter
	{
		req := httptest.NewRequest("GET", "/ws/orders?access_token="+valid, nil)
		user, err := uut.ResolveUser(req)
		assert.Nil(err)
		assert.Equal("alice", user)
	}

	// Case 4: wrong secret
	{
		forged := signToken(t, "other", jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject: "mallory",
		})
		req := httptest.NewRequest("GET", "/ws/stomp", nil)
		req.Header.Set("Authorization", "Bearer "+forged)
		_, err := uut.ResolveUser(req)
		assert.NotNil(err)
		var connErr *common.ConnectionError
		assert.ErrorAs(err, &connErr)
	}

	// Case 5: wrong algorithm
	{
		other := signToken(t, secret, jwt.SigningMethodHS512, jwt.RegisteredClaims{
			Subject: "alice",
		})
		req := httptest.NewRequest("GET", "/ws/stomp", nil)
		req.Header.Set("Authorization", "Bearer "+other)
		_, err := uut.ResolveUser(req)
		assert.NotNil(err)
	}

	// Case 6: expired token
	{
		expired := signToken(t, secret, jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		})
		req := httptest.NewRequest("GET", "/ws/stomp", nil)
		req.Header.Set("Authorization", "Bearer "+expired)
		_, err := uut.ResolveUser(req)
		assert.NotNil(err)
	}

	// Case 7: no subject
	{
		nameless := signToken(t, secret, jwt.SigningMethodHS256, jwt.RegisteredClaims{})
		req := httptest.NewRequest("GET", "/ws/stomp", nil)
		req.Header.Set("Authorization", "Bearer "+nameless)
		_, err := uut.ResolveUser(req)
		assert.NotNil(err)
	}

	// Case 8: cached identity expires
	{
		uutc.now = func() time.Time { return time.Now().Add(time.Hour * 2) }
		req := httptest.NewRequest("GET", "/ws/stomp", nil)
		req.Header.Set("Authorization", "Bearer "+valid)
		_, err := uut.ResolveUser(req)
		assert.NotNil(err)
		assert.False(uutc.cache.Contains(valid))
	}
}

func TestJWTAuthenticatorWithoutSecret(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetJWTAuthenticator("testing", common.AuthConfig{TokenCacheSize: 8})
	assert.Nil(err)

	req := httptest.NewRequest("GET", "/ws/stomp", nil)
	user, err := uut.ResolveUser(req)
	assert.Nil(err)
	assert.Equal("", user)

	req.Header.Set("Authorization", "Bearer abc.def.ghi")
	_, err = uut.ResolveUser(req)
	assert.NotNil(err)
}
