package datasync

import (
	"testing"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func TestParseSessionTokenUnverified(t *testing.T) {
	userId := NewId()
	sessionId := NewId()

	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":    userId.String(),
		"user_name":  "sam",
		"session_id": sessionId.String(),
	})
	byJwt, err := token.SignedString([]byte("irrelevant"))
	assert.Equal(t, err, nil)

	sessionToken, err := ParseSessionTokenUnverified(byJwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, sessionToken.UserId, userId)
	assert.Equal(t, sessionToken.UserName, "sam")
	assert.Equal(t, sessionToken.SessionId, sessionId)
}

func TestParseSessionTokenBadToken(t *testing.T) {
	_, err := ParseSessionTokenUnverified("not-a-jwt")
	assert.Equal(t, err == nil, false)
}

func TestChannelAuthUserId(t *testing.T) {
	userId := NewId()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": userId.String(),
	})
	byJwt, err := token.SignedString([]byte("irrelevant"))
	assert.Equal(t, err, nil)

	auth := &ChannelAuth{
		ByJwt: byJwt,
	}
	parsedUserId, err := auth.UserId()
	assert.Equal(t, err, nil)
	assert.Equal(t, parsedUserId, userId)
}
