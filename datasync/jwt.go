package datasync

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

type SessionToken struct {
	UserId    Id
	UserName  string
	SessionId Id
}

// the token is verified server side. the client only needs the identity
// claims for display and channel auth.
func ParseSessionTokenUnverified(byJwt string) (*SessionToken, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	sessionToken := &SessionToken{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			sessionToken.UserId = userId
		}
	}
	if userName, ok := claims["user_name"].(string); ok {
		sessionToken.UserName = userName
	}
	if sessionIdStr, ok := claims["session_id"].(string); ok {
		if sessionId, err := ParseId(sessionIdStr); err == nil {
			sessionToken.SessionId = sessionId
		}
	}

	return sessionToken, nil
}
