package discussion

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type Identity struct {
	UserId      string
	DisplayName string
}

// IdentityProvider supplies the current user. Read-only to the engine.
type IdentityProvider interface {
	Identity() Identity
}

type StaticIdentity Identity

func (self StaticIdentity) Identity() Identity {
	return Identity(self)
}

// JwtIdentity reads the identity from the claims of the platform jwt.
// The signature is not verified. Authorization is enforced by the server.
type JwtIdentity struct {
	jwt      string
	identity Identity
}

func NewJwtIdentity(jwt string) (*JwtIdentity, error) {
	identity, err := ParseIdentityUnverified(jwt)
	if err != nil {
		return nil, err
	}
	return &JwtIdentity{
		jwt:      jwt,
		identity: *identity,
	}, nil
}

func (self *JwtIdentity) Identity() Identity {
	return self.identity
}

func (self *JwtIdentity) Jwt() string {
	return self.jwt
}

func ParseIdentityUnverified(jwt string) (*Identity, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	identity := &Identity{}

	switch v := claims["user_id"].(type) {
	case string:
		identity.UserId = v
	case float64:
		identity.UserId = fmt.Sprintf("%d", int64(v))
	}
	if identity.UserId == "" {
		if sub, err := claims.GetSubject(); err == nil {
			identity.UserId = sub
		}
	}
	if identity.UserId == "" {
		return nil, fmt.Errorf("JWT does not have a user_id.")
	}

	if displayName, ok := claims["display_name"].(string); ok {
		identity.DisplayName = displayName
	} else if name, ok := claims["name"].(string); ok {
		identity.DisplayName = name
	}

	return identity, nil
}
