// ABOUTME: JWT credential verification for agent handshakes
// ABOUTME: Uses HS256 signing with configurable secret

// Package auth verifies agent credentials presented during the connection
// handshake. Credential provisioning and approval live outside this
// subsystem; the gateway only consumes the verify step.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors. A failed verification means the handshake is rejected and
// the connection is never registered.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Identity describes a verified agent: which agent it is and which tenant
// owns it.
type Identity struct {
	AgentID     string
	OwnerID     string
	DisplayName string
}

// Verifier defines the consumed identity-verification interface.
type Verifier interface {
	Verify(credential string) (*Identity, error)
}

// JWTVerifier implements Verifier using HS256 signed JWTs.
// Claims: "sub" = agent ID (required), "own" = owner ID (required),
// "name" = display name (optional).
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret must not be empty")
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the credential and extracts the agent identity.
func (v *JWTVerifier) Verify(credential string) (*Identity, error) {
	token, err := jwt.Parse(credential, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	owner, ok := claims["own"].(string)
	if !ok || owner == "" {
		return nil, fmt.Errorf("%w: own", ErrMissingClaim)
	}

	name, _ := claims["name"].(string)

	return &Identity{AgentID: sub, OwnerID: owner, DisplayName: name}, nil
}

// Generate creates a new agent credential with expiration. Used by the
// bootstrap/mint-token path and by tests.
func (v *JWTVerifier) Generate(agentID, ownerID, displayName string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  agentID,
		"own":  ownerID,
		"name": displayName,
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
