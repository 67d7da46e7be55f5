package credstore

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/databridge-io/databridge/pkg/faults"
)

// TokenTTL is how long a minted tool token stays valid.
const TokenTTL = time.Hour

const tokenIssuer = "databridge"

// TokenMinter issues and verifies the short-lived JWTs that authorize
// calls to the tool invocation surface. Tokens are bound to a user and
// a workspace; a token minted for one workspace is rejected on another.
type TokenMinter struct {
	key []byte
	now func() time.Time
}

func NewTokenMinter(secret string) (*TokenMinter, error) {
	if secret == "" {
		return nil, faults.New(faults.ConfigInvalid, "token minter requires a signing secret")
	}
	return &TokenMinter{key: deriveKey(secret), now: time.Now}, nil
}

// Mint issues a signed token for the user in the workspace.
func (m *TokenMinter) Mint(userID, workspaceID string) (string, error) {
	if userID == "" || workspaceID == "" {
		return "", faults.New(faults.ConfigInvalid, "token requires user_id and workspace_id")
	}

	issued := m.now()
	token, err := jwt.NewBuilder().
		Issuer(tokenIssuer).
		IssuedAt(issued).
		Expiration(issued.Add(TokenTTL)).
		Claim("user_id", userID).
		Claim("workspace_id", workspaceID).
		Build()
	if err != nil {
		return "", faults.Wrap(faults.Internal, "cannot build token", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, m.key))
	if err != nil {
		return "", faults.Wrap(faults.Internal, "cannot sign token", err)
	}
	return string(signed), nil
}

// Claims validates the token and returns both identity claims. Used by
// the invoke surface, which learns the workspace from the token itself.
func (m *TokenMinter) Claims(tokenString string) (userID, workspaceID string, err error) {
	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKey(jwa.HS256, m.key),
		jwt.WithValidate(true),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithClock(jwt.ClockFunc(m.now)),
	)
	if err != nil {
		return "", "", faults.Wrap(faults.AuthExpired, "token is invalid or expired", err).
			WithRemediation("request a fresh token from /api/tools/token")
	}

	user, _ := token.Get("user_id")
	workspace, _ := token.Get("workspace_id")
	userStr, _ := user.(string)
	workspaceStr, _ := workspace.(string)
	if userStr == "" || workspaceStr == "" {
		return "", "", faults.New(faults.AuthExpired, "token carries incomplete claims")
	}
	return userStr, workspaceStr, nil
}

// Verify validates signature and expiry, and checks the token was
// minted for the expected workspace. Returns the user id.
func (m *TokenMinter) Verify(tokenString, workspaceID string) (string, error) {
	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKey(jwa.HS256, m.key),
		jwt.WithValidate(true),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithClock(jwt.ClockFunc(m.now)),
	)
	if err != nil {
		return "", faults.Wrap(faults.AuthExpired, "token is invalid or expired", err).
			WithRemediation("request a fresh token from /api/tools/token")
	}

	claimed, _ := token.Get("workspace_id")
	if workspaceID != "" && claimed != workspaceID {
		return "", faults.New(faults.AuthExpired,
			fmt.Sprintf("token was minted for workspace %v, not %s", claimed, workspaceID))
	}

	userID, _ := token.Get("user_id")
	userStr, ok := userID.(string)
	if !ok || userStr == "" {
		return "", faults.New(faults.AuthExpired, "token carries no user_id")
	}
	return userStr, nil
}
