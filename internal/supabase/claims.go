package supabase

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var jwtSigningMethod = jwt.SigningMethodHS256

// Claims は認証基盤が発行するアクセストークンのクレーム。
// SubjectはIdentityのIDと一致する。
type Claims struct {
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	SessionID    string         `json:"session_id"`
	UserMetadata map[string]any `json:"user_metadata"`
	jwt.RegisteredClaims
}

// TokenVerifier はJWTシークレットでアクセストークンの署名と有効期限を検証する。
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier はTokenVerifierを生成する。
// シークレットが空の場合はnilを返す（検証を行わない構成）。
func NewTokenVerifier(secret string) *TokenVerifier {
	if secret == "" {
		return nil
	}
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify はトークンを検証し、クレームを返す。
func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	if v == nil {
		return nil, errors.New("token verifier is not configured")
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method != jwtSigningMethod {
				return nil, fmt.Errorf("unexpected signing method %s", token.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{jwtSigningMethod.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to verify access token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("access token has no subject")
	}

	return claims, nil
}

// tokenExpiry は署名を検証せずにトークンのexpを読み取る。
// レスポンスにexpires_atが含まれない場合の補完に使う。
func tokenExpiry(tokenString string) (time.Time, bool) {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
