package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/japinait/internal/model"
)

const tokenIssuer = "japinait"

// Claims はアクセストークンのJWTクレーム。
type Claims struct {
	jwt.RegisteredClaims

	SessionID string     `json:"session_id"`
	Email     string     `json:"email"`
	Role      model.Role `json:"role"`
	Recovery  bool       `json:"recovery,omitempty"`
}

// TokenIssuer はHS256でアクセストークンを署名・検証する。
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer はTokenIssuerを生成する。
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue はアクセストークンを発行し、トークンと有効期限を返す。
func (t *TokenIssuer) Issue(userID, email, sessionID string, role model.Role, recovery bool) (string, time.Time, error) {
	now := t.now()
	expiresAt := now.Add(t.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID: sessionID,
		Email:     email,
		Role:      role,
		Recovery:  recovery,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse はアクセストークンを検証してクレームを返す。
func (t *TokenIssuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" || claims.SessionID == "" {
		return nil, errors.New("invalid access token: missing subject")
	}
	return claims, nil
}

// generateOpaqueToken はリフレッシュトークン・再設定トークン用の乱数文字列を生成する。
func generateOpaqueToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// hashToken はトークンのSHA-256ハッシュ（16進）を返す。DBにはこちらだけを保存する。
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
