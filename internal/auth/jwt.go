// Package auth проверяет токены соединений и HTTP-запросов.
// Выпуск учётных данных — внешний сервис; здесь только проверка.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatcore/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
)

// Verifier превращает токен в id пользователя.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// JWTVerifier проверяет HS256-токены и берёт id пользователя из claim "sub".
type JWTVerifier struct {
	secret []byte
	leeway time.Duration
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), leeway: 30 * time.Second}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperr.Auth("missing token")
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil || !parsed.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", apperr.Auth("token expired")
		}
		return "", apperr.Auth("invalid token")
	}
	if claims.Subject == "" {
		return "", apperr.Auth("no subject")
	}
	return claims.Subject, nil
}

// IssueToken выпускает HS256-токен (dev-режим и тесты).
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

// BearerToken достаёт токен из заголовка "Authorization: Bearer ...".
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
