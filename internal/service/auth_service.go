package service

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Amr2/wanna-help/internal/domain"
)

const defaultRole = "user"

// Authenticator convierte un token opaco en una identidad verificada.
type Authenticator interface {
	Verify(token string) (domain.Identity, error)
}

// AuthService emite y valida los JWT del gateway (claims id y role).
type AuthService struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

type Claims struct {
	UserID string `json:"id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

var (
	ErrJWTInvalid = errors.New("jwt invalid")
	ErrJWTExpired = errors.New("jwt expired")
)

func NewAuthService(secret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &AuthService{
		secret: []byte(secret),
		ttl:    ttl,
		issuer: "wanna-help",
	}
}

// Issue firma un token para la identidad; lo usan la CLI y los tests.
func (s *AuthService) Issue(identity domain.Identity) (string, error) {
	if len(s.secret) == 0 || strings.TrimSpace(identity.UserID) == "" {
		return "", ErrJWTInvalid
	}
	if identity.Role == "" {
		identity.Role = defaultRole
	}
	now := time.Now().UTC()
	claims := Claims{
		UserID: identity.UserID,
		Role:   identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *AuthService) Verify(tokenString string) (domain.Identity, error) {
	if len(s.secret) == 0 {
		return domain.Identity{}, ErrJWTInvalid
	}
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return domain.Identity{}, ErrJWTInvalid
	}
	claims, err := s.parseToken(tokenString)
	if err != nil {
		return domain.Identity{}, err
	}
	if !s.isValidClaims(claims) {
		return domain.Identity{}, ErrJWTInvalid
	}
	role := claims.Role
	if role == "" {
		role = defaultRole
	}
	return domain.Identity{UserID: claims.UserID, Role: role}, nil
}

func (s *AuthService) parseToken(tokenString string) (Claims, error) {
	var claims Claims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := parser.ParseWithClaims(tokenString, &claims, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrJWTExpired
		}
		return Claims{}, ErrJWTInvalid
	}
	return claims, nil
}

// isValidClaims acepta tokens sin issuer ni subject (los firma el gateway externo);
// si vienen, deben ser coherentes.
func (s *AuthService) isValidClaims(claims Claims) bool {
	if strings.TrimSpace(claims.UserID) == "" {
		return false
	}
	if claims.Subject != "" && claims.Subject != claims.UserID {
		return false
	}
	return claims.Issuer == "" || claims.Issuer == s.issuer
}
