package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"proctornet/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("path outside the participant's exam")
)

type identityKey struct{}

type AuthService interface {
	GenerateToken(identity domain.Identity) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	// CheckPathAccess allows a participant to touch only the signaling paths of its own exam.
	CheckPathAccess(claims *Claims, path string) error
}

type Claims struct {
	ExamID        domain.ExamID          `json:"exam_id"`
	ParticipantID domain.ParticipantID   `json:"participant_id"`
	Role          domain.ParticipantRole `json:"role"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() domain.Identity {
	return domain.Identity{ExamID: c.ExamID, ParticipantID: c.ParticipantID, Role: c.Role}
}

type authService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
}

func NewAuthService(jwtSecret string, accessTokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
	}
}

func (s *authService) GenerateToken(identity domain.Identity) (string, error) {
	claims := &Claims{
		ExamID:        identity.ExamID,
		ParticipantID: identity.ParticipantID,
		Role:          identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(identity.ParticipantID),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ExamID == "" || claims.ParticipantID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Every signaling path is "<namespace>/<exam>/...".
func (s *authService) CheckPathAccess(claims *Claims, path string) error {
	if claims == nil {
		return ErrUnauthorized
	}
	segments := strings.SplitN(path, "/", 3)
	if len(segments) < 2 || domain.ExamID(segments[1]) != claims.ExamID {
		return ErrForbidden
	}
	return nil
}

func ContextWithIdentity(ctx context.Context, identity domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (domain.Identity, error) {
	identity, ok := ctx.Value(identityKey{}).(domain.Identity)
	if !ok {
		return domain.Identity{}, ErrUnauthorized
	}
	return identity, nil
}
