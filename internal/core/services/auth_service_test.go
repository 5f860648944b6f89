package services

import (
	"context"
	"testing"
	"time"

	"proctornet/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_TokenRoundTrip(t *testing.T) {
	auth := NewAuthService("secret", time.Minute)
	identity := domain.Identity{ExamID: "e1", ParticipantID: "s1", Role: domain.RoleStudent}

	token, err := auth.GenerateToken(identity)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, identity, claims.Identity())
	assert.Equal(t, "s1", claims.Subject)
}

func TestAuthService_RejectsBadTokens(t *testing.T) {
	auth := NewAuthService("secret", time.Minute)
	identity := domain.Identity{ExamID: "e1", ParticipantID: "s1", Role: domain.RoleStudent}

	other, err := NewAuthService("other", time.Minute).GenerateToken(identity)
	require.NoError(t, err)
	_, err = auth.ValidateToken(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := NewAuthService("secret", -time.Minute).GenerateToken(identity)
	require.NoError(t, err)
	_, err = auth.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	noExam, err := auth.GenerateToken(domain.Identity{ParticipantID: "s1"})
	require.NoError(t, err)
	_, err = auth.ValidateToken(noExam)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_CheckPathAccess(t *testing.T) {
	auth := NewAuthService("secret", time.Minute)
	claims := &Claims{ExamID: "e1", ParticipantID: "s1", Role: domain.RoleStudent}

	assert.NoError(t, auth.CheckPathAccess(claims, "broadcast/e1/s1"))
	assert.NoError(t, auth.CheckPathAccess(claims, "voice/e1"))
	assert.ErrorIs(t, auth.CheckPathAccess(claims, "broadcast/e2/s1"), ErrForbidden)
	assert.ErrorIs(t, auth.CheckPathAccess(claims, "broadcast"), ErrForbidden)
	assert.ErrorIs(t, auth.CheckPathAccess(nil, "broadcast/e1"), ErrUnauthorized)
}

func TestIdentityContext(t *testing.T) {
	_, err := IdentityFromContext(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)

	identity := domain.Identity{ExamID: "e1", ParticipantID: "a1", Role: domain.RoleAdmin}
	got, err := IdentityFromContext(ContextWithIdentity(context.Background(), identity))
	require.NoError(t, err)
	assert.Equal(t, identity, got)
}
