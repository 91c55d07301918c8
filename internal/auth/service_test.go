package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	svc := NewService("test-secret", time.Hour)
	userID := uuid.New()

	tok, err := svc.IssueToken(userID, RoleAgent)
	require.NoError(t, err)

	gotID, role, err := svc.ValidateToken(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, userID, gotID)
	assert.Equal(t, RoleAgent, role)
}

func TestValidate_WrongSecret(t *testing.T) {
	tok, err := NewService("one", time.Hour).IssueToken(uuid.New(), RoleClient)
	require.NoError(t, err)

	_, _, err = NewService("two", time.Hour).ValidateToken(context.Background(), tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidate_Expired(t *testing.T) {
	svc := NewService("s", time.Minute)
	issued := time.Now().Add(-time.Hour)
	svc.now = func() time.Time { return issued }
	tok, err := svc.IssueToken(uuid.New(), RoleAgent)
	require.NoError(t, err)

	svc.now = time.Now
	_, _, err = svc.ValidateToken(context.Background(), tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidate_RejectsOtherAlgorithms(t *testing.T) {
	c := claims{RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.NewString()}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, c).SignedString([]byte("s"))
	require.NoError(t, err)

	_, _, err = NewService("s", time.Hour).ValidateToken(context.Background(), tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidate_BadSubject(t *testing.T) {
	c := claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "not-a-uuid"}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte("s"))
	require.NoError(t, err)

	_, _, err = NewService("s", time.Hour).ValidateToken(context.Background(), tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
