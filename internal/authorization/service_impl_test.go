package authorization

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func newTestService(t *testing.T, db *gorm.DB, admins ...string) Service {
	t.Helper()
	enforcer, err := NewEnforcer(db, config.Config{AdminUserIDs: admins})
	require.NoError(t, err)
	return NewService(Params{Log: zap.NewNop(), Enforcer: enforcer})
}

func TestAuthorizeAdminGrant(t *testing.T) {
	svc := newTestService(t, newTestDB(t), "admin-1")
	ctx := context.Background()

	assert.NoError(t, svc.Authorize(ctx, "admin-1", ObjectCredits, ActionGrant))
	assert.NoError(t, svc.Authorize(ctx, "admin-1", ObjectSubscription, ActionExpire))
	assert.ErrorIs(t, svc.Authorize(ctx, "user-2", ObjectCredits, ActionGrant), ErrForbidden)
	assert.ErrorIs(t, svc.Authorize(ctx, "admin-1", ObjectCredits, "delete"), ErrForbidden)
}

func TestAuthorizeValidation(t *testing.T) {
	svc := newTestService(t, newTestDB(t))
	ctx := context.Background()

	assert.ErrorIs(t, svc.Authorize(ctx, " ", ObjectCredits, ActionGrant), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, "u1", "", ActionGrant), ErrInvalidObject)
	assert.ErrorIs(t, svc.Authorize(ctx, "u1", ObjectCredits, ""), ErrInvalidAction)
}

func TestSeedingIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	newTestService(t, db, "admin-1")
	svc := newTestService(t, db, "admin-1")

	var count int64
	require.NoError(t, db.Table("casbin_rule").Count(&count).Error)
	// three role policies and one admin grouping
	assert.Equal(t, int64(4), count)
	assert.NoError(t, svc.Authorize(context.Background(), "admin-1", ObjectCredits, ActionGrant))
}
