package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/smallbiznis/creditmeter/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Order{}, &domain.EventRecord{}))
	return db
}

func TestInsertEventDeduplicatesDeliveries(t *testing.T) {
	db := setupDB(t)
	r := Provide()
	node, _ := snowflake.NewNode(1)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := domain.EventRecord{
		ID:              node.Generate(),
		Provider:        "stripe",
		ProviderEventID: "evt_1",
		EventType:       domain.EventTypeSessionPaid,
		OrderNo:         "ord_1",
		ReceivedAt:      now,
	}
	inserted, err := r.InsertEvent(ctx, db, &first)
	require.NoError(t, err)
	assert.True(t, inserted)

	redelivery := first
	redelivery.ID = node.Generate()
	redelivery.ReceivedAt = now.Add(time.Minute)
	inserted, err = r.InsertEvent(ctx, db, &redelivery)
	require.NoError(t, err)
	assert.False(t, inserted)

	other := first
	other.ID = node.Generate()
	other.Provider = "paddle"
	inserted, err = r.InsertEvent(ctx, db, &other)
	require.NoError(t, err)
	assert.True(t, inserted)

	stored, err := r.FindEvent(ctx, db, "stripe", "evt_1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, first.ID, stored.ID)
}

func TestInsertOrderRejectsReusedOrderNo(t *testing.T) {
	db := setupDB(t)
	r := Provide()
	node, _ := snowflake.NewNode(1)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	order := domain.Order{
		ID:          node.Generate(),
		OrderNo:     "ord_1",
		UserID:      "u1",
		ProductID:   "pack-50",
		ProductKind: "one_time",
		Credits:     50,
		Amount:      300,
		Currency:    "USD",
		Status:      domain.OrderStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, r.InsertOrder(ctx, db, &order))

	dup := order
	dup.ID = node.Generate()
	err := r.InsertOrder(ctx, db, &dup)
	assert.ErrorIs(t, err, domain.ErrDuplicateOrder)
}
