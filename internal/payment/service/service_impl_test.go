package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	creditdomain "github.com/smallbiznis/creditmeter/internal/credit/domain"
	creditservice "github.com/smallbiznis/creditmeter/internal/credit/service"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/creditmeter/internal/ledger/repository"
	paymentdomain "github.com/smallbiznis/creditmeter/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/creditmeter/internal/payment/repository"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	pricingservice "github.com/smallbiznis/creditmeter/internal/pricing/service"
	subscriptiondomain "github.com/smallbiznis/creditmeter/internal/subscription/domain"
	subscriptionservice "github.com/smallbiznis/creditmeter/internal/subscription/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db        *gorm.DB
	ledger    ledgerdomain.Repository
	credits   creditdomain.Service
	subs      subscriptiondomain.Service
	svc       paymentdomain.Service
	paymentDB paymentdomain.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.UserCredit{},
		&paymentdomain.Order{},
		&paymentdomain.EventRecord{},
	))

	holder, err := config.NewPricingHolderFromCatalog(config.PricingCatalog{
		Products: []config.ProductConfig{
			{ID: "basic-monthly", Title: "Basic", Kind: "subscription", Interval: "month", Credits: 10, Amount: 500, Currency: "USD"},
			{ID: "pack-50", Title: "Pack", Kind: "one_time", Credits: 50, ValidDays: 30, Amount: 300, Currency: "USD"},
		},
	})
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	clk := clock.NewFakeClock(now)
	pricing := pricingservice.New(pricingservice.Params{Log: log, Pricing: holder})
	ledger := ledgerrepo.Provide()

	f := &fixture{db: db, ledger: ledger, paymentDB: paymentrepo.Provide()}
	f.credits = creditservice.New(creditservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: ledger, Pricing: pricing,
	})
	f.subs = subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: ledger, Pricing: pricing,
	})
	f.svc = NewService(Params{
		DB:              db,
		Log:             log,
		GenID:           node,
		Clock:           clk,
		Repo:            f.paymentDB,
		Pricing:         pricing,
		CreditSvc:       f.credits,
		SubscriptionSvc: f.subs,
	})
	return f
}

func (f *fixture) entries(t *testing.T, userID string, transType ledgerdomain.TransType) int {
	t.Helper()
	items, err := f.ledger.ListEntries(context.Background(), f.db, userID, 0, 100)
	require.NoError(t, err)
	n := 0
	for _, item := range items {
		if item.TransType == transType {
			n++
		}
	}
	return n
}

func TestOneTimeOrderPaysOutOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, paymentdomain.CreateOrderRequest{UserID: "u1", ProductID: "pack-50"})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OrderStatusPending, order.Status)
	assert.Equal(t, int64(50), order.Credits)

	paid, err := f.svc.HandleSessionPaid(ctx, paymentdomain.SessionPaidRequest{OrderNo: order.OrderNo, PaidAt: now})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OrderStatusPaid, paid.Status)

	_, err = f.svc.HandleSessionPaid(ctx, paymentdomain.SessionPaidRequest{OrderNo: order.OrderNo, PaidAt: now})
	require.NoError(t, err)

	assert.Equal(t, 1, f.entries(t, "u1", ledgerdomain.TransTypeOrderPay))
	balance, err := f.credits.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance.LeftCredits)

	entry, err := f.ledger.FindEntryByOrderNo(ctx, f.db, order.OrderNo, ledgerdomain.TransTypeOrderPay)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NotNil(t, entry.ExpiredAt)
	assert.True(t, entry.ExpiredAt.Equal(now.AddDate(0, 0, 30)))
}

func TestSubscriptionOrderActivatesAndRenews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, paymentdomain.CreateOrderRequest{UserID: "u1", ProductID: "basic-monthly"})
	require.NoError(t, err)

	req := paymentdomain.SessionPaidRequest{
		OrderNo:  order.OrderNo,
		PaidAt:   now,
		Provider: "stripe",
		EventID:  "evt_1",
		Payload:  []byte(`{"id":"evt_1"}`),
	}
	_, err = f.svc.HandleSessionPaid(ctx, req)
	require.NoError(t, err)
	_, err = f.svc.HandleSessionPaid(ctx, req)
	require.NoError(t, err)

	state, err := f.subs.GetState(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.SubscriptionStatusActive, state.Status)
	assert.Equal(t, int64(10), state.Credits)
	assert.Equal(t, 1, f.entries(t, "u1", ledgerdomain.TransTypeSubscriptionReset))

	event, err := f.paymentDB.FindEvent(ctx, f.db, "stripe", "evt_1")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.NotNil(t, event.ProcessedAt)

	renewal, err := f.svc.CreateOrder(ctx, paymentdomain.CreateOrderRequest{UserID: "u1", ProductID: "basic-monthly"})
	require.NoError(t, err)
	_, err = f.svc.HandleSessionPaid(ctx, paymentdomain.SessionPaidRequest{OrderNo: renewal.OrderNo, PaidAt: now.AddDate(0, 1, 0)})
	require.NoError(t, err)

	state, err = f.subs.GetState(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, state.OrderNo)
	assert.Equal(t, renewal.OrderNo, *state.OrderNo)
	assert.True(t, state.ExpiresDate.Equal(now.AddDate(0, 2, 0)))
	assert.Equal(t, 2, f.entries(t, "u1", ledgerdomain.TransTypeSubscriptionReset))
}

func TestSessionPaidValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.HandleSessionPaid(ctx, paymentdomain.SessionPaidRequest{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidOrder)

	_, err = f.svc.HandleSessionPaid(ctx, paymentdomain.SessionPaidRequest{OrderNo: "ord_missing"})
	assert.ErrorIs(t, err, paymentdomain.ErrOrderNotFound)

	_, err = f.svc.HandleSessionPaid(ctx, paymentdomain.SessionPaidRequest{OrderNo: "ord_x", Payload: []byte("{")})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)

	_, err = f.svc.CreateOrder(ctx, paymentdomain.CreateOrderRequest{UserID: "u1", ProductID: "nope"})
	assert.ErrorIs(t, err, pricingdomain.ErrUnknownProduct)

	_, err = f.svc.CreateOrder(ctx, paymentdomain.CreateOrderRequest{ProductID: "pack-50"})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidUser)
}

func TestGetOrderScopedToUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, paymentdomain.CreateOrderRequest{
		UserID:    "u1",
		ProductID: "pack-50",
		Metadata:  map[string]any{"source": "pricing-page"},
	})
	require.NoError(t, err)

	got, err := f.svc.GetOrder(ctx, "u1", order.OrderNo)
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":"pricing-page"}`, string(got.Metadata))

	_, err = f.svc.GetOrder(ctx, "u2", order.OrderNo)
	assert.ErrorIs(t, err, paymentdomain.ErrOrderNotFound)
}
