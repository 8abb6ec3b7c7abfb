package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/smallbiznis/creditmeter/internal/authorization"
	chatdomain "github.com/smallbiznis/creditmeter/internal/chat/domain"
	chatrepo "github.com/smallbiznis/creditmeter/internal/chat/repository"
	chatservice "github.com/smallbiznis/creditmeter/internal/chat/service"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	creditdomain "github.com/smallbiznis/creditmeter/internal/credit/domain"
	creditservice "github.com/smallbiznis/creditmeter/internal/credit/service"
	ledgerrepo "github.com/smallbiznis/creditmeter/internal/ledger/repository"
	llmdomain "github.com/smallbiznis/creditmeter/internal/llm/domain"
	"github.com/smallbiznis/creditmeter/internal/migration"
	"github.com/smallbiznis/creditmeter/internal/observability"
	paymentrepo "github.com/smallbiznis/creditmeter/internal/payment/repository"
	paymentservice "github.com/smallbiznis/creditmeter/internal/payment/service"
	pricingservice "github.com/smallbiznis/creditmeter/internal/pricing/service"
	"github.com/smallbiznis/creditmeter/internal/statement"
	subscriptionservice "github.com/smallbiznis/creditmeter/internal/subscription/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const adminID = "admin-1"

type fakeStream struct {
	chunks []string
	next   int
}

func (s *fakeStream) Recv() (llmdomain.Chunk, error) {
	if s.next < len(s.chunks) {
		c := s.chunks[s.next]
		s.next++
		return llmdomain.Chunk{Content: c}, nil
	}
	return llmdomain.Chunk{}, io.EOF
}

func (s *fakeStream) Usage() *llmdomain.Usage { return nil }

func (s *fakeStream) Close() error { return nil }

type fakeLLM struct {
	chunks []string
	calls  int
}

func (f *fakeLLM) StreamChat(_ context.Context, _ llmdomain.ChatRequest) (llmdomain.Stream, error) {
	f.calls++
	return &fakeStream{chunks: f.chunks}, nil
}

type testServer struct {
	db      *gorm.DB
	llm     *fakeLLM
	credits creditdomain.Service
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(migration.Models()...))

	holder, err := config.NewPricingHolderFromCatalog(config.PricingCatalog{
		Products: []config.ProductConfig{
			{ID: "basic-monthly", Title: "Basic", Kind: "subscription", Interval: "month", Credits: 50, Amount: 500, Currency: "USD"},
			{ID: "pack-100", Title: "Pack", Kind: "one_time", Credits: 100, ValidDays: 30, Amount: 900, Currency: "USD"},
		},
		Models: []config.ModelPriceConfig{
			{ID: "echo", InputPer1K: "0", OutputPer1K: "1000"},
			{ID: "gpt-test", InputPer1K: "10", OutputPer1K: "10"},
		},
	})
	require.NoError(t, err)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	clk := clock.NewFakeClock(testNow)
	cfg := config.Config{AdminUserIDs: []string{adminID}}

	pricing := pricingservice.New(pricingservice.Params{Log: log, Pricing: holder})
	ledger := ledgerrepo.Provide()
	credits := creditservice.New(creditservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: ledger, Pricing: pricing,
	})
	subs := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: ledger, Pricing: pricing,
	})
	payments := paymentservice.NewService(paymentservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: paymentrepo.Provide(),
		Pricing: pricing, CreditSvc: credits, SubscriptionSvc: subs,
	})
	llm := &fakeLLM{}
	chat := chatservice.New(chatservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Config: cfg,
		Repo: chatrepo.Provide(), LLM: llm, Pricing: pricing, Credit: credits, Subscription: subs,
	})
	enforcer, err := authorization.NewEnforcer(db, cfg)
	require.NoError(t, err)

	s := NewServer(ServerParams{
		Gin:             NewEngine(observability.Config{}, nil),
		Log:             log,
		Clock:           clk,
		CreditSvc:       credits,
		SubscriptionSvc: subs,
		PricingSvc:      pricing,
		PaymentSvc:      payments,
		ChatSvc:         chat,
		StatementSvc:    statement.New(statement.Params{Log: log, Clock: clk, Credit: credits}),
		AuthzSvc:        authorization.NewService(authorization.Params{Log: log, Enforcer: enforcer}),
	})

	return &testServer{db: db, llm: llm, credits: credits, handler: s.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// subscribe goes through the order and webhook endpoints.
func (ts *testServer) subscribe(t *testing.T, userID string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/orders", userID, map[string]any{"product_id": "basic-monthly"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decode[struct {
		OrderNo string `json:"order_no"`
	}](t, rec)

	rec = ts.do(t, http.MethodPost, "/webhooks/payments/session-paid", "", map[string]any{
		"order_no": order.OrderNo,
		"event_id": "evt-" + order.OrderNo,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (ts *testServer) balance(t *testing.T, userID string) creditdomain.Balance {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/api/credits", userID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[creditdomain.Balance](t, rec)
}

func (ts *testServer) createSession(t *testing.T, userID, model string) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/chat/sessions", userID, map[string]any{"title": "t", "model": model})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[struct {
		ID string `json:"id"`
	}](t, rec).ID
}

func sseEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	var events []map[string]any
	for _, frame := range strings.Split(body, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		require.True(t, strings.HasPrefix(frame, "data: "), frame)
		var event map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &event))
		events = append(events, event)
	}
	return events
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRequiresUser(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/credits", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	resp := decode[errorResponse](t, rec)
	assert.Equal(t, "unauthorized", resp.Error.Type)
}

func TestSubscriptionPurchaseFundsBalance(t *testing.T) {
	ts := newTestServer(t)
	ts.subscribe(t, "u1")

	balance := ts.balance(t, "u1")
	assert.Equal(t, int64(50), balance.SubscriptionCredits)
	assert.Equal(t, int64(0), balance.OneTimeCredits)
	assert.True(t, balance.IsPro)

	rec := ts.do(t, http.MethodGet, "/api/subscription", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[map[string]any](t, rec)
	assert.Equal(t, "active", state["status"])
}

func TestOneTimePackAndTransactions(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/orders", "u1", map[string]any{"product_id": "pack-100"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decode[struct {
		OrderNo string `json:"order_no"`
		Status  string `json:"status"`
	}](t, rec)
	assert.Equal(t, "pending", order.Status)

	for i := 0; i < 2; i++ {
		rec = ts.do(t, http.MethodPost, "/webhooks/payments/session-paid", "", map[string]any{"order_no": order.OrderNo})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	assert.Equal(t, int64(100), ts.balance(t, "u1").OneTimeCredits)

	rec = ts.do(t, http.MethodGet, "/api/credits/transactions?page_size=10", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Entries []struct {
			TransType string `json:"trans_type"`
			Credits   int64  `json:"credits"`
		} `json:"entries"`
	}](t, rec)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, "OrderPay", list.Entries[0].TransType)
	assert.Equal(t, int64(100), list.Entries[0].Credits)

	rec = ts.do(t, http.MethodGet, "/api/orders/"+order.OrderNo, "u2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownProductOrder(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/orders", "u1", map[string]any{"product_id": "nope"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestWebhookUnknownOrder(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/webhooks/payments/session-paid", "", map[string]any{"order_no": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEstimate(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/credits/estimate", "u1", map[string]any{
		"model":   "gpt-test",
		"content": strings.Repeat("a", 4000),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	estimate := decode[struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
		Credits      int64 `json:"credits"`
	}](t, rec)
	assert.Equal(t, estimate.InputTokens/10, estimate.OutputTokens)
	assert.Greater(t, estimate.Credits, int64(0))

	rec = ts.do(t, http.MethodPost, "/api/credits/estimate", "u1", map[string]any{"model": "unknown", "content": "hi"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/credits/estimate", "u1", map[string]any{"model": "gpt-test"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatStreamChargesActualUsage(t *testing.T) {
	ts := newTestServer(t)
	ts.subscribe(t, "u1")
	ts.llm.chunks = []string{"Hello", " world"}
	sessionID := ts.createSession(t, "u1", "echo")

	rec := ts.do(t, http.MethodPost, "/api/chat/sessions/"+sessionID+"/stream", "u1", map[string]any{"content": "Hi there"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := sseEvents(t, rec.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, "Hello", events[0]["content"])
	assert.Equal(t, " world", events[1]["content"])
	assert.Equal(t, chatdomain.EventTypeCreditsUpdated, events[2]["type"])
	assert.EqualValues(t, 3, events[2]["credits_consumed"])

	assert.Equal(t, int64(47), ts.balance(t, "u1").SubscriptionCredits)

	rec = ts.do(t, http.MethodGet, "/api/chat/sessions/"+sessionID+"/messages", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[struct {
		Messages []struct {
			Role            string `json:"role"`
			CreditsConsumed int64  `json:"credits_consumed"`
		} `json:"messages"`
	}](t, rec)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "assistant", history.Messages[1].Role)
	assert.Equal(t, int64(3), history.Messages[1].CreditsConsumed)
}

func TestChatStreamRejectsEmptyBalance(t *testing.T) {
	ts := newTestServer(t)
	ts.llm.chunks = []string{"never"}
	sessionID := ts.createSession(t, "u1", "gpt-test")

	rec := ts.do(t, http.MethodPost, "/api/chat/sessions/"+sessionID+"/stream", "u1", map[string]any{
		"content": strings.Repeat("a", 4000),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	events := sseEvents(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, chatdomain.EventTypeError, events[0]["type"])
	assert.Equal(t, true, events[0]["insufficient_credits"])
	assert.EqualValues(t, 0, events[0]["available_credits"])
	assert.Equal(t, 0, ts.llm.calls)
}

func TestChatStreamUnknownSession(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/chat/sessions/12345/stream", "u1", map[string]any{"content": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

func TestChatSessionsAreOwnerScoped(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.createSession(t, "u1", "echo")

	rec := ts.do(t, http.MethodGet, "/api/chat/sessions/"+sessionID+"/messages", "u2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatMessagesPageParams(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.createSession(t, "u1", "echo")

	rec := ts.do(t, http.MethodGet, "/api/chat/sessions/"+sessionID+"/messages?page_size=abc", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/chat/sessions/"+sessionID+"/messages?page_token=%21%21", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/chat/sessions/"+sessionID+"/messages?page_size=5", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[struct {
		Messages []json.RawMessage `json:"messages"`
		HasMore  bool              `json:"has_more"`
	}](t, rec)
	assert.NotNil(t, page.Messages)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)
}

func TestCancelWithoutSubscription(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/subscription/cancel", "u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelThenExpireBeforeTermIsConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.subscribe(t, "u1")

	rec := ts.do(t, http.MethodPost, "/api/subscription/cancel", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decode[map[string]any](t, rec)["status"])

	rec = ts.do(t, http.MethodPost, "/admin/subscriptions/u1/expire", adminID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestAdminGrant(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{"user_id": "u1", "amount": 25, "valid_days": 7}

	rec := ts.do(t, http.MethodPost, "/admin/credits/grant", "u1", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/admin/credits/grant", adminID, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/admin/credits/grant", adminID, map[string]any{"user_id": "u1", "amount": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	balance, err := ts.credits.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance.OneTimeCredits)
}

func TestSignupBonusIsIdempotent(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodPost, "/internal/users/u1/signup", "", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	// the test catalog has no new-user grant configured
	assert.Equal(t, int64(0), ts.balance(t, "u1").OneTimeCredits)
}

func TestStatementDownloads(t *testing.T) {
	ts := newTestServer(t)
	ts.subscribe(t, "u1")

	rec := ts.do(t, http.MethodGet, "/api/credits/transactions/export", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, statement.ContentTypeXLSX, rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))

	rec = ts.do(t, http.MethodGet, "/api/credits/statement?from=2026-02-01&to=2026-03-31", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")))

	rec = ts.do(t, http.MethodGet, "/api/credits/statement?from=yesterday", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminStatementRequiresExportGrant(t *testing.T) {
	ts := newTestServer(t)
	ts.subscribe(t, "u1")

	rec := ts.do(t, http.MethodGet, "/admin/users/u1/statement", "u2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/admin/users/u1/statement?format=xlsx", adminID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, statement.ContentTypeXLSX, rec.Header().Get("Content-Type"))
}
