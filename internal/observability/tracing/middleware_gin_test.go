package tracing

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/creditmeter/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var errBroke = errors.New("upstream broke")

func newTracedEngine(t *testing.T) (*gin.Engine, *tracetest.SpanRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(t.Context()) })

	r := gin.New()
	r.Use(func(c *gin.Context) {
		ctx := obscontext.WithRequestID(c.Request.Context(), "req-1")
		ctx = obscontext.WithUserID(ctx, c.GetHeader("X-User-Id"))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	r.Use(GinMiddleware(MiddlewareConfig{
		TracerProvider: provider,
		ErrorClassifier: func(err error) (string, string) {
			if errors.Is(err, errBroke) {
				return "provider_unavailable", "upstream"
			}
			return "insufficient_credits", "insufficient_credits"
		},
	}))
	return r, recorder
}

func attrMap(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestGinMiddlewareTagsBilledRequest(t *testing.T) {
	r, recorder := newTracedEngine(t)
	r.POST("/api/chat/sessions/:id/messages", func(c *gin.Context) {
		c.Set(KeyModel, "gpt-4o")
		_ = c.Error(errors.New("need more credits"))
		c.AbortWithStatus(http.StatusPaymentRequired)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/chat/sessions/s1/messages", nil)
	req.Header.Set("X-User-Id", "u1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "HTTP POST /api/chat/sessions/:id/messages", span.Name())

	attrs := attrMap(span)
	assert.Equal(t, "u1", attrs["enduser.id"].AsString())
	assert.Equal(t, "gpt-4o", attrs["llm.model"].AsString())
	assert.Equal(t, "insufficient_credits", attrs["error.type"].AsString())
	assert.Equal(t, int64(http.StatusPaymentRequired), attrs["http.status_code"].AsInt64())
	assert.Equal(t, "req-1", attrs["request_id"].AsString())

	require.Len(t, span.Events(), 1)
	assert.Equal(t, "credits.insufficient", span.Events()[0].Name)
	assert.NotEqual(t, codes.Error, span.Status().Code)
}

func TestGinMiddlewareMarksServerErrors(t *testing.T) {
	r, recorder := newTracedEngine(t)
	r.GET("/api/credits", func(c *gin.Context) {
		_ = c.Error(errBroke)
		c.AbortWithStatus(http.StatusBadGateway)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/credits", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "provider_unavailable", attrMap(spans[0])["error.type"].AsString())
	_, tagged := attrMap(spans[0])["enduser.id"]
	assert.False(t, tagged)
}
