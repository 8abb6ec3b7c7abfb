package tracing

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSensitiveKeys(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/api/credits"),
		attribute.String("authorization", "Bearer x"),
		attribute.String("chat.prompt", "hello"),
	)

	assert.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("http.route"), attrs[0].Key)
}

func TestSafeErrorRedactsAndTruncates(t *testing.T) {
	assert.Nil(t, SafeError(nil))
	assert.EqualError(t, SafeError(errors.New("invalid api_key sk-123")), "redacted error")

	long := SafeError(errors.New(strings.Repeat("x", 300)))
	assert.Len(t, long.Error(), 256)
}

func TestClampRatio(t *testing.T) {
	assert.Equal(t, 0.0, clampRatio(-1))
	assert.Equal(t, 1.0, clampRatio(5))
	assert.Equal(t, 0.25, clampRatio(0.25))
}
