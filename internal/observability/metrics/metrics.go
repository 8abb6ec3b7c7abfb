package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes billing instruments.
type Metrics struct {
	ledgerEntries       metric.Int64Counter
	creditsConsumed     metric.Int64Counter
	insufficientCredits metric.Int64Counter
	streamOutcomes      metric.Int64Counter
	reconcileFailures   metric.Int64Counter
	subscriptionResets  metric.Int64Counter
	paymentEvents       metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditmeter"
	}
	meter := provider.Meter(name)

	ledgerEntries, err := meter.Int64Counter("creditmeter_ledger_entries_total")
	if err != nil {
		return nil, err
	}
	creditsConsumed, err := meter.Int64Counter("creditmeter_credits_consumed_total")
	if err != nil {
		return nil, err
	}
	insufficientCredits, err := meter.Int64Counter("creditmeter_insufficient_credits_total")
	if err != nil {
		return nil, err
	}
	streamOutcomes, err := meter.Int64Counter("creditmeter_stream_outcomes_total")
	if err != nil {
		return nil, err
	}
	reconcileFailures, err := meter.Int64Counter("creditmeter_reconciliation_failures_total")
	if err != nil {
		return nil, err
	}
	subscriptionResets, err := meter.Int64Counter("creditmeter_subscription_resets_total")
	if err != nil {
		return nil, err
	}
	paymentEvents, err := meter.Int64Counter("creditmeter_payment_events_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ledgerEntries:       ledgerEntries,
		creditsConsumed:     creditsConsumed,
		insufficientCredits: insufficientCredits,
		streamOutcomes:      streamOutcomes,
		reconcileFailures:   reconcileFailures,
		subscriptionResets:  subscriptionResets,
		paymentEvents:       paymentEvents,
	}, nil
}

// RecordLedgerEntry increments ledger entry counts.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, transType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("trans_type", strings.TrimSpace(transType)))
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCreditsConsumed adds consumed credits per pool.
func (m *Metrics) RecordCreditsConsumed(ctx context.Context, pool string, credits int64) {
	if m == nil || credits <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("pool", strings.TrimSpace(pool)))
	m.creditsConsumed.Add(ctx, credits, metric.WithAttributes(attrs...))
}

// RecordInsufficientCredits counts rejections; stage is preflight or reconcile.
func (m *Metrics) RecordInsufficientCredits(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("stage", strings.TrimSpace(stage)))
	m.insufficientCredits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordStreamOutcome counts terminal states of streamed generations.
func (m *Metrics) RecordStreamOutcome(ctx context.Context, model, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("model", strings.TrimSpace(model)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.streamOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordReconcileFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.reconcileFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordSubscriptionReset(ctx context.Context, interval string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("interval", strings.TrimSpace(interval)))
	m.subscriptionResets.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPaymentEvent increments payment event counts.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, productKind, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("product_kind", strings.TrimSpace(productKind)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"trans_type":   {},
	"pool":         {},
	"stage":        {},
	"model":        {},
	"outcome":      {},
	"reason":       {},
	"interval":     {},
	"product_kind": {},
	"event_type":   {},
	"status_code":  {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
