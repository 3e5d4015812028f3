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

// Metrics exposes domain-level instruments.
type Metrics struct {
	webhookEvents       metric.Int64Counter
	ledgerMovements     metric.Int64Counter
	lowBalance          metric.Int64Counter
	pricingAnomalies    metric.Int64Counter
	settlements         metric.Int64Counter
	resourceTransitions metric.Int64Counter
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
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "meterline"
	}
	meter := provider.Meter(name)

	webhookEvents, err := meter.Int64Counter("meterline_webhook_events_total")
	if err != nil {
		return nil, err
	}
	ledgerMovements, err := meter.Int64Counter("meterline_ledger_movements_total")
	if err != nil {
		return nil, err
	}
	lowBalance, err := meter.Int64Counter("meterline_low_balance_total")
	if err != nil {
		return nil, err
	}
	pricingAnomalies, err := meter.Int64Counter("meterline_pricing_config_anomalies_total")
	if err != nil {
		return nil, err
	}
	settlements, err := meter.Int64Counter("meterline_settlements_total")
	if err != nil {
		return nil, err
	}
	resourceTransitions, err := meter.Int64Counter("meterline_resource_transitions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookEvents:       webhookEvents,
		ledgerMovements:     ledgerMovements,
		lowBalance:          lowBalance,
		pricingAnomalies:    pricingAnomalies,
		settlements:         settlements,
		resourceTransitions: resourceTransitions,
	}, nil
}

// RecordWebhookDecision counts gate decisions per provider.
func (m *Metrics) RecordWebhookDecision(ctx context.Context, provider, decision string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("decision", strings.TrimSpace(decision)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordLedgerMovement(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("kind", strings.TrimSpace(kind)))
	m.ledgerMovements.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordLowBalance(ctx context.Context) {
	if m == nil {
		return
	}
	m.lowBalance.Add(ctx, 1)
}

// RecordPricingAnomaly counts lookups that fell back to a default value.
func (m *Metrics) RecordPricingAnomaly(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.pricingAnomalies.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordSettlement(ctx context.Context, path, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("path", strings.TrimSpace(path)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.settlements.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordResourceTransition(ctx context.Context, kind, state string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.String("state", strings.TrimSpace(state)),
	)
	m.resourceTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"endpoint":    {},
	"status_code": {},
	"provider":    {},
	"decision":    {},
	"kind":        {},
	"state":       {},
	"path":        {},
	"outcome":     {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
// Owner and resource identifiers are never allowed as labels.
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
