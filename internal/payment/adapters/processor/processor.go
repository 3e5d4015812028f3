package processor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/meterline/internal/payment/domain"
	webhookdomain "github.com/smallbiznis/meterline/internal/webhook/domain"
)

const (
	Provider        = "processor"
	SignatureHeader = "Payment-Signature"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return Provider
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Adapter{
		webhookSecret: secret,
		tolerance:     cfg.Tolerance,
		now:           now,
	}, nil
}

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
	now           func() time.Time
}

// Verify checks the t=<unix>,v1=<hex> header: HMAC-SHA256 over "<t>.<body>", with t inside the tolerance.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHeader == "" {
		return webhookdomain.ErrSignatureMissing
	}

	timestamp, signatures, err := parseSignature(sigHeader)
	if err != nil {
		return webhookdomain.ErrInvalidSignature
	}
	if a.tolerance > 0 {
		unix, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return webhookdomain.ErrInvalidSignature
		}
		skew := a.now().Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > a.tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", webhookdomain.ErrInvalidSignature)
		}
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(timestamp + "." + string(payload)))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return webhookdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event processorEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	out := &paymentdomain.PaymentEvent{
		Provider:        Provider,
		ProviderEventID: strings.TrimSpace(event.ID),
		ProviderType:    strings.TrimSpace(event.Type),
		Type:            paymentdomain.EventTypeIgnored,
		OccurredAt:      timestamp(event.Created),
		RawPayload:      payload,
	}

	switch out.ProviderType {
	case "payment.succeeded":
		out.Type = paymentdomain.EventTypePaymentSucceeded
	case "payment.failed":
		out.Type = paymentdomain.EventTypePaymentFailed
	default:
		return out, nil
	}

	var object processorObject
	if len(event.Data.Object) == 0 {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if err := json.Unmarshal(event.Data.Object, &object); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	out.Reference = strings.TrimSpace(object.Reference)
	if out.Reference == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	if out.Type == paymentdomain.EventTypePaymentSucceeded && object.Amount <= 0 {
		return nil, paymentdomain.ErrInvalidEvent
	}
	out.Amount = object.Amount
	out.Currency = strings.ToUpper(strings.TrimSpace(object.Currency))
	return out, nil
}

type processorEvent struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Created int64              `json:"created"`
	Data    processorEventData `json:"data"`
}

type processorEventData struct {
	Object json.RawMessage `json:"object"`
}

type processorObject struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

func parseSignature(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "t":
			timestamp = strings.TrimSpace(value)
		case "v1":
			signatures = append(signatures, strings.TrimSpace(value))
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(value int64) time.Time {
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
