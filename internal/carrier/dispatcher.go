package carrier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/observability/tracing"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	maxResponseBytes     = 1 << 20
	IdempotencyKeyHeader = "Idempotency-Key"
)

// HTTPDispatcher places calls, messages and number rentals through the carrier REST API.
type HTTPDispatcher struct {
	client      *http.Client
	baseURL     string
	accountID   string
	authToken   string
	callbackURL string
	log         *zap.Logger
}

func NewHTTPDispatcher(cfg config.Config, log *zap.Logger) *HTTPDispatcher {
	timeout := cfg.Carrier.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDispatcher{
		client:      &http.Client{Timeout: timeout},
		baseURL:     strings.TrimRight(cfg.Carrier.APIBaseURL, "/"),
		accountID:   cfg.Carrier.AccountID,
		authToken:   cfg.Carrier.AuthToken,
		callbackURL: strings.TrimRight(cfg.Webhook.CarrierPublicURL, "/") + "/webhooks/carrier/",
		log:         log.Named("carrier.dispatcher"),
	}
}

type dispatchResponse struct {
	Sid string `json:"sid"`
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, req usagedomain.DispatchRequest) (string, error) {
	resource, routeKind := resourcePath(req.Kind)
	form := url.Values{}
	form.Set("To", req.To)
	if req.From != "" {
		form.Set("From", req.From)
	}
	ref := url.Values{RefParam: {req.UseID.String()}}
	form.Set("StatusCallback", d.callbackURL+routeKind+"?"+ref.Encode())
	form.Set("ClientReference", req.UseID.String())

	// Retries reuse the key so the carrier never places the same resource twice.
	body, err := d.post(ctx, d.accountPath(resource), form, req.UseID.String())
	if err != nil {
		return "", err
	}
	var resp dispatchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode carrier response: %w", err)
	}
	sid := strings.TrimSpace(resp.Sid)
	if sid == "" {
		return "", fmt.Errorf("%w: carrier response without sid", usagedomain.ErrDispatchRejected)
	}
	return sid, nil
}

func (d *HTTPDispatcher) Hangup(ctx context.Context, correlationID string) error {
	form := url.Values{}
	form.Set("Status", "completed")
	_, err := d.post(ctx, d.accountPath("Calls/"+url.PathEscape(correlationID)), form, "")
	return err
}

func (d *HTTPDispatcher) accountPath(resource string) string {
	return d.baseURL + "/Accounts/" + url.PathEscape(d.accountID) + "/" + resource
}

func (d *HTTPDispatcher) post(ctx context.Context, endpoint string, form url.Values, idempotencyKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyKeyHeader, idempotencyKey)
	}
	req.SetBasicAuth(d.accountID, d.authToken)
	tracing.InjectContext(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &StatusError{Code: resp.StatusCode}
	case resp.StatusCode >= 400:
		d.log.Warn("carrier rejected request",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%w: %w", usagedomain.ErrDispatchRejected, &StatusError{Code: resp.StatusCode})
	}
	return body, nil
}

// StatusError is a non-2xx carrier response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("carrier responded %d", e.Code)
}

func resourcePath(kind usagedomain.Kind) (string, string) {
	switch kind {
	case usagedomain.KindSMS:
		return "Messages", "sms"
	case usagedomain.KindVerificationNumber:
		return "IncomingPhoneNumbers", "number"
	default:
		return "Calls", "call"
	}
}

var _ usagedomain.Dispatcher = (*HTTPDispatcher)(nil)
