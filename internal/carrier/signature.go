package carrier

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"maps"
	"net/url"
	"slices"
	"strings"

	webhookdomain "github.com/smallbiznis/meterline/internal/webhook/domain"
)

const (
	Provider        = "carrier"
	SignatureHeader = "X-Carrier-Signature"
)

// Verifier authenticates carrier callbacks signed with the account auth token.
type Verifier struct {
	secret string
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: strings.TrimSpace(secret)}
}

func (v *Verifier) Provider() string { return Provider }

func (v *Verifier) Verify(ctx context.Context, req webhookdomain.SignedRequest) error {
	signature := strings.TrimSpace(req.Header.Get(SignatureHeader))
	if signature == "" {
		return webhookdomain.ErrSignatureMissing
	}
	if v.secret == "" {
		return webhookdomain.ErrInvalidSignature
	}
	expected := Sign(v.secret, req.URL, req.Form)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return webhookdomain.ErrInvalidSignature
	}
	return nil
}

// Sign computes base64(HMAC-SHA1(secret, url + k1 + v1 + k2 + v2 ...)) with keys in sorted order.
func Sign(secret, fullURL string, form url.Values) string {
	var b strings.Builder
	b.WriteString(fullURL)
	for _, key := range slices.Sorted(maps.Keys(form)) {
		for _, value := range form[key] {
			b.WriteString(key)
			b.WriteString(value)
		}
	}
	mac := hmac.New(sha1.New, []byte(secret))
	_, _ = mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
