package server

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/smallbiznis/meterline/internal/webhook/domain"
)

const maxWebhookBody = 1 << 20

// HandleCarrierWebhook receives form-encoded status callbacks. The signature covers
// the public URL the carrier was given, so it is rebuilt from configuration.
func (s *Server) HandleCarrierWebhook(c *gin.Context) {
	kind := strings.ToLower(strings.TrimSpace(c.Param("kind")))
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	decision, err := s.carrierSvc.HandleCallback(c.Request.Context(), kind, webhookdomain.SignedRequest{
		URL:    s.cfg.Webhook.CarrierPublicURL + c.Request.URL.RequestURI(),
		Header: c.Request.Header,
		Body:   body,
		Form:   form,
	})
	respondWebhook(c, decision, err)
}

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	decision, err := s.paymentSvc.HandleWebhook(c.Request.Context(), provider, payload, c.Request.Header)
	respondWebhook(c, decision, err)
}

// respondWebhook acknowledges accepted and duplicate events with 200 so providers stop
// redelivering. Errors map to statuses that tell the provider whether to retry.
func respondWebhook(c *gin.Context, decision webhookdomain.Decision, err error) {
	if decision != "" {
		c.Set("webhook_decision", string(decision))
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(decision)})
}
