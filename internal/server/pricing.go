package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ratingdomain "github.com/smallbiznis/meterline/internal/rating/domain"
	"github.com/smallbiznis/meterline/pkg/money"
)

type estimateResponse struct {
	Kind        string   `json:"kind"`
	Destination string   `json:"destination"`
	Unit        string   `json:"unit"`
	Quantity    int64    `json:"quantity"`
	UnitCost    string   `json:"unit_cost"`
	Amount      string   `json:"amount"`
	Currency    string   `json:"currency"`
	Defaulted   []string `json:"defaulted,omitempty"`
}

// GetEstimate prices a prospective resource use without touching the balance.
func (s *Server) GetEstimate(c *gin.Context) {
	quantity, err := parseOptionalInt64(c.Query("quantity"))
	if err != nil {
		AbortWithError(c, ratingdomain.ErrInvalidQuantity)
		return
	}
	req := ratingdomain.EstimateRequest{
		Kind:        strings.TrimSpace(c.Query("kind")),
		Origin:      strings.TrimSpace(c.Query("origin")),
		Destination: strings.TrimSpace(c.Query("destination")),
	}
	if quantity != nil {
		if *quantity <= 0 {
			AbortWithError(c, ratingdomain.ErrInvalidQuantity)
			return
		}
		req.Quantity = *quantity
	}

	estimate, err := s.ratingSvc.Estimate(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": estimateResponse{
		Kind:        estimate.Kind,
		Destination: estimate.Destination,
		Unit:        string(estimate.Unit),
		Quantity:    estimate.Quantity,
		UnitCost:    estimate.UnitCost.String(),
		Amount:      money.String(estimate.Amount),
		Currency:    s.cfg.Currency,
		Defaulted:   estimate.Defaulted,
	}})
}
