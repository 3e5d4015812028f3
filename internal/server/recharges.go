package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	reconciliationdomain "github.com/smallbiznis/meterline/internal/reconciliation/domain"
	"github.com/smallbiznis/meterline/pkg/money"
)

type createRechargeRequest struct {
	Amount string `json:"amount"`
}

type rechargeResponse struct {
	Reference   string  `json:"reference"`
	State       string  `json:"state"`
	Amount      string  `json:"amount"`
	SettledBy   *string `json:"settled_by,omitempty"`
	ErrorDetail *string `json:"error_detail,omitempty"`
}

func newRechargeResponse(r *reconciliationdomain.Record) rechargeResponse {
	return rechargeResponse{
		Reference:   r.ExternalReference,
		State:       string(r.State),
		Amount:      money.String(r.Amount()),
		SettledBy:   r.SettledBy,
		ErrorDetail: r.ErrorDetail,
	}
}

// CreateRecharge opens a recharge. The returned reference is handed to the payment processor.
func (s *Server) CreateRecharge(c *gin.Context) {
	var req createRechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	record, err := s.paymentSvc.InitiateRecharge(c.Request.Context(), ownerID(c), amount)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": newRechargeResponse(record)})
}

// ConfirmRecharge is the user-side settlement path; it races the processor webhook.
func (s *Server) ConfirmRecharge(c *gin.Context) {
	reference := strings.TrimSpace(c.Param("reference"))
	result, err := s.paymentSvc.ConfirmRecharge(c.Request.Context(), ownerID(c), reference)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":    newRechargeResponse(result.Record),
		"applied": result.Won,
	})
}
