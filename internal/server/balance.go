package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/meterline/internal/ledger/domain"
	"github.com/smallbiznis/meterline/pkg/db/pagination"
	"github.com/smallbiznis/meterline/pkg/money"
)

type balanceResponse struct {
	CustomerID  string     `json:"customer_id"`
	Amount      string     `json:"amount"`
	Currency    string     `json:"currency"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

type movementResponse struct {
	ledgerdomain.Movement
	Amount       string `json:"amount"`
	BalanceAfter string `json:"balance_after"`
}

func (s *Server) GetBalance(c *gin.Context) {
	balance, err := s.ledgerSvc.Balance(c.Request.Context(), ownerID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balanceResponse{
		CustomerID:  balance.CustomerID,
		Amount:      money.String(balance.Amount),
		Currency:    balance.Currency,
		LastUpdated: balance.LastUpdated,
	}})
}

func (s *Server) ListMovements(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.ledgerSvc.Movements(c.Request.Context(), ledgerdomain.MovementsRequest{
		CustomerID: ownerID(c),
		Pagination: page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	movements := make([]movementResponse, 0, len(result.Movements))
	for _, m := range result.Movements {
		movements = append(movements, movementResponse{
			Movement:     m,
			Amount:       money.String(m.Amount()),
			BalanceAfter: money.String(m.BalanceAfter()),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"data":      movements,
		"page_info": result.PageInfo,
	})
}
