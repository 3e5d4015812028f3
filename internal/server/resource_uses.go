package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"github.com/smallbiznis/meterline/pkg/money"
)

type startResourceUseRequest struct {
	Kind        string `json:"kind"`
	Target      string `json:"target"`
	ResourceRef string `json:"resource_ref"`
}

type resourceUseResponse struct {
	ID                  string     `json:"id"`
	Kind                string     `json:"kind"`
	ResourceRef         string     `json:"resource_ref"`
	Target              string     `json:"target"`
	State               string     `json:"state"`
	ProviderReference   string     `json:"provider_reference,omitempty"`
	DurationUnits       *int64     `json:"duration_units,omitempty"`
	Cost                string     `json:"cost,omitempty"`
	ConsumptionRecorded bool       `json:"consumption_recorded"`
	StartedAt           time.Time  `json:"started_at"`
	EndedAt             *time.Time `json:"ended_at,omitempty"`
	Note                *string    `json:"note,omitempty"`
}

type transitionResponse struct {
	Applied  bool   `json:"applied"`
	State    string `json:"state"`
	Quantity int64  `json:"quantity"`
	Amount   string `json:"amount"`
}

func newResourceUseResponse(use *usagedomain.ResourceUse) resourceUseResponse {
	resp := resourceUseResponse{
		ID:                  use.ID.String(),
		Kind:                string(use.Kind),
		ResourceRef:         use.ResourceRef,
		Target:              use.Target,
		State:               string(use.State),
		ProviderReference:   use.CorrelationID(),
		DurationUnits:       use.DurationUnits,
		ConsumptionRecorded: use.ConsumptionRecorded,
		StartedAt:           use.StartedAt,
		EndedAt:             use.EndedAt,
		Note:                use.Note,
	}
	if use.CostMinor != nil {
		resp.Cost = money.String(money.FromMinor(*use.CostMinor))
	}
	return resp
}

func (s *Server) StartResourceUse(c *gin.Context) {
	var req startResourceUseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	use, err := s.usageSvc.Start(c.Request.Context(), usagedomain.StartRequest{
		OwnerID:     ownerID(c),
		Kind:        strings.TrimSpace(req.Kind),
		ResourceRef: strings.TrimSpace(req.ResourceRef),
		Target:      strings.TrimSpace(req.Target),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": newResourceUseResponse(use)})
}

func (s *Server) GetResourceUse(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	use, err := s.usageSvc.Get(c.Request.Context(), id, ownerID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newResourceUseResponse(use)})
}

// EndResourceUse stops a live resource on the user's request. Ending an already
// settled resource is not an error.
func (s *Server) EndResourceUse(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	transition, err := s.usageSvc.End(c.Request.Context(), id, ownerID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": transitionResponse{
		Applied:  transition.Applied,
		State:    string(transition.State),
		Quantity: transition.Quantity,
		Amount:   money.String(transition.Amount),
	}})
}
