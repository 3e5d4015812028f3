package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/internal/config"
	pricingdomain "github.com/smallbiznis/meterline/internal/pricing/domain"
	"github.com/smallbiznis/meterline/internal/rating/domain"
	"github.com/smallbiznis/meterline/internal/rating/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pricingMock struct {
	mock.Mock
	pricingdomain.Service
}

func (m *pricingMock) Get(ctx context.Context, key string) (decimal.Decimal, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *pricingMock) LookupRate(ctx context.Context, kind, destination string) (pricingdomain.Rate, error) {
	args := m.Called(ctx, kind, destination)
	return args.Get(0).(pricingdomain.Rate), args.Error(1)
}

func newService(p *pricingMock) domain.Service {
	return service.NewService(service.Params{
		Log:      zap.NewNop(),
		Pricing:  p,
		Defaults: config.NewStaticPricingDefaultsHolder(config.DefaultPricingDefaults()),
	})
}

func TestPriceUsesStoredParameters(t *testing.T) {
	p := &pricingMock{}
	p.On("Get", mock.Anything, "margin.call").Return(decimal.RequireFromString("3.0"), nil)
	p.On("Get", mock.Anything, "minimum.call").Return(decimal.Zero, nil)

	quote, err := newService(p).Price(context.Background(), domain.PriceRequest{
		ProviderCost: decimal.RequireFromString("1.00"),
		MarginKey:    "margin.call",
		MinimumKey:   "minimum.call",
		Unit:         domain.UnitMinute,
		Quantity:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, "4.00", quote.Amount.StringFixed(2))
	assert.Empty(t, quote.Defaulted)
	p.AssertExpectations(t)
}

func TestPriceMissingParametersUseDefaults(t *testing.T) {
	p := &pricingMock{}
	p.On("Get", mock.Anything, mock.Anything).Return(decimal.Zero, pricingdomain.ErrParameterNotFound)

	quote, err := newService(p).Price(context.Background(), domain.PriceRequest{
		ProviderCost: decimal.RequireFromString("0.10"),
		MarginKey:    "margin.verification_number",
		MinimumKey:   "minimum.verification_number",
		Unit:         domain.UnitRental,
		Quantity:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, "1.00", quote.Amount.StringFixed(2))
	assert.ElementsMatch(t, []string{"margin.verification_number", "minimum.verification_number"}, quote.Defaulted)
	assert.True(t, quote.Billable())
}

func TestPriceUnknownKeyNeverChargesZero(t *testing.T) {
	p := &pricingMock{}
	p.On("Get", mock.Anything, mock.Anything).Return(decimal.Zero, pricingdomain.ErrParameterNotFound)

	quote, err := newService(p).Price(context.Background(), domain.PriceRequest{
		ProviderCost: decimal.Zero,
		MarginKey:    "margin.fax",
		MinimumKey:   "minimum.fax",
		Quantity:     1,
	})
	require.NoError(t, err)
	assert.True(t, quote.Amount.IsPositive())
}

func TestPricePropagatesStorageErrors(t *testing.T) {
	boom := errors.New("boom")
	p := &pricingMock{}
	p.On("Get", mock.Anything, mock.Anything).Return(decimal.Zero, boom)

	_, err := newService(p).Price(context.Background(), domain.PriceRequest{
		ProviderCost: decimal.RequireFromString("1"),
		MarginKey:    "margin.call",
		MinimumKey:   "minimum.call",
		Quantity:     1,
	})
	assert.ErrorIs(t, err, boom)
}

func TestPriceRejectsNegativeInputs(t *testing.T) {
	svc := newService(&pricingMock{})

	_, err := svc.Price(context.Background(), domain.PriceRequest{ProviderCost: decimal.NewFromInt(-1), Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidProviderCost)

	_, err = svc.Price(context.Background(), domain.PriceRequest{ProviderCost: decimal.NewFromInt(1), Quantity: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestEstimateUsesRateTable(t *testing.T) {
	p := &pricingMock{}
	p.On("LookupRate", mock.Anything, "call", "+34612345678").
		Return(pricingdomain.Rate{Kind: "call", Prefix: "346", CostPerUnit: decimal.RequireFromString("0.05")}, nil)
	p.On("Get", mock.Anything, "margin.call").Return(decimal.RequireFromString("3.0"), nil)
	p.On("Get", mock.Anything, "minimum.call").Return(decimal.RequireFromString("0.50"), nil)

	est, err := newService(p).Estimate(context.Background(), domain.EstimateRequest{
		Kind:        "call",
		Destination: "+34612345678",
		Quantity:    5,
	})
	require.NoError(t, err)
	assert.Equal(t, "1.00", est.Amount.StringFixed(2))
	assert.Equal(t, domain.UnitMinute, est.Unit)
}

func TestEstimateWithoutRate(t *testing.T) {
	p := &pricingMock{}
	p.On("LookupRate", mock.Anything, "sms", "999").Return(pricingdomain.Rate{}, pricingdomain.ErrRateNotFound)

	_, err := newService(p).Estimate(context.Background(), domain.EstimateRequest{Kind: "sms", Destination: "999"})
	assert.ErrorIs(t, err, domain.ErrRateUnavailable)
}
