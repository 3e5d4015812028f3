package carrier

import (
	"context"
	"errors"

	"github.com/smallbiznis/meterline/internal/observability/logger"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	webhookdomain "github.com/smallbiznis/meterline/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	Gate  webhookdomain.Service
	Usage usagedomain.Service
}

// Service turns authenticated carrier callbacks into lifecycle transitions.
type Service struct {
	log   *zap.Logger
	gate  webhookdomain.Service
	usage usagedomain.Service
}

func NewService(p Params) *Service {
	return &Service{
		log:   p.Log.Named("carrier.service"),
		gate:  p.Gate,
		usage: p.Usage,
	}
}

func (s *Service) HandleCallback(ctx context.Context, kind string, req webhookdomain.SignedRequest) (webhookdomain.Decision, error) {
	cb, err := ParseCallback(kind, req.Form)
	if err != nil {
		return "", err
	}
	cb.UseID = CallbackRef(req.URL)
	return s.gate.Process(ctx, webhookdomain.AdmitRequest{
		Provider:  Provider,
		EventID:   cb.EventID(),
		EventKind: cb.EventKind(),
		Request:   req,
		Payload:   []byte(req.Form.Encode()),
	}, func(ctx context.Context) error {
		return s.apply(ctx, cb)
	})
}

func (s *Service) apply(ctx context.Context, cb Callback) error {
	var err error
	switch cb.Stage {
	case StageSetup:
		_, err = s.usage.Heartbeat(ctx, cb.Sid, cb.UseID)
	case StageProgress:
		_, err = s.usage.RecordProgress(ctx, usagedomain.ProgressReport{
			CorrelationID: cb.Sid,
			UseID:         cb.UseID,
			Answered:      cb.Answered(),
		})
	case StageCompletion:
		_, err = s.usage.RecordCompletion(ctx, usagedomain.CompletionReport{
			CorrelationID:   cb.Sid,
			UseID:           cb.UseID,
			Status:          cb.Status,
			DurationSeconds: cb.DurationSeconds,
			Segments:        cb.Segments,
		})
	case StageFailure, StageCancel:
		_, err = s.usage.RecordFailure(ctx, usagedomain.FailureReport{
			CorrelationID:   cb.Sid,
			UseID:           cb.UseID,
			Status:          cb.Status,
			DurationSeconds: cb.DurationSeconds,
			Cancelled:       cb.Stage == StageCancel,
		})
	}

	if errors.Is(err, usagedomain.ErrUnknownResource) || errors.Is(err, usagedomain.ErrInvalidCorrelation) {
		logger.WithContext(ctx, s.log).Warn("carrier callback for unknown resource",
			zap.String("sid", cb.Sid),
			zap.String("status", cb.Status),
		)
		return webhookdomain.Final(err)
	}
	return err
}
