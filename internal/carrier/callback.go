package carrier

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// RefParam carries the resource use id on the status callback URL.
const RefParam = "ref"

// Stage is the lifecycle effect of a carrier status.
type Stage string

const (
	StageSetup      Stage = "setup"
	StageProgress   Stage = "progress"
	StageCompletion Stage = "completion"
	StageFailure    Stage = "failure"
	StageCancel     Stage = "cancel"
)

var statusStages = map[string]Stage{
	"queued":      StageSetup,
	"initiated":   StageSetup,
	"ringing":     StageProgress,
	"in-progress": StageProgress,
	"answered":    StageProgress,
	"sending":     StageProgress,
	"sent":        StageProgress,
	"completed":   StageCompletion,
	"delivered":   StageCompletion,
	"received":    StageCompletion,
	"released":    StageCompletion,
	"busy":        StageFailure,
	"failed":      StageFailure,
	"no-answer":   StageFailure,
	"undelivered": StageFailure,
	"canceled":    StageCancel,
}

type Callback struct {
	Kind            string
	Sid             string
	Status          string
	Stage           Stage
	DurationSeconds int64
	Segments        int64
	// UseID is echoed from the status callback URL; zero when absent.
	UseID snowflake.ID
}

// EventID identifies one status notification for the idempotency gate.
func (c Callback) EventID() string { return c.Sid + ":" + c.Status }

// EventKind is matched against the unsigned bootstrap allow-list.
func (c Callback) EventKind() string { return c.Kind + "." + string(c.Stage) }

// Answered reports whether the callee picked up.
func (c Callback) Answered() bool {
	return c.Status == "in-progress" || c.Status == "answered"
}

var (
	ErrMissingSid    = errors.New("missing_sid")
	ErrUnknownStatus = errors.New("unknown_carrier_status")
	ErrUnknownKind   = errors.New("unknown_carrier_kind")
)

// ParseCallback reads a form-encoded status callback for the given route kind.
func ParseCallback(kind string, form url.Values) (Callback, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	var sidKey, statusKey string
	switch kind {
	case "call":
		sidKey, statusKey = "CallSid", "CallStatus"
	case "sms":
		sidKey, statusKey = "MessageSid", "MessageStatus"
	case "number":
		sidKey, statusKey = "NumberSid", "NumberStatus"
	default:
		return Callback{}, ErrUnknownKind
	}

	cb := Callback{
		Kind:   kind,
		Sid:    strings.TrimSpace(form.Get(sidKey)),
		Status: strings.ToLower(strings.TrimSpace(form.Get(statusKey))),
	}
	if cb.Sid == "" {
		return Callback{}, ErrMissingSid
	}
	stage, ok := statusStages[cb.Status]
	if !ok {
		return Callback{}, ErrUnknownStatus
	}
	cb.Stage = stage
	cb.DurationSeconds = parseCount(form.Get("CallDuration"))
	cb.Segments = parseCount(form.Get("NumSegments"))
	return cb, nil
}

func parseCount(raw string) int64 {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

// CallbackRef extracts the resource use id from a status callback URL.
func CallbackRef(rawURL string) snowflake.ID {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	id, err := snowflake.ParseString(strings.TrimSpace(u.Query().Get(RefParam)))
	if err != nil || id <= 0 {
		return 0
	}
	return id
}
