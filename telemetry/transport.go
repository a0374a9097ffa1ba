package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Outbound targets.
const (
	TargetOrigin = "origin"
	TargetAPI    = "api"
	TargetPush   = "push"
)

// Outbound outcomes.
const (
	OutcomeOK           = "ok"
	OutcomeNotModified  = "not_modified"
	OutcomeUnauthorized = "unauthorized"
	OutcomeNotFound     = "not_found"
	OutcomeGone         = "gone"
	OutcomeThrottled    = "throttled"
	OutcomeClientError  = "client_error"
	OutcomeServerError  = "server_error"
	OutcomeTimeout      = "timeout"
	OutcomeCanceled     = "canceled"
	OutcomeError        = "error"
)

type operationKey struct{}

// WithOperation labels outbound requests made with ctx, for example
// "install" or "revalidate".
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, operationKey{}, op)
}

// OperationFromContext returns the label set by WithOperation.
func OperationFromContext(ctx context.Context) string {
	op, _ := ctx.Value(operationKey{}).(string)
	return op
}

// OperationFunc names the operation a request performs from its method and
// path. An empty result falls back to the context label.
type OperationFunc func(req *http.Request) string

// TransportOption configures an InstrumentedTransport.
type TransportOption func(*InstrumentedTransport)

// WithOperationFunc derives operation labels from the request itself.
func WithOperationFunc(fn OperationFunc) TransportOption {
	return func(t *InstrumentedTransport) {
		t.operation = fn
	}
}

// InstrumentedTransport records every request to the origin, the app API or
// a push service with its operation, outcome and status class.
type InstrumentedTransport struct {
	base      http.RoundTripper
	target    string
	operation OperationFunc
}

// NewInstrumentedTransport wraps base for target (TargetOrigin, TargetAPI or
// TargetPush). If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, target string, opts ...TransportOption) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &InstrumentedTransport{base: base, target: target}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoundTrip implements http.RoundTripper. Responses are recorded once their
// body is drained or closed so byte counts are complete.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	fetch := OutboundFetch{Target: t.target, Operation: t.operationFor(req)}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		fetch.Outcome = ErrorOutcome(req.Context(), err)
		fetch.Duration = time.Since(start)
		RecordOutbound(req.Context(), fetch)
		return nil, err
	}

	fetch.Status = resp.StatusCode
	fetch.Outcome = StatusOutcome(t.target, resp.StatusCode)
	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		fetch:      fetch,
		start:      start,
	}
	return resp, nil
}

func (t *InstrumentedTransport) operationFor(req *http.Request) string {
	if t.operation != nil {
		if op := t.operation(req); op != "" {
			return op
		}
	}
	if op := OperationFromContext(req.Context()); op != "" {
		return op
	}
	return "request"
}

// StatusOutcome maps a response status to an outcome. A 404 or 410 from a
// push service means the subscription is gone.
func StatusOutcome(target string, status int) string {
	switch {
	case status == http.StatusNotModified:
		return OutcomeNotModified
	case status < 400:
		return OutcomeOK
	case target == TargetPush && (status == http.StatusNotFound || status == http.StatusGone):
		return OutcomeGone
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return OutcomeUnauthorized
	case status == http.StatusNotFound:
		return OutcomeNotFound
	case status == http.StatusTooManyRequests:
		return OutcomeThrottled
	case status < 500:
		return OutcomeClientError
	default:
		return OutcomeServerError
	}
}

// ErrorOutcome classifies a transport error.
func ErrorOutcome(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}

type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	fetch    OutboundFetch
	start    time.Time
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.fetch.Bytes += int64(n)
	if errors.Is(err, io.EOF) {
		b.record()
	}
	return n, err
}

func (b *instrumentedBody) Close() error {
	b.record()
	return b.ReadCloser.Close()
}

func (b *instrumentedBody) record() {
	if b.recorded {
		return
	}
	b.recorded = true
	b.fetch.Duration = time.Since(b.start)
	RecordOutbound(b.ctx, b.fetch)
}
