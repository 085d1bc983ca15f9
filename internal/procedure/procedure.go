package procedure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/seantiz/hermes/internal/agent"
)

// GenericErrorMessage is reported to clients when a procedure fails.
const GenericErrorMessage = "Unexpected error during performing remote procedure."

// Func is a remote procedure body. It runs on the calling agent's goroutine
// and must be safe to call from many agents at once. A nil error with any
// JSON-encodable result is a success; Rejected and other errors are failures.
type Func func(ctx context.Context, requestID string, args Args, state *agent.State) (any, error)

// Args is the JSON argument payload of a live update.
type Args json.RawMessage

// Decode unmarshals the arguments into v.
func (a Args) Decode(v any) error {
	if len(a) == 0 {
		return errors.New("decode args: empty payload")
	}
	if err := json.Unmarshal(a, v); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}

// Raw returns the payload as a json.RawMessage.
func (a Args) Raw() json.RawMessage { return json.RawMessage(a) }

// ValidationError reports per-field input problems. Procedures return it via
// Rejected when the client sent something it must correct.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation rejected: %v", e.Fields)
}

// Rejected builds a ValidationError for fields.
func Rejected(fields map[string][]string) error {
	return &ValidationError{Fields: fields}
}

// PanicError wraps a value recovered from a panicking procedure.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("procedure panicked: %v", e.Value)
}

// ErrorEnvelope is the response body of a failed call.
type ErrorEnvelope struct {
	Errors               []string            `json:"errors,omitempty"`
	ValidationErrors     map[string][]string `json:"validation_errors,omitempty"`
	OriginalErrorMessage string              `json:"original_error_message,omitempty"`
	StatusCode           int                 `json:"status_code"`
}

// Envelope converts a procedure error into its wire shape. Validation
// rejections keep their field map; everything else becomes the generic
// internal error.
func Envelope(err error) ErrorEnvelope {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return ErrorEnvelope{
			ValidationErrors: verr.Fields,
			StatusCode:       http.StatusBadRequest,
		}
	}
	return ErrorEnvelope{
		Errors:               []string{GenericErrorMessage},
		OriginalErrorMessage: err.Error(),
		StatusCode:           http.StatusInternalServerError,
	}
}

// Call invokes fn, converting a panic into a *PanicError.
func Call(ctx context.Context, fn Func, requestID string, args Args, state *agent.State) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx, requestID, args, state)
}
