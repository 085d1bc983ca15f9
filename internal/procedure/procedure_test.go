package procedure_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/seantiz/hermes/internal/agent"
	"github.com/seantiz/hermes/internal/procedure"
)

func TestArgsDecode(t *testing.T) {
	var v struct {
		Prompt string `json:"prompt"`
	}
	if err := procedure.Args(`{"prompt":"cat"}`).Decode(&v); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v.Prompt != "cat" {
		t.Errorf("Prompt = %q", v.Prompt)
	}

	if err := procedure.Args(`{not json`).Decode(&v); err == nil {
		t.Error("expected error for malformed args")
	}
	if err := procedure.Args(nil).Decode(&v); err == nil {
		t.Error("expected error for empty args")
	}
}

func TestEnvelopeValidation(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", procedure.Rejected(map[string][]string{
		"prompt": {"Same prompt cannot be used twice."},
	}))
	env := procedure.Envelope(err)
	if env.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", env.StatusCode)
	}
	if got := env.ValidationErrors["prompt"]; len(got) != 1 {
		t.Errorf("ValidationErrors = %v", env.ValidationErrors)
	}
	if env.Errors != nil {
		t.Errorf("Errors = %v, want nil", env.Errors)
	}
}

func TestEnvelopeFailure(t *testing.T) {
	env := procedure.Envelope(errors.New("boom"))
	if env.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", env.StatusCode)
	}
	if len(env.Errors) != 1 || env.Errors[0] != procedure.GenericErrorMessage {
		t.Errorf("Errors = %v", env.Errors)
	}
	if env.OriginalErrorMessage != "boom" {
		t.Errorf("OriginalErrorMessage = %q", env.OriginalErrorMessage)
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(b, &wire); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"errors", "original_error_message", "status_code"} {
		if _, ok := wire[key]; !ok {
			t.Errorf("envelope missing %q: %s", key, b)
		}
	}
	if _, ok := wire["validation_errors"]; ok {
		t.Errorf("failure envelope should omit validation_errors: %s", b)
	}
}

func TestCallRecoversPanic(t *testing.T) {
	fn := func(context.Context, string, procedure.Args, *agent.State) (any, error) {
		panic("kaboom")
	}
	res, err := procedure.Call(context.Background(), fn, "r1", nil, nil)
	if res != nil {
		t.Errorf("result = %v, want nil", res)
	}
	var perr *procedure.PanicError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *PanicError", err)
	}
	if perr.Value != "kaboom" || len(perr.Stack) == 0 {
		t.Errorf("PanicError = %+v", perr)
	}
}

func TestCallPassesThrough(t *testing.T) {
	st := agent.NewState("a", "u")
	fn := func(_ context.Context, id string, _ procedure.Args, s *agent.State) (any, error) {
		return id + ":" + s.UnitID(), nil
	}
	res, err := procedure.Call(context.Background(), fn, "r1", nil, st)
	if err != nil || res != "r1:u" {
		t.Errorf("Call = %v, %v", res, err)
	}
}
