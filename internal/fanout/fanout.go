// Package fanout runs one operation over many inputs on a bounded pool of
// goroutines and aggregates the failures into a single error.
package fanout

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// DefaultLimit is the pool size used when Options.Limit is not positive.
const DefaultLimit = 10

var fanoutInputs = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hermes_fanout_inputs_total",
		Help: "Total number of fan-out inputs processed by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(fanoutInputs)
}

// Failure is one input whose operation failed.
type Failure struct {
	Input string
	Err   error
}

// AggregateError reports every failed input of a fan-out call.
type AggregateError struct {
	Failures []Failure
}

func (e *AggregateError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Input, f.Err)
	}
	return fmt.Sprintf("%d of the inputs failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *AggregateError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Inputs returns the failed inputs in input order.
func (e *AggregateError) Inputs() []string {
	out := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Input
	}
	return out
}

// Options configures a fan-out call.
type Options struct {
	// Limit caps the number of operations running at once.
	Limit int

	// Label renders an input for failure reports. Defaults to fmt's %v.
	Label func(input any) string
}

// Pair is a successful input with its result.
type Pair[I, O any] struct {
	Input  I
	Result O
}

// Run applies op to every input with at most opts.Limit calls in flight and
// waits for all of them. On success it returns the inputs paired with their
// results in input order. If any call fails, no results are returned and the
// error is an *AggregateError naming every failed input. Operations keep
// running after a sibling fails; they receive ctx unchanged.
func Run[I, O any](ctx context.Context, inputs []I, opts Options, op func(ctx context.Context, input I) (O, error)) ([]Pair[I, O], error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	label := opts.Label
	if label == nil {
		label = func(v any) string { return fmt.Sprintf("%v", v) }
	}

	results := make([]O, len(inputs))
	errs := make([]error, len(inputs))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, in := range inputs {
		g.Go(func() error {
			res, err := op(ctx, in)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = res
			return nil
		})
	}
	// Closures report through errs and always return nil, so Wait has no
	// error of its own.
	g.Wait()

	var agg AggregateError
	for i, err := range errs {
		if err != nil {
			agg.Failures = append(agg.Failures, Failure{Input: label(inputs[i]), Err: err})
		}
	}
	fanoutInputs.WithLabelValues("failed").Add(float64(len(agg.Failures)))
	fanoutInputs.WithLabelValues("succeeded").Add(float64(len(inputs) - len(agg.Failures)))
	if len(agg.Failures) > 0 {
		return nil, &agg
	}

	pairs := make([]Pair[I, O], len(inputs))
	for i, in := range inputs {
		pairs[i] = Pair[I, O]{Input: in, Result: results[i]}
	}
	return pairs, nil
}
