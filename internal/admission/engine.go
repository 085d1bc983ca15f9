package admission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/hermes/internal/model"
)

// Reasons shown to workers who cannot be given work.
const (
	NotQualified      = "You are not currently qualified to work on this task..."
	NotAuthorized     = "You are not authorized to work on this task..."
	NoAvailableUnits  = "There is currently no available work, please try again later..."
	TooManyConcurrent = "You are currently working on too many tasks concurrently to accept another, please finish your current work."
	MaxForTask        = "You have already completed the maximum amount of tasks the requester has set for this task."
	TaskMissing       = "You appear to have already completed this task, or have disconnected long enough for your session to clear..."
)

// Decision reason codes.
const (
	ReasonBootstrapAdmit = "bootstrap_admit"
	ReasonQualified      = "qualified"
	ReasonMissingGrant   = "missing_grant"
	ReasonForbiddenGrant = "forbidden_grant"
	ReasonValueMismatch  = "value_mismatch"
)

var admissionDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hermes_admission_decisions_total",
		Help: "Total number of admission decisions by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(admissionDecisions)
}

// CredentialStore is the query surface the engine needs from storage.
type CredentialStore interface {
	FindGrantedQualifications(ctx context.Context, workerID string) ([]model.GrantedQualification, error)
	FindGrantedQualificationsFor(ctx context.Context, qualificationID, workerID string) ([]model.GrantedQualification, error)
	FindQualificationsByName(ctx context.Context, name string) ([]model.Qualification, error)
}

// Options carries the run-level settings that influence admission.
type Options struct {
	// AdmitWithNoPriorQualification admits workers who hold no qualification at
	// all, as long as the run has requirements.
	AdmitWithNoPriorQualification bool
}

// Decision is the outcome of evaluating a worker against a requirement list.
type Decision struct {
	Eligible    bool
	ReasonCode  string
	Requirement *Requirement
	Message     string
}

// Engine evaluates requirement lists against granted qualifications.
type Engine struct {
	store  CredentialStore
	logger *slog.Logger
}

// NewEngine creates an admission engine backed by s.
func NewEngine(s CredentialStore, logger *slog.Logger) *Engine {
	return &Engine{store: s, logger: logger}
}

// IsEligible reports whether workerID satisfies every requirement. A non-nil
// error means the credential store could not be read; it never signals a
// failed requirement.
func (e *Engine) IsEligible(ctx context.Context, workerID string, reqs []Requirement, opts Options) (bool, error) {
	d, err := e.Evaluate(ctx, workerID, reqs, opts)
	if err != nil {
		return false, err
	}
	return d.Eligible, nil
}

// Evaluate checks reqs in declaration order and returns at the first failure.
// Requirements naming a qualification that does not exist are skipped.
func (e *Engine) Evaluate(ctx context.Context, workerID string, reqs []Requirement, opts Options) (Decision, error) {
	d, err := e.evaluate(ctx, workerID, reqs, opts)
	if err != nil {
		return Decision{}, err
	}
	outcome := "denied"
	if d.Eligible {
		outcome = "admitted"
	}
	admissionDecisions.WithLabelValues(outcome).Inc()
	return d, nil
}

func (e *Engine) evaluate(ctx context.Context, workerID string, reqs []Requirement, opts Options) (Decision, error) {
	if opts.AdmitWithNoPriorQualification && len(reqs) > 0 {
		all, err := e.store.FindGrantedQualifications(ctx, workerID)
		if err != nil {
			return Decision{}, fmt.Errorf("find granted qualifications: %w", err)
		}
		if len(all) == 0 {
			return Decision{
				Eligible:   true,
				ReasonCode: ReasonBootstrapAdmit,
				Message:    "worker has no prior qualifications and the run admits new workers",
			}, nil
		}
	}

	for i := range reqs {
		req := reqs[i]
		quals, err := e.store.FindQualificationsByName(ctx, req.QualificationName)
		if err != nil {
			return Decision{}, fmt.Errorf("find qualification %q: %w", req.QualificationName, err)
		}
		if len(quals) == 0 {
			e.logger.Warn("qualification required but not found, skipping",
				"qualification_name", req.QualificationName,
				"worker_id", workerID,
			)
			continue
		}

		granted, err := e.store.FindGrantedQualificationsFor(ctx, quals[0].ID, workerID)
		if err != nil {
			return Decision{}, fmt.Errorf("find granted %q: %w", req.QualificationName, err)
		}

		if reason, ok := check(req, granted); !ok {
			return Decision{
				Eligible:    false,
				ReasonCode:  reason,
				Requirement: &req,
				Message:     fmt.Sprintf("requirement %s %s %v not met", req.QualificationName, req.Comparator, req.Value),
			}, nil
		}
	}

	return Decision{
		Eligible:   true,
		ReasonCode: ReasonQualified,
		Message:    "all requirements met",
	}, nil
}

// check applies one requirement to the worker's grants of its qualification.
func check(req Requirement, granted []model.GrantedQualification) (string, bool) {
	switch req.Comparator {
	case Exists:
		if len(granted) == 0 {
			return ReasonMissingGrant, false
		}
		return "", true
	case NotExist:
		if len(granted) > 0 {
			return ReasonForbiddenGrant, false
		}
		return "", true
	}

	if len(granted) == 0 {
		return ReasonMissingGrant, false
	}
	if !Compare(req.Comparator, granted[0].Value, req.Value) {
		return ReasonValueMismatch, false
	}
	return "", true
}

// Compare applies comparator to a granted value and a requirement value.
// Presence comparators are not value comparisons and always report false.
func Compare(c Comparator, granted int, required any) bool {
	if c.list() {
		list, ok := asList(required)
		if !ok {
			return false
		}
		found := false
		for _, item := range list {
			if n, ok := asInt(item); ok && n == granted {
				found = true
				break
			}
		}
		if c == InList {
			return found
		}
		return !found
	}

	want, ok := asInt(required)
	if !ok {
		return false
	}
	switch c {
	case Equal:
		return granted == want
	case NotEqual:
		return granted != want
	case Greater:
		return granted > want
	case GreaterEqual:
		return granted >= want
	case Less:
		return granted < want
	case LessEqual:
		return granted <= want
	}
	return false
}

// QualificationMaker is the storage surface needed to ensure a qualification exists.
type QualificationMaker interface {
	FindQualificationsByName(ctx context.Context, name string) ([]model.Qualification, error)
	MakeQualification(ctx context.Context, name string) (*model.Qualification, error)
}

// FindOrCreateQualification returns the ID of the qualification called name,
// creating it when it does not exist yet.
func FindOrCreateQualification(ctx context.Context, s QualificationMaker, name string) (string, error) {
	quals, err := s.FindQualificationsByName(ctx, name)
	if err != nil {
		return "", fmt.Errorf("find qualification: %w", err)
	}
	if len(quals) > 0 {
		return quals[0].ID, nil
	}
	q, err := s.MakeQualification(ctx, name)
	if err != nil {
		return "", fmt.Errorf("make qualification: %w", err)
	}
	return q.ID, nil
}
