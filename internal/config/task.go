package config

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/hermes/internal/admission"
)

// TaskFile describes one live run.
type TaskFile struct {
	TaskName                      string           `yaml:"task_name"`
	ProviderType                  string           `yaml:"provider_type"`
	AssignmentDurationSeconds     int              `yaml:"assignment_duration_seconds"`
	AdmitWithNoPriorQualification bool             `yaml:"admit_with_no_prior_qualification"`
	MaxAnswerLoops                int              `yaml:"max_answer_loops"`
	Units                         int              `yaml:"units"`
	MaxConcurrentUnits            int              `yaml:"max_concurrent_units"`
	OnboardingQualification       string           `yaml:"onboarding_qualification"`
	ImageURLs                     []string         `yaml:"image_urls"`
	TaskData                      map[string]any   `yaml:"task_data"`
	RawQualifications             []map[string]any `yaml:"qualifications"`

	// Requirements is RawQualifications after validation.
	Requirements []admission.Requirement `yaml:"-"`
}

// AssignmentDuration returns the configured duration, or zero if unset.
func (t *TaskFile) AssignmentDuration() time.Duration {
	return time.Duration(t.AssignmentDurationSeconds) * time.Second
}

// TaskDataJSON returns the unit assignment data as JSON.
func (t *TaskFile) TaskDataJSON() (json.RawMessage, error) {
	if t.TaskData == nil {
		return json.RawMessage(`{}`), nil
	}
	b, err := json.Marshal(map[string]any{"task_data": t.TaskData})
	if err != nil {
		return nil, fmt.Errorf("encode task data: %w", err)
	}
	return b, nil
}

// LoadTaskFile reads and validates a YAML task file. Every qualification
// requirement is validated; the first invalid one fails the load.
func LoadTaskFile(path string) (*TaskFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	return ParseTaskFile(data)
}

// ParseTaskFile is LoadTaskFile for in-memory YAML.
func ParseTaskFile(data []byte) (*TaskFile, error) {
	var t TaskFile
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse task file: %w", err)
	}

	if t.TaskName == "" {
		return nil, fmt.Errorf("task file: task_name is required")
	}
	if t.ProviderType == "" {
		t.ProviderType = "inhouse"
	}
	if !slices.Contains(admission.KnownProviders, t.ProviderType) {
		return nil, fmt.Errorf("task file: provider_type %q not in %v", t.ProviderType, admission.KnownProviders)
	}
	if t.Units < 0 || t.AssignmentDurationSeconds < 0 || t.MaxAnswerLoops < 0 || t.MaxConcurrentUnits < 0 {
		return nil, fmt.Errorf("task file: units, assignment_duration_seconds, max_answer_loops and max_concurrent_units must not be negative")
	}

	reqs, err := admission.ParseRequirements(t.RawQualifications)
	if err != nil {
		return nil, fmt.Errorf("task file: %w", err)
	}
	t.Requirements = reqs
	return &t, nil
}
