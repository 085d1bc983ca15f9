package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/seantiz/hermes/internal/admission"
)

const sampleTask = `
task_name: image-refinement
provider_type: mock
assignment_duration_seconds: 600
admit_with_no_prior_qualification: true
max_answer_loops: 3
units: 4
onboarding_qualification: image-onboarded
image_urls:
  - https://example.com/1.png
task_data:
  sections:
    - name: main
      fieldsets:
        - lookup_name: low_score_loop
qualifications:
  - qualification_name: score
    comparator: GreaterThanOrEqualTo
    value: 80
    applicable_providers: null
  - qualification_name: blocked
    comparator: DoesNotExist
    value: null
    applicable_providers: [mock, inhouse]
  - qualification_name: tier
    comparator: In
    value: [1, 2]
    applicable_providers: null
`

func TestParseTaskFile(t *testing.T) {
	task, err := ParseTaskFile([]byte(sampleTask))
	if err != nil {
		t.Fatalf("ParseTaskFile: %v", err)
	}
	if task.TaskName != "image-refinement" || task.ProviderType != "mock" {
		t.Errorf("task = %+v", task)
	}
	if task.AssignmentDuration().Seconds() != 600 {
		t.Errorf("AssignmentDuration = %v", task.AssignmentDuration())
	}
	if task.Units != 4 || task.MaxAnswerLoops != 3 || !task.AdmitWithNoPriorQualification {
		t.Errorf("task = %+v", task)
	}
	if len(task.Requirements) != 3 {
		t.Fatalf("got %d requirements, want 3", len(task.Requirements))
	}
	if r := task.Requirements[0]; r.Comparator != admission.GreaterEqual || r.Value != 80 {
		t.Errorf("requirement 0 = %+v", r)
	}
	if r := task.Requirements[1]; len(r.ApplicableProviders) != 2 {
		t.Errorf("requirement 1 providers = %v", r.ApplicableProviders)
	}

	data, err := task.TaskDataJSON()
	if err != nil {
		t.Fatalf("TaskDataJSON: %v", err)
	}
	if !strings.Contains(string(data), `"lookup_name":"low_score_loop"`) {
		t.Errorf("task data = %s", data)
	}
}

func TestParseTaskFileDefaults(t *testing.T) {
	task, err := ParseTaskFile([]byte("task_name: minimal\n"))
	if err != nil {
		t.Fatalf("ParseTaskFile: %v", err)
	}
	if task.ProviderType != "inhouse" {
		t.Errorf("ProviderType = %q, want inhouse", task.ProviderType)
	}
	if len(task.Requirements) != 0 {
		t.Errorf("Requirements = %v, want none", task.Requirements)
	}
	data, _ := task.TaskDataJSON()
	if string(data) != "{}" {
		t.Errorf("TaskDataJSON = %s, want {}", data)
	}
}

func TestParseTaskFileInvalidRequirement(t *testing.T) {
	bad := `
task_name: bad
qualifications:
  - qualification_name: score
    comparator: GreaterThan
    value: "high"
    applicable_providers: null
`
	_, err := ParseTaskFile([]byte(bad))
	if !errors.Is(err, admission.ErrInvalidRequirement) {
		t.Errorf("error = %v, want ErrInvalidRequirement", err)
	}
}

func TestParseTaskFileMissingRequirementKey(t *testing.T) {
	bad := `
task_name: bad
qualifications:
  - qualification_name: score
    comparator: Exists
    value: null
`
	if _, err := ParseTaskFile([]byte(bad)); !errors.Is(err, admission.ErrInvalidRequirement) {
		t.Errorf("error = %v, want ErrInvalidRequirement", err)
	}
}

func TestParseTaskFileRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"no name":          "units: 1\n",
		"unknown provider": "task_name: x\nprovider_type: acme\n",
		"negative units":   "task_name: x\nunits: -1\n",
		"bad yaml":         "task_name: [unterminated\n",
	} {
		if _, err := ParseTaskFile([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadTaskFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.yaml")
	if err := os.WriteFile(path, []byte(sampleTask), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	task, err := LoadTaskFile(path)
	if err != nil {
		t.Fatalf("LoadTaskFile: %v", err)
	}
	if task.TaskName != "image-refinement" {
		t.Errorf("TaskName = %q", task.TaskName)
	}

	if _, err := LoadTaskFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
