package procedures

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/seantiz/hermes/internal/agent"
	"github.com/seantiz/hermes/internal/presign"
	"github.com/seantiz/hermes/internal/procedure"
	"github.com/seantiz/hermes/internal/unitcache"
)

// Score bounds of the refinement loop.
const (
	ScoreMax    = 10
	ScoreMiddle = 5
)

// Fieldset lookup names chosen by score.
const (
	LowScoreLoop  = "low_score_loop"
	HighScoreLoop = "high_score_loop"
)

// Messages returned when a unit finishes.
const (
	MsgPerfectScore = "Thank you for guiding the algorithm to perfection."
	MsgLoopLimit    = "You have reached the limit of allowed attempts."
	MsgRepeatPrompt = "Same prompt cannot be used twice."
	MsgImageFailed  = "Could not retrieve an image."
)

// ImageSource produces the image shown for a refinement round.
type ImageSource interface {
	ImageURL(ctx context.Context, state *agent.State, index int, prompt string) (string, error)
}

// StaticImages cycles through a fixed list of image URLs.
type StaticImages []string

// ImageURL returns the URL for round index (1-based).
func (s StaticImages) ImageURL(_ context.Context, _ *agent.State, index int, _ string) (string, error) {
	if len(s) == 0 {
		return "", fmt.Errorf("no images configured")
	}
	if index < 1 {
		index = 1
	}
	return s[(index-1)%len(s)], nil
}

// PresignedImages signs the S3 URLs produced by Source. Other URLs pass
// through unchanged.
type PresignedImages struct {
	Source    ImageSource
	Presigner presign.Presigner
}

// ImageURL implements ImageSource.
func (p PresignedImages) ImageURL(ctx context.Context, state *agent.State, index int, prompt string) (string, error) {
	u, err := p.Source.ImageURL(ctx, state, index, prompt)
	if err != nil {
		return "", err
	}
	if !presign.IsS3URL(u) {
		return u, nil
	}
	return p.Presigner.Presign(ctx, u)
}

type nextFieldsetArgs struct {
	FieldsetLookupName *string `json:"fieldset_lookup_name"`
	Prompt             string  `json:"prompt"`
	Score              int     `json:"score"`
	SectionName        string  `json:"section_name"`
}

// NextFieldset is the response of getNextFieldset.
type NextFieldset struct {
	CurrentAnswerIndex *int           `json:"current_answer_index"`
	FieldsetConfig     map[string]any `json:"fieldset_config"`
	Finished           bool           `json:"finished"`
	SubmitMessage      string         `json:"submit_message,omitempty"`
}

// Fieldset implements the interactive refinement loop: each call records the
// worker's prompt and score for the unit and returns the next fieldset to show.
type Fieldset struct {
	cache          *unitcache.Cache
	images         ImageSource
	maxAnswerLoops int
	logger         *slog.Logger
}

// NewFieldset creates the refinement procedure. maxAnswerLoops of zero means
// the loop only ends on a perfect score. images may be nil.
func NewFieldset(cache *unitcache.Cache, images ImageSource, maxAnswerLoops int, logger *slog.Logger) *Fieldset {
	return &Fieldset{
		cache:          cache,
		images:         images,
		maxAnswerLoops: maxAnswerLoops,
		logger:         logger,
	}
}

// Register adds getNextFieldset to reg.
func (f *Fieldset) Register(reg *procedure.Registry) {
	reg.Register(GetNextFieldset, f.Next)
}

// Next handles one getNextFieldset call.
func (f *Fieldset) Next(ctx context.Context, requestID string, args procedure.Args, state *agent.State) (any, error) {
	var in nextFieldsetArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	prompt := strings.TrimSpace(in.Prompt)
	unitID := state.UnitID()

	f.logger.Debug("next fieldset requested",
		"request_id", requestID,
		"agent_id", state.AgentID(),
		"unit_id", unitID,
		"section_name", in.SectionName,
	)

	repeated := false
	entry := f.cache.Update(unitID, func(e *unitcache.Entry) {
		e.CurrentAnswerIndex++
		repeated = slices.ContainsFunc(e.FieldsetHistory, func(h unitcache.Fieldset) bool {
			return h.Prompt == prompt
		})
		if !repeated {
			e.FieldsetHistory = append(e.FieldsetHistory, unitcache.Fieldset{Prompt: prompt, Score: in.Score})
		}
	})
	if repeated {
		f.logger.Info("worker reused a prompt", "agent_id", state.AgentID(), "unit_id", unitID)
		return nil, procedure.Rejected(map[string][]string{"prompt": {MsgRepeatPrompt}})
	}

	index := entry.CurrentAnswerIndex
	switch {
	case in.Score == ScoreMax:
		return NextFieldset{Finished: true, SubmitMessage: MsgPerfectScore}, nil
	case f.maxAnswerLoops > 0 && index > f.maxAnswerLoops:
		return NextFieldset{Finished: true, SubmitMessage: MsgLoopLimit}, nil
	}

	next := LowScoreLoop
	if in.Score >= ScoreMiddle {
		next = HighScoreLoop
	}

	config, err := findFieldset(state, in.SectionName, next)
	if err != nil {
		return nil, err
	}

	tokens := map[string]string{}
	if f.images != nil {
		imageURL, err := f.images.ImageURL(ctx, state, index, prompt)
		if err != nil {
			f.logger.Error("image request failed", "unit_id", unitID, "error", err)
			return map[string][]string{"errors": {MsgImageFailed}}, nil
		}
		tokens["image_url"] = imageURL
	}

	promptField := "prompt_1"
	if next == HighScoreLoop {
		promptField = "prompt_2"
	}
	config = extrapolate(config, tokens, index, map[string]string{promptField: prompt})

	return NextFieldset{
		CurrentAnswerIndex: &index,
		FieldsetConfig:     config,
		Finished:           false,
	}, nil
}

type taskData struct {
	Sections []struct {
		Name      string           `json:"name"`
		Fieldsets []map[string]any `json:"fieldsets"`
	} `json:"sections"`
}

// findFieldset looks up a dynamic fieldset by section and lookup name in the
// agent's initial task data.
func findFieldset(state *agent.State, section, lookupName string) (map[string]any, error) {
	var init struct {
		TaskData taskData `json:"task_data"`
	}
	ok, err := state.DecodeInitState(&init)
	if err != nil {
		return nil, fmt.Errorf("decode task data: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("agent %s has no task data", state.AgentID())
	}

	for _, s := range init.TaskData.Sections {
		if s.Name != section {
			continue
		}
		for _, fs := range s.Fieldsets {
			if name, _ := fs["lookup_name"].(string); name == lookupName {
				return fs, nil
			}
		}
	}
	return nil, fmt.Errorf("fieldset %q not found in section %q", lookupName, section)
}

// extrapolate returns a deep copy of config with {{token}} placeholders
// replaced, {{index}} set to the round, and field values prefilled.
func extrapolate(config map[string]any, tokens map[string]string, index int, values map[string]string) map[string]any {
	b, err := json.Marshal(config)
	if err != nil {
		return config
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return config
	}

	replacer := []string{"{{index}}", fmt.Sprint(index)}
	for k, v := range tokens {
		replacer = append(replacer, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(replacer...)

	walk(out, func(m map[string]any) {
		for k, v := range m {
			if s, ok := v.(string); ok {
				m[k] = r.Replace(s)
			}
		}
		if name, ok := m["name"].(string); ok {
			if v, ok := values[name]; ok {
				m["value"] = v
			}
		}
	})
	return out
}

func walk(v any, fn func(map[string]any)) {
	switch t := v.(type) {
	case map[string]any:
		fn(t)
		for _, child := range t {
			walk(child, fn)
		}
	case []any:
		for _, child := range t {
			walk(child, fn)
		}
	}
}
