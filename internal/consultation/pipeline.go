package consultation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"medintel/internal/retrieval"
)

// GenerationRequest is one call to the text generation capability.
type GenerationRequest struct {
	System   string
	Examples []Example
	History  []Turn
	UserText string
}

type TextGenerator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// Augmenter never fails; an empty context means nothing relevant was found
// or retrieval is unavailable.
type Augmenter interface {
	Augment(ctx context.Context, query string) retrieval.Context
}

// Alerter tells an operator that treatment drafting gave up.
type Alerter interface {
	TreatmentDraftFailed(ctx context.Context, subjectID int64, specialty Specialty, err error)
}

const TreatmentPlaceholder = "A treatment plan could not be drafted automatically. " +
	"Please retry later or write the plan manually before approval."

const treatmentInstructions = `You are drafting a treatment plan for a licensed clinician to review. Base it strictly on the assessment provided.

Use exactly these three sections, in this order:
1. Pharmacological steps
2. Non-pharmacological steps
3. Warnings and escalation criteria

RULES:
- Stay under %d words in total
- Use hedged wording; the clinician makes the final decision
- List the situations that require urgent escalation under section 3`

// Result is the outcome of one consultation.
type Result struct {
	Specialty         Specialty `json:"specialty"`
	Assessment        string    `json:"assessment"`
	Treatment         string    `json:"treatment"`
	Augmented         bool      `json:"augmented"`
	RetrievedCount    int       `json:"retrieved_count"`
	TreatmentDegraded bool      `json:"treatment_degraded"`
}

type Pipeline struct {
	log               *zap.Logger
	memory            *Memory
	registry          *Registry
	augmenter         Augmenter
	generator         TextGenerator
	alerter           Alerter
	treatmentAttempts int
}

func NewPipeline(log *zap.Logger, memory *Memory, registry *Registry, augmenter Augmenter, generator TextGenerator, alerter Alerter, treatmentAttempts int) *Pipeline {
	if augmenter == nil {
		augmenter = retrieval.Noop{}
	}
	if treatmentAttempts < 1 {
		treatmentAttempts = 1
	}
	return &Pipeline{
		log:               log.With(zap.String("component", "GenerationPipeline")),
		memory:            memory,
		registry:          registry,
		augmenter:         augmenter,
		generator:         generator,
		alerter:           alerter,
		treatmentAttempts: treatmentAttempts,
	}
}

// Consult produces an assessment and a derived treatment plan for one
// question. An assessment failure aborts without touching memory; a
// treatment failure degrades to TreatmentPlaceholder.
func (p *Pipeline) Consult(ctx context.Context, subjectID int64, specialty, query, profile string) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty question", ErrInvalidRequest)
	}

	tpl := p.registry.Resolve(specialty)
	history := p.memory.Get(subjectID)
	res := &Result{Specialty: tpl.Specialty}

	userText := query
	if tpl.UseRetrieval {
		rc := p.augmenter.Augment(ctx, query)
		if !rc.Empty() {
			userText = rc.Render() + "\n\nClinical question: " + query
			res.Augmented = true
			res.RetrievedCount = len(rc.Passages)
		}
	}

	assessment, err := p.generator.Generate(ctx, GenerationRequest{
		System:   tpl.Instructions,
		Examples: tpl.Examples,
		History:  history,
		UserText: userText,
	})
	if err == nil && strings.TrimSpace(assessment) == "" {
		err = fmt.Errorf("empty completion")
	}
	if err != nil {
		p.log.Error("assessment generation failed",
			zap.Int64("subject_id", subjectID),
			zap.String("specialty", string(tpl.Specialty)),
			zap.Error(err),
		)
		return nil, &GenerationError{Stage: StageAssessment, Err: err}
	}
	res.Assessment = strings.TrimSpace(assessment)

	// Only the clinician's own words are remembered, never retrieved material.
	p.memory.Append(subjectID, query, res.Assessment)

	treatment, err := p.draftTreatment(ctx, tpl, res.Assessment, profile)
	if err != nil {
		p.log.Warn("treatment drafting failed, using placeholder",
			zap.Int64("subject_id", subjectID),
			zap.Int("attempts", p.treatmentAttempts),
			zap.Error(err),
		)
		if p.alerter != nil {
			p.alerter.TreatmentDraftFailed(ctx, subjectID, tpl.Specialty, err)
		}
		res.Treatment = TreatmentPlaceholder
		res.TreatmentDegraded = true
		return res, nil
	}
	res.Treatment = treatment
	return res, nil
}

func (p *Pipeline) draftTreatment(ctx context.Context, tpl Template, assessment, profile string) (string, error) {
	req := GenerationRequest{
		System: fmt.Sprintf(treatmentInstructions, TreatmentWordLimit),
		UserText: fmt.Sprintf("Specialty: %s\n%s\n\nAssessment:\n%s",
			tpl.DisplayName, strings.TrimSpace(profile), assessment),
	}

	var lastErr error
	for attempt := 1; attempt <= p.treatmentAttempts; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		out, err := p.generator.Generate(ctx, req)
		if err == nil && strings.TrimSpace(out) != "" {
			return strings.TrimSpace(out), nil
		}
		if err == nil {
			err = fmt.Errorf("empty completion")
		}
		lastErr = &GenerationError{Stage: StageTreatment, Err: err}
		p.log.Debug("treatment draft attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return "", lastErr
}
