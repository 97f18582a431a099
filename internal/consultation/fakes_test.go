package consultation

import (
	"context"
	"strings"
	"sync"

	"medintel/internal/retrieval"
)

// fakeGenerator answers assessment and treatment prompts separately and
// records every request it receives.
type fakeGenerator struct {
	mu            sync.Mutex
	requests      []GenerationRequest
	assessment    string
	assessmentErr error
	treatment     string
	treatmentErrs []error
}

func isTreatmentPrompt(req GenerationRequest) bool {
	return strings.HasPrefix(req.System, "You are drafting a treatment plan")
}

func (f *fakeGenerator) Generate(_ context.Context, req GenerationRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if isTreatmentPrompt(req) {
		if len(f.treatmentErrs) > 0 {
			err := f.treatmentErrs[0]
			f.treatmentErrs = f.treatmentErrs[1:]
			if err != nil {
				return "", err
			}
		}
		return f.treatment, nil
	}
	if f.assessmentErr != nil {
		return "", f.assessmentErr
	}
	return f.assessment, nil
}

func (f *fakeGenerator) assessmentRequests() []GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []GenerationRequest
	for _, r := range f.requests {
		if !isTreatmentPrompt(r) {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeGenerator) treatmentRequests() []GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []GenerationRequest
	for _, r := range f.requests {
		if isTreatmentPrompt(r) {
			out = append(out, r)
		}
	}
	return out
}

type fakeAugmenter struct {
	ctx     retrieval.Context
	queries []string
}

func (f *fakeAugmenter) Augment(_ context.Context, q string) retrieval.Context {
	f.queries = append(f.queries, q)
	return f.ctx
}

type fakeAlerter struct {
	alerts int
}

func (f *fakeAlerter) TreatmentDraftFailed(context.Context, int64, Specialty, error) {
	f.alerts++
}

const dermAssessment = "**Possible assessments:**\n" +
	"1. **Possible seborrhoeic dermatitis**: likely given facial distribution.\n" +
	"2. **Possible contact dermatitis**: consider recent cosmetics.\n" +
	"3. **Possible rosacea**: central facial redness."

const dermTreatment = "1. Pharmacological steps: topical antifungal.\n" +
	"2. Non-pharmacological steps: gentle cleanser.\n" +
	"3. Warnings and escalation criteria: spreading rash or fever."
