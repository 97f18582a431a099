package consultation

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"medintel/internal/retrieval"
)

func newTestPipeline(gen TextGenerator, aug Augmenter, alerter Alerter) (*Pipeline, *Memory) {
	mem := NewMemory(5)
	return NewPipeline(zap.NewNop(), mem, NewRegistry(), aug, gen, alerter, 2), mem
}

func TestConsult_DermatologyScenario(t *testing.T) {
	gen := &fakeGenerator{assessment: dermAssessment, treatment: dermTreatment}
	aug := &fakeAugmenter{}
	p, mem := newTestPipeline(gen, aug, nil)

	res, err := p.Consult(context.Background(), 42, "dermatoloji", "red itchy rash on face", "Patient age: 25 years.")
	require.NoError(t, err)

	assert.Equal(t, Dermatology, res.Specialty)
	assert.Equal(t, dermAssessment, res.Assessment)
	assert.Equal(t, dermTreatment, res.Treatment)
	assert.False(t, res.Augmented)
	assert.Empty(t, aug.queries, "dermatology never calls retrieval")

	numbered := regexp.MustCompile(`(?m)^\d+\.`).FindAllString(res.Assessment, -1)
	assert.LessOrEqual(t, len(numbered), MaxCandidates)
	assert.LessOrEqual(t, len(strings.Fields(res.Assessment)), AssessmentWordLimit)
	assert.NotContains(t, strings.ToLower(res.Assessment), "the diagnosis is")

	reqs := gen.assessmentRequests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].System, "at most 3 possible assessments")
	assert.NotEmpty(t, reqs[0].Examples)
	assert.Empty(t, reqs[0].History)
	assert.Equal(t, "red itchy rash on face", reqs[0].UserText)

	assert.Len(t, mem.Get(42), 2)
}

func TestConsult_FollowUpSeesPriorExchange(t *testing.T) {
	gen := &fakeGenerator{assessment: dermAssessment, treatment: dermTreatment}
	p, mem := newTestPipeline(gen, nil, nil)
	ctx := context.Background()

	_, err := p.Consult(ctx, 42, "dermatoloji", "red itchy rash on face", "")
	require.NoError(t, err)
	_, err = p.Consult(ctx, 42, "dermatoloji", "it's worse now", "")
	require.NoError(t, err)

	reqs := gen.assessmentRequests()
	require.Len(t, reqs, 2)
	history := reqs[1].History
	require.Len(t, history, 2)
	assert.Equal(t, "red itchy rash on face", history[0].Content)
	assert.Equal(t, dermAssessment, history[1].Content)
	assert.Len(t, mem.Get(42), 4)
}

func TestConsult_AssessmentFailureLeavesMemoryUntouched(t *testing.T) {
	gen := &fakeGenerator{assessmentErr: errors.New("quota exceeded")}
	p, mem := newTestPipeline(gen, nil, nil)

	res, err := p.Consult(context.Background(), 42, "dermatoloji", "rash", "")
	assert.Nil(t, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerationFailed)
	var ge *GenerationError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, StageAssessment, ge.Stage)

	assert.Empty(t, mem.Get(42))
	assert.Empty(t, gen.treatmentRequests(), "no treatment drafting after an assessment failure")
}

func TestConsult_EmptyAssessmentIsAFailure(t *testing.T) {
	gen := &fakeGenerator{assessment: "   "}
	p, mem := newTestPipeline(gen, nil, nil)

	_, err := p.Consult(context.Background(), 1, "noroloji", "headache", "")
	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.Empty(t, mem.Get(1))
}

func TestConsult_RejectsEmptyQuestion(t *testing.T) {
	p, _ := newTestPipeline(&fakeGenerator{}, nil, nil)
	_, err := p.Consult(context.Background(), 1, "noroloji", "  ", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestConsult_TreatmentFailureDegradesToPlaceholder(t *testing.T) {
	gen := &fakeGenerator{
		assessment:    dermAssessment,
		treatmentErrs: []error{errors.New("timeout"), errors.New("timeout")},
	}
	alerter := &fakeAlerter{}
	p, mem := newTestPipeline(gen, nil, alerter)

	res, err := p.Consult(context.Background(), 42, "dermatoloji", "rash", "")
	require.NoError(t, err)
	assert.Equal(t, dermAssessment, res.Assessment)
	assert.Equal(t, TreatmentPlaceholder, res.Treatment)
	assert.True(t, res.TreatmentDegraded)
	assert.Len(t, gen.treatmentRequests(), 2)
	assert.Equal(t, 1, alerter.alerts)
	assert.Len(t, mem.Get(42), 2, "assessment is still remembered")
}

func TestConsult_TreatmentRetrySucceeds(t *testing.T) {
	gen := &fakeGenerator{
		assessment:    dermAssessment,
		treatment:     dermTreatment,
		treatmentErrs: []error{errors.New("502")},
	}
	alerter := &fakeAlerter{}
	p, _ := newTestPipeline(gen, nil, alerter)

	res, err := p.Consult(context.Background(), 42, "dermatoloji", "rash", "")
	require.NoError(t, err)
	assert.Equal(t, dermTreatment, res.Treatment)
	assert.False(t, res.TreatmentDegraded)
	assert.Zero(t, alerter.alerts)
}

func TestConsult_TreatmentPromptIsConditionedOnAssessment(t *testing.T) {
	gen := &fakeGenerator{assessment: dermAssessment, treatment: dermTreatment}
	p, _ := newTestPipeline(gen, nil, nil)

	_, err := p.Consult(context.Background(), 42, "dermatoloji", "rash", "Patient age: 25 years.")
	require.NoError(t, err)

	reqs := gen.treatmentRequests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].System, "Pharmacological steps")
	assert.Contains(t, reqs[0].System, "Non-pharmacological steps")
	assert.Contains(t, reqs[0].System, "Warnings and escalation criteria")
	assert.Contains(t, reqs[0].System, "under 200 words")
	assert.Contains(t, reqs[0].UserText, dermAssessment)
	assert.Contains(t, reqs[0].UserText, "Dermatology")
	assert.Contains(t, reqs[0].UserText, "Patient age: 25 years.")
	assert.Empty(t, reqs[0].History)
}

func TestConsult_PsychologyIsAugmentedButMemoryIsNot(t *testing.T) {
	gen := &fakeGenerator{assessment: "1. Possible adjustment disorder.", treatment: "plan"}
	aug := &fakeAugmenter{ctx: retrieval.Context{Passages: []retrieval.Passage{
		{ID: "g1", Text: "CBT is recommended as first-line treatment.", Score: 0.82},
	}}}
	p, mem := newTestPipeline(gen, aug, nil)

	res, err := p.Consult(context.Background(), 9, "psikoloji", "low mood after job loss", "")
	require.NoError(t, err)
	assert.True(t, res.Augmented)
	assert.Equal(t, 1, res.RetrievedCount)
	assert.Equal(t, []string{"low mood after job loss"}, aug.queries)

	req := gen.assessmentRequests()[0]
	assert.True(t, strings.HasPrefix(req.UserText, "Reference material (similarity 0.82): CBT"))
	assert.True(t, strings.HasSuffix(req.UserText, "Clinical question: low mood after job loss"))

	turns := mem.Get(9)
	require.Len(t, turns, 2)
	assert.Equal(t, "low mood after job loss", turns[0].Content)
}

func TestConsult_EmptyRetrievalLeavesQueryUnchanged(t *testing.T) {
	gen := &fakeGenerator{assessment: "1. Possible anxiety.", treatment: "plan"}
	p, _ := newTestPipeline(gen, &fakeAugmenter{}, nil)

	res, err := p.Consult(context.Background(), 9, "Psychology", "racing thoughts", "")
	require.NoError(t, err)
	assert.False(t, res.Augmented)
	assert.Equal(t, "racing thoughts", gen.assessmentRequests()[0].UserText)
}
