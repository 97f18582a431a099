package consultation

import (
	"fmt"
	"strings"
)

type Specialty string

const (
	Neurology   Specialty = "noroloji"
	Dermatology Specialty = "dermatoloji"
	Psychology  Specialty = "psikoloji"
	General     Specialty = "genel"
)

const (
	AssessmentWordLimit = 250
	TreatmentWordLimit  = 200
	MaxCandidates       = 3
)

// Template is the static generation contract for one specialty.
type Template struct {
	Specialty    Specialty
	DisplayName  string
	Instructions string
	Examples     []Example
	// UseRetrieval asks the pipeline to ground the question in the
	// reference knowledge base before generation.
	UseRetrieval bool
}

func (t Template) clone() Template {
	t.Examples = append([]Example(nil), t.Examples...)
	return t
}

// Registry resolves specialty tags to templates. It is populated at
// construction and read-only afterwards.
type Registry struct {
	templates map[Specialty]Template
	aliases   map[string]Specialty
	fallback  Template
}

func NewRegistry() *Registry {
	r := &Registry{
		templates: make(map[Specialty]Template),
		aliases:   make(map[string]Specialty),
		fallback: Template{
			Specialty:    General,
			DisplayName:  "General medicine",
			Instructions: assessmentInstructions("a physician", "Consider common and serious causes across organ systems."),
		},
	}
	r.templates[General] = r.fallback
	r.Register(Template{
		Specialty:    Neurology,
		DisplayName:  "Neurology",
		Instructions: assessmentInstructions("a neurologist", "Pay particular attention to red flags for stroke, raised intracranial pressure and meningitis."),
		Examples: []Example{{
			Query: "55-year-old man, severe headache for 3 days with nausea and sensitivity to light.",
			Response: "**Possible assessments:**\n" +
				"1. **Possible migraine attack**: Severe headache with nausea and photophobia is a typical migraine pattern. A triptan and rest in a dark room may be considered.\n" +
				"2. **Possible sinusitis**: The headache may be sinus related. Decongestants, and antibiotics if bacterial features are present, could be evaluated.\n" +
				"3. **Possible raised intracranial pressure**: URGENT - an emergency CT should be obtained, as severe headache with nausea can indicate serious pathology.",
		}},
	}, "neurology", "neuro")
	r.Register(Template{
		Specialty:    Dermatology,
		DisplayName:  "Dermatology",
		Instructions: assessmentInstructions("a dermatologist", "Always draw attention to features suggestive of skin cancer."),
		Examples: []Example{{
			Query: "25-year-old woman, red rash on the face with itching and burning.",
			Response: "**Possible assessments:**\n" +
				"1. **Possible seborrhoeic dermatitis**: Facial redness with itching is typical. An antifungal cream and moisturiser may be suggested.\n" +
				"2. **Possible contact dermatitis**: Ask about new cosmetic products. A topical steroid and allergen identification could be needed.\n" +
				"3. **Possible rosacea**: Persistent central facial redness. Metronidazole gel and sun protection are likely to help.",
		}},
	}, "dermatology", "derm")
	r.Register(Template{
		Specialty:   Psychology,
		DisplayName: "Psychological health",
		Instructions: assessmentInstructions("a clinical psychologist", "Always screen for risk of self-harm or harm to others and treat any such risk as urgent.") +
			"\n- When reference material is provided, prefer it over general knowledge and do not invent citations",
		Examples: []Example{{
			Query: "34-year-old woman, low mood, poor sleep and loss of interest for six weeks after a job loss.",
			Response: "**Possible assessments:**\n" +
				"1. **Possible major depressive episode**: Low mood and anhedonia lasting over two weeks fit this picture. A structured assessment such as PHQ-9 and evidence-based psychotherapy may be considered.\n" +
				"2. **Possible adjustment disorder**: Symptoms follow a clear stressor. Supportive counselling and problem-solving therapy could help.\n" +
				"3. **Possible generalised anxiety**: Sleep disturbance may reflect worry. URGENT if any suicidal ideation is reported - assess risk the same day.",
		}},
		UseRetrieval: true,
	}, "psychology", "psych", "mental-health")
	return r
}

// Register adds or replaces a template. It is not safe to call once the
// registry is shared between goroutines.
func (r *Registry) Register(t Template, aliases ...string) {
	r.templates[t.Specialty] = t.clone()
	r.aliases[normalizeTag(string(t.Specialty))] = t.Specialty
	for _, a := range aliases {
		r.aliases[normalizeTag(a)] = t.Specialty
	}
}

// Resolve maps a tag case-insensitively to its template. Unknown tags get the
// generic fallback.
func (r *Registry) Resolve(tag string) Template {
	if s, ok := r.aliases[normalizeTag(tag)]; ok {
		if t, ok := r.templates[s]; ok {
			return t.clone()
		}
	}
	return r.fallback.clone()
}

// Specialties lists the canonical tags that have a dedicated template.
func (r *Registry) Specialties() []Specialty {
	out := make([]Specialty, 0, len(r.templates))
	for s := range r.templates {
		out = append(out, s)
	}
	return out
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

func assessmentInstructions(role, focus string) string {
	return fmt.Sprintf(`You are %s supporting a licensed clinician. Assess the case and offer evidence-based differential suggestions.

RULES:
- Give a numbered list of at most %d possible assessments
- For each: assessment name + 2 sentences of reasoning + a management suggestion
- Stay under %d words in total
- Never state a definitive diagnosis; use hedged wording such as "possible" or "likely"
- Flag any emergent or urgent presentation explicitly with the word URGENT
- %s`, role, MaxCandidates, AssessmentWordLimit, focus)
}
