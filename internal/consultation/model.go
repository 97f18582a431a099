package consultation

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Example is a worked (query, response) pair shown to the model before the
// live question.
type Example struct {
	Query    string `json:"query"`
	Response string `json:"response"`
}

// Subject is a patient owned by exactly one clinician.
type Subject struct {
	ID             int64      `json:"id"`
	ClinicianID    int64      `json:"clinician_id"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	BirthDate      *time.Time `json:"birth_date,omitempty"`
	Email          string     `json:"email"`
	LastQuestion   string     `json:"last_question,omitempty"`
	LastAssessment string     `json:"last_assessment,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (s Subject) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// ProfileSummary is the de-identified profile line given to the treatment
// drafting step.
func (s Subject) ProfileSummary(now time.Time) string {
	if s.BirthDate == nil || s.BirthDate.IsZero() {
		return "Patient age unknown."
	}
	b := *s.BirthDate
	age := now.Year() - b.Year()
	if now.Month() < b.Month() || (now.Month() == b.Month() && now.Day() < b.Day()) {
		age--
	}
	if age < 0 {
		return "Patient age unknown."
	}
	return fmt.Sprintf("Patient age: %d years.", age)
}

type ConsultationRecord struct {
	ID         int64     `json:"id"`
	SubjectID  int64     `json:"patient_id"`
	AuthorID   int64     `json:"clinician_id"`
	Specialty  Specialty `json:"specialty"`
	Question   string    `json:"question"`
	Assessment string    `json:"assessment"`
	CreatedAt  time.Time `json:"created_at"`
}

type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
)

func (s ApprovalStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

type TreatmentPlan struct {
	ID         int64          `json:"id"`
	SubjectID  int64          `json:"patient_id"`
	AuthorID   int64          `json:"clinician_id"`
	Specialty  Specialty      `json:"specialty"`
	Assessment string         `json:"assessment"`
	Treatment  string         `json:"treatment"`
	Status     ApprovalStatus `json:"status"`
	EmailSent  bool           `json:"email_sent"`
	CreatedAt  time.Time      `json:"created_at"`
	ApprovedAt *time.Time     `json:"approved_at,omitempty"`
	DecidedAt  *time.Time     `json:"decided_at,omitempty"`
}

// Draft is everything the recorder persists for one consultation.
type Draft struct {
	SubjectID  int64
	AuthorID   int64
	Specialty  Specialty
	Question   string
	Assessment string
	Treatment  string
}

// Handles identify the rows written by one Record call.
type Handles struct {
	ConsultationID int64     `json:"consultation_id"`
	PlanID         int64     `json:"plan_id"`
	RecordedAt     time.Time `json:"recorded_at"`
}
