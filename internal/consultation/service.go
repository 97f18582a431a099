package consultation

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"
)

// PlanDecider is satisfied by *Approvals.
type PlanDecider interface {
	Approve(ctx context.Context, planID, requestedBy int64) (*TreatmentPlan, error)
	Reject(ctx context.Context, planID, requestedBy int64) (*TreatmentPlan, error)
}

type ConsultRequest struct {
	AuthorID  int64  `json:"-"`
	SubjectID int64  `json:"-"`
	Specialty string `json:"specialty"`
	Question  string `json:"question"`
}

// Outcome carries the generated texts even when Saved is false.
type Outcome struct {
	*Result
	Handles *Handles `json:"handles,omitempty"`
	Saved   bool     `json:"saved"`
}

type Service interface {
	Consult(ctx context.Context, req ConsultRequest) (*Outcome, error)
	Approve(ctx context.Context, planID, authorID int64) (*TreatmentPlan, error)
	Reject(ctx context.Context, planID, authorID int64) (*TreatmentPlan, error)
	ClearMemory(ctx context.Context, subjectID, authorID int64) error

	History(ctx context.Context, subjectID, authorID int64, limit int) ([]ConsultationRecord, error)
	PendingPlans(ctx context.Context, authorID int64) ([]TreatmentPlan, error)
	PlansForSubject(ctx context.Context, subjectID, authorID int64) ([]TreatmentPlan, error)

	CreateSubject(ctx context.Context, s *Subject) error
	ListSubjects(ctx context.Context, authorID int64) ([]Subject, error)
	GetSubject(ctx context.Context, subjectID, authorID int64) (*Subject, error)
	DeleteSubject(ctx context.Context, subjectID, authorID int64) error
}

type service struct {
	repo     Repository
	pipeline *Pipeline
	memory   *Memory
	plans    PlanDecider
	log      *zap.Logger
	now      func() time.Time
}

func NewService(repo Repository, pipeline *Pipeline, memory *Memory, plans PlanDecider, log *zap.Logger) Service {
	return &service{
		repo:     repo,
		pipeline: pipeline,
		memory:   memory,
		plans:    plans,
		log:      log.With(zap.String("component", "ConsultationService")),
		now:      time.Now,
	}
}

func (s *service) Consult(ctx context.Context, req ConsultRequest) (*Outcome, error) {
	subject, err := s.repo.GetSubject(ctx, req.SubjectID, req.AuthorID)
	if err != nil {
		return nil, err
	}

	res, err := s.pipeline.Consult(ctx, subject.ID, req.Specialty, req.Question, subject.ProfileSummary(s.now()))
	if err != nil {
		return nil, err
	}

	handles, err := s.repo.Record(ctx, Draft{
		SubjectID:  subject.ID,
		AuthorID:   req.AuthorID,
		Specialty:  res.Specialty,
		Question:   strings.TrimSpace(req.Question),
		Assessment: res.Assessment,
		Treatment:  res.Treatment,
	})
	if err != nil {
		s.log.Error("consultation generated but not saved",
			zap.Int64("subject_id", subject.ID),
			zap.Int64("clinician_id", req.AuthorID),
			zap.Error(err),
		)
		return &Outcome{Result: res, Saved: false}, err
	}

	s.log.Info("consultation recorded",
		zap.Int64("subject_id", subject.ID),
		zap.Int64("plan_id", handles.PlanID),
		zap.String("specialty", string(res.Specialty)),
		zap.Bool("augmented", res.Augmented),
		zap.Bool("treatment_degraded", res.TreatmentDegraded),
	)
	return &Outcome{Result: res, Handles: handles, Saved: true}, nil
}

func (s *service) Approve(ctx context.Context, planID, authorID int64) (*TreatmentPlan, error) {
	return s.plans.Approve(ctx, planID, authorID)
}

func (s *service) Reject(ctx context.Context, planID, authorID int64) (*TreatmentPlan, error) {
	return s.plans.Reject(ctx, planID, authorID)
}

func (s *service) ClearMemory(ctx context.Context, subjectID, authorID int64) error {
	if _, err := s.repo.GetSubject(ctx, subjectID, authorID); err != nil {
		return err
	}
	s.memory.Clear(subjectID)
	return nil
}

func (s *service) History(ctx context.Context, subjectID, authorID int64, limit int) ([]ConsultationRecord, error) {
	return s.repo.History(ctx, subjectID, authorID, limit)
}

func (s *service) PendingPlans(ctx context.Context, authorID int64) ([]TreatmentPlan, error) {
	return s.repo.PendingPlans(ctx, authorID)
}

func (s *service) PlansForSubject(ctx context.Context, subjectID, authorID int64) ([]TreatmentPlan, error) {
	return s.repo.PlansForSubject(ctx, subjectID, authorID)
}

func (s *service) CreateSubject(ctx context.Context, subj *Subject) error {
	subj.FirstName = strings.TrimSpace(subj.FirstName)
	subj.LastName = strings.TrimSpace(subj.LastName)
	subj.Email = strings.TrimSpace(subj.Email)
	if subj.FirstName == "" || subj.LastName == "" {
		return fmt.Errorf("%w: first and last name are required", ErrInvalidRequest)
	}
	if _, err := mail.ParseAddress(subj.Email); err != nil {
		return fmt.Errorf("%w: invalid email %q", ErrInvalidRequest, subj.Email)
	}
	if subj.BirthDate != nil && subj.BirthDate.After(s.now()) {
		return fmt.Errorf("%w: birth date is in the future", ErrInvalidRequest)
	}
	return s.repo.CreateSubject(ctx, subj)
}

func (s *service) ListSubjects(ctx context.Context, authorID int64) ([]Subject, error) {
	return s.repo.ListSubjects(ctx, authorID)
}

func (s *service) GetSubject(ctx context.Context, subjectID, authorID int64) (*Subject, error) {
	return s.repo.GetSubject(ctx, subjectID, authorID)
}

func (s *service) DeleteSubject(ctx context.Context, subjectID, authorID int64) error {
	if err := s.repo.DeleteSubject(ctx, subjectID, authorID); err != nil {
		if !errors.Is(err, ErrSubjectNotFound) {
			s.log.Error("delete patient failed", zap.Int64("subject_id", subjectID), zap.Error(err))
		}
		return err
	}
	s.memory.Clear(subjectID)
	return nil
}
