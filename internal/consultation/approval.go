package consultation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// PlanDelivery is what the notifier needs to email an approved plan.
type PlanDelivery struct {
	Plan    TreatmentPlan
	Subject Subject
}

type PlanNotifier interface {
	NotifyPatient(ctx context.Context, d PlanDelivery) error
}

// Approvals moves treatment plans out of pending. The plan row stays locked
// for the whole decision; an approval is stored only after the patient
// email has been accepted.
type Approvals struct {
	db       *sql.DB
	notifier PlanNotifier
	log      *zap.Logger
	now      func() time.Time
}

func NewApprovals(db *sql.DB, notifier PlanNotifier, log *zap.Logger) *Approvals {
	return &Approvals{
		db:       db,
		notifier: notifier,
		log:      log.With(zap.String("component", "TreatmentApprovalWorkflow")),
		now:      time.Now,
	}
}

const lockPlanQuery = `
	SELECT tp.id, tp.patient_id, tp.clinician_id, tp.specialty, tp.assessment, tp.treatment, tp.status,
		tp.email_sent, tp.created_at, tp.approved_at, tp.decided_at,
		p.first_name, p.last_name, p.email, p.birth_date
	FROM treatment_plans tp
	JOIN patients p ON p.id = tp.patient_id
	WHERE tp.id = $1
	FOR UPDATE OF tp
`

func (a *Approvals) lockPlan(ctx context.Context, tx *sql.Tx, planID, requestedBy int64) (*TreatmentPlan, *Subject, error) {
	var (
		p                     TreatmentPlan
		s                     Subject
		specialty, status     string
		approvedAt, decidedAt sql.NullTime
		birth                 sql.NullTime
	)
	err := tx.QueryRowContext(ctx, lockPlanQuery, planID).Scan(
		&p.ID, &p.SubjectID, &p.AuthorID, &specialty, &p.Assessment, &p.Treatment, &status,
		&p.EmailSent, &p.CreatedAt, &approvedAt, &decidedAt,
		&s.FirstName, &s.LastName, &s.Email, &birth,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrPlanNotFound
		}
		return nil, nil, fmt.Errorf("lock treatment plan %d: %w", planID, err)
	}
	p.Specialty = Specialty(specialty)
	p.Status = ApprovalStatus(status)
	p.ApprovedAt = nullTimePtr(approvedAt)
	p.DecidedAt = nullTimePtr(decidedAt)
	s.ID = p.SubjectID
	s.ClinicianID = p.AuthorID
	s.BirthDate = nullTimePtr(birth)

	if p.AuthorID != requestedBy {
		return nil, nil, ErrNotAuthorized
	}
	if p.Status != StatusPending {
		return nil, nil, fmt.Errorf("plan %d is %s: %w", planID, p.Status, ErrApprovalConflict)
	}
	return &p, &s, nil
}

func (a *Approvals) Approve(ctx context.Context, planID, requestedBy int64) (*TreatmentPlan, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin approval: %w", err)
	}
	defer tx.Rollback()

	plan, subject, err := a.lockPlan(ctx, tx, planID, requestedBy)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(plan.Treatment) == TreatmentPlaceholder {
		return nil, fmt.Errorf("plan %d has no drafted treatment, reject it and consult again: %w", planID, ErrApprovalConflict)
	}

	if err := a.notifier.NotifyPatient(ctx, PlanDelivery{Plan: *plan, Subject: *subject}); err != nil {
		a.log.Warn("treatment plan email failed, plan stays pending",
			zap.Int64("plan_id", planID), zap.Error(err))
		return nil, &DeliveryError{PlanID: planID, Err: err}
	}

	now := a.now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE treatment_plans
		SET status = $1, email_sent = TRUE, approved_at = $2, decided_at = $2
		WHERE id = $3
	`, string(StatusApproved), now, planID)
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		// The email is already out; the plan will show pending until retried.
		a.log.Error("treatment plan emailed but approval not stored",
			zap.Int64("plan_id", planID), zap.Error(err))
		return nil, &PersistenceError{Op: "approve plan", Err: err}
	}

	plan.Status = StatusApproved
	plan.EmailSent = true
	plan.ApprovedAt = &now
	plan.DecidedAt = &now
	a.log.Info("treatment plan approved", zap.Int64("plan_id", planID), zap.Int64("clinician_id", requestedBy))
	return plan, nil
}

func (a *Approvals) Reject(ctx context.Context, planID, requestedBy int64) (*TreatmentPlan, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rejection: %w", err)
	}
	defer tx.Rollback()

	plan, _, err := a.lockPlan(ctx, tx, planID, requestedBy)
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE treatment_plans SET status = $1, decided_at = $2 WHERE id = $3
	`, string(StatusRejected), now, planID); err != nil {
		return nil, &PersistenceError{Op: "reject plan", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &PersistenceError{Op: "reject plan", Err: err}
	}

	plan.Status = StatusRejected
	plan.DecidedAt = &now
	a.log.Info("treatment plan rejected", zap.Int64("plan_id", planID), zap.Int64("clinician_id", requestedBy))
	return plan, nil
}
