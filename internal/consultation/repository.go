package consultation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Repository interface {
	CreateSubject(ctx context.Context, s *Subject) error
	GetSubject(ctx context.Context, subjectID, clinicianID int64) (*Subject, error)
	ListSubjects(ctx context.Context, clinicianID int64) ([]Subject, error)
	DeleteSubject(ctx context.Context, subjectID, clinicianID int64) error

	// Record stores one consultation atomically: the patient's latest
	// fields, a history row and a pending treatment plan.
	Record(ctx context.Context, d Draft) (*Handles, error)

	History(ctx context.Context, subjectID, clinicianID int64, limit int) ([]ConsultationRecord, error)
	PlansForSubject(ctx context.Context, subjectID, clinicianID int64) ([]TreatmentPlan, error)
	PendingPlans(ctx context.Context, clinicianID int64) ([]TreatmentPlan, error)
}

type postgresRepo struct {
	db  *sql.DB
	log *zap.Logger
}

func NewRepository(db *sql.DB, log *zap.Logger) Repository {
	return &postgresRepo{db: db, log: log.With(zap.String("repo", "ConsultationRepository"))}
}

func (r *postgresRepo) CreateSubject(ctx context.Context, s *Subject) error {
	query := `
		INSERT INTO patients (clinician_id, first_name, last_name, birth_date, email)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query, s.ClinicianID, s.FirstName, s.LastName, s.BirthDate, s.Email).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

const subjectColumns = `id, clinician_id, first_name, last_name, birth_date, email,
		COALESCE(last_question, ''), COALESCE(last_assessment, ''), created_at, updated_at`

func scanSubject(row interface{ Scan(...any) error }) (*Subject, error) {
	var s Subject
	var birth sql.NullTime
	if err := row.Scan(&s.ID, &s.ClinicianID, &s.FirstName, &s.LastName, &birth, &s.Email,
		&s.LastQuestion, &s.LastAssessment, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if birth.Valid {
		b := birth.Time
		s.BirthDate = &b
	}
	return &s, nil
}

func (r *postgresRepo) GetSubject(ctx context.Context, subjectID, clinicianID int64) (*Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM patients WHERE id = $1 AND clinician_id = $2`
	s, err := scanSubject(r.db.QueryRowContext(ctx, query, subjectID, clinicianID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubjectNotFound
		}
		return nil, fmt.Errorf("load patient %d: %w", subjectID, err)
	}
	return s, nil
}

func (r *postgresRepo) ListSubjects(ctx context.Context, clinicianID int64) ([]Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM patients WHERE clinician_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, clinicianID)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	out := []Subject{}
	for rows.Next() {
		s, err := scanSubject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *postgresRepo) DeleteSubject(ctx context.Context, subjectID, clinicianID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM patients WHERE id = $1 AND clinician_id = $2`, subjectID, clinicianID)
	if err != nil {
		return fmt.Errorf("delete patient %d: %w", subjectID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSubjectNotFound
	}
	return nil
}

func (r *postgresRepo) Record(ctx context.Context, d Draft) (*Handles, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE patients
		SET last_question = $1, last_assessment = $2, updated_at = NOW()
		WHERE id = $3 AND clinician_id = $4
	`, d.Question, d.Assessment, d.SubjectID, d.AuthorID)
	if err != nil {
		return nil, &PersistenceError{Op: "update patient", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, &PersistenceError{Op: "update patient", Err: err}
	}
	if n == 0 {
		return nil, &PersistenceError{Op: "update patient", Err: ErrSubjectNotFound}
	}

	var h Handles
	err = tx.QueryRowContext(ctx, `
		INSERT INTO consultation_history (patient_id, clinician_id, specialty, question, assessment)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, d.SubjectID, d.AuthorID, string(d.Specialty), d.Question, d.Assessment).Scan(&h.ConsultationID, &h.RecordedAt)
	if err != nil {
		return nil, &PersistenceError{Op: "insert consultation", Err: err}
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO treatment_plans (patient_id, clinician_id, specialty, assessment, treatment, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, d.SubjectID, d.AuthorID, string(d.Specialty), d.Assessment, d.Treatment, string(StatusPending)).Scan(&h.PlanID)
	if err != nil {
		return nil, &PersistenceError{Op: "insert treatment plan", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &PersistenceError{Op: "commit", Err: err}
	}
	return &h, nil
}

func (r *postgresRepo) History(ctx context.Context, subjectID, clinicianID int64, limit int) ([]ConsultationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, patient_id, clinician_id, specialty, question, assessment, created_at
		FROM consultation_history
		WHERE patient_id = $1 AND clinician_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, subjectID, clinicianID, limit)
	if err != nil {
		return nil, fmt.Errorf("consultation history: %w", err)
	}
	defer rows.Close()

	out := []ConsultationRecord{}
	for rows.Next() {
		var c ConsultationRecord
		var specialty string
		if err := rows.Scan(&c.ID, &c.SubjectID, &c.AuthorID, &specialty, &c.Question, &c.Assessment, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Specialty = Specialty(specialty)
		out = append(out, c)
	}
	return out, rows.Err()
}

const planColumns = `id, patient_id, clinician_id, specialty, assessment, treatment, status,
		email_sent, created_at, approved_at, decided_at`

func scanPlan(row interface{ Scan(...any) error }) (*TreatmentPlan, error) {
	var p TreatmentPlan
	var specialty, status string
	var approvedAt, decidedAt sql.NullTime
	if err := row.Scan(&p.ID, &p.SubjectID, &p.AuthorID, &specialty, &p.Assessment, &p.Treatment, &status,
		&p.EmailSent, &p.CreatedAt, &approvedAt, &decidedAt); err != nil {
		return nil, err
	}
	p.Specialty = Specialty(specialty)
	p.Status = ApprovalStatus(status)
	p.ApprovedAt = nullTimePtr(approvedAt)
	p.DecidedAt = nullTimePtr(decidedAt)
	return &p, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (r *postgresRepo) queryPlans(ctx context.Context, query string, args ...any) ([]TreatmentPlan, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("treatment plans: %w", err)
	}
	defer rows.Close()

	out := []TreatmentPlan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *postgresRepo) PlansForSubject(ctx context.Context, subjectID, clinicianID int64) ([]TreatmentPlan, error) {
	return r.queryPlans(ctx, `SELECT `+planColumns+` FROM treatment_plans
		WHERE patient_id = $1 AND clinician_id = $2
		ORDER BY created_at DESC`, subjectID, clinicianID)
}

func (r *postgresRepo) PendingPlans(ctx context.Context, clinicianID int64) ([]TreatmentPlan, error) {
	return r.queryPlans(ctx, `SELECT `+planColumns+` FROM treatment_plans
		WHERE clinician_id = $1 AND status = $2
		ORDER BY created_at DESC`, clinicianID, string(StatusPending))
}
