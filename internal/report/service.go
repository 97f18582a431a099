package report

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"go.uber.org/zap"

	"medintel/internal/consultation"
	"medintel/internal/platform/sendgrid"
)

type Mailer interface {
	Send(ctx context.Context, msg sendgrid.Message) error
}

type AlertSender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Service delivers approved plans to patients and raises operator alerts.
type Service struct {
	log            *zap.Logger
	mailer         Mailer
	alerts         AlertSender
	operatorChatID int64
	registry       *consultation.Registry
	fontPaths      []string
	now            func() time.Time
}

// NewService wires delivery. alerts may be nil, in which case operator
// alerts are only logged.
func NewService(log *zap.Logger, mailer Mailer, alerts AlertSender, operatorChatID int64) *Service {
	return &Service{
		log:            log.With(zap.String("component", "ReportService")),
		mailer:         mailer,
		alerts:         alerts,
		operatorChatID: operatorChatID,
		registry:       consultation.NewRegistry(),
		fontPaths:      defaultFontPaths,
		now:            time.Now,
	}
}

var planEmail = template.Must(template.New("plan").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #222;">
<h2>Your treatment plan</h2>
<p>Dear {{.Name}},</p>
<p>Your clinician has reviewed and approved the following {{.Specialty}} treatment plan on {{.Date}}.</p>
<h3>Assessment</h3>
{{range .Assessment}}<p>{{.}}</p>
{{end}}<h3>Treatment plan</h3>
{{range .Treatment}}<p>{{.}}</p>
{{end}}<p style="font-size: 12px; color: #666;">Contact your clinician if your symptoms worsen or you have questions about this plan. In an emergency call your local emergency number.</p>
</body>
</html>
`))

type planView struct {
	Name       string
	Specialty  string
	Date       string
	Assessment []string
	Treatment  []string
}

func paragraphs(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func (s *Service) view(d consultation.PlanDelivery) planView {
	return planView{
		Name:       d.Subject.FullName(),
		Specialty:  s.registry.Resolve(string(d.Plan.Specialty)).DisplayName,
		Date:       s.now().Format("02.01.2006"),
		Assessment: paragraphs(d.Plan.Assessment),
		Treatment:  paragraphs(d.Plan.Treatment),
	}
}

func renderHTML(v planView) (string, error) {
	var buf bytes.Buffer
	if err := planEmail.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("render plan email: %w", err)
	}
	return buf.String(), nil
}

func renderText(v planView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dear %s,\n\nYour clinician approved the following %s treatment plan on %s.\n\n", v.Name, v.Specialty, v.Date)
	b.WriteString("Assessment:\n")
	b.WriteString(strings.Join(v.Assessment, "\n"))
	b.WriteString("\n\nTreatment plan:\n")
	b.WriteString(strings.Join(v.Treatment, "\n"))
	b.WriteString("\n")
	return b.String()
}

// NotifyPatient emails an approved plan. The PDF copy is best effort: if it
// cannot be rendered the email goes out without it.
func (s *Service) NotifyPatient(ctx context.Context, d consultation.PlanDelivery) error {
	if strings.TrimSpace(d.Subject.Email) == "" {
		return fmt.Errorf("patient %d has no email address", d.Subject.ID)
	}

	v := s.view(d)
	html, err := renderHTML(v)
	if err != nil {
		return err
	}

	msg := sendgrid.Message{
		To:         []sendgrid.EmailAddress{{Email: d.Subject.Email, Name: v.Name}},
		Subject:    "Your treatment plan",
		Text:       renderText(v),
		HTML:       html,
		Categories: []string{"treatment-plan"},
	}

	pdf, err := s.renderPDF(v)
	if err != nil {
		s.log.Warn("plan pdf skipped", zap.Int64("plan_id", d.Plan.ID), zap.Error(err))
	} else {
		msg.Attachments = []sendgrid.Attachment{{
			Filename: fmt.Sprintf("treatment_plan_%d.pdf", d.Plan.ID),
			MIMEType: "application/pdf",
			Content:  pdf,
		}}
	}

	if err := s.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("send plan %d: %w", d.Plan.ID, err)
	}
	s.log.Info("treatment plan emailed",
		zap.Int64("plan_id", d.Plan.ID),
		zap.Bool("pdf_attached", len(msg.Attachments) > 0),
	)
	return nil
}

// TreatmentDraftFailed tells the operator chat that a patient got the
// placeholder plan.
func (s *Service) TreatmentDraftFailed(ctx context.Context, subjectID int64, specialty consultation.Specialty, cause error) {
	s.log.Warn("treatment draft placeholder used",
		zap.Int64("subject_id", subjectID),
		zap.String("specialty", string(specialty)),
		zap.Error(cause),
	)
	if s.alerts == nil || s.operatorChatID == 0 {
		return
	}
	text := fmt.Sprintf("Treatment plan drafting failed for patient %d (%s). A placeholder plan is pending review. Cause: %v",
		subjectID, specialty, cause)
	if err := s.alerts.SendMessage(ctx, s.operatorChatID, text); err != nil {
		s.log.Error("operator alert failed", zap.Error(err))
	}
}
