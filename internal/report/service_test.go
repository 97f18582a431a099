package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"medintel/internal/consultation"
	"medintel/internal/platform/sendgrid"
)

type fakeMailer struct {
	sent []sendgrid.Message
	err  error
}

func (f *fakeMailer) Send(_ context.Context, msg sendgrid.Message) error {
	f.sent = append(f.sent, msg)
	return f.err
}

type fakeAlerts struct {
	chatIDs []int64
	texts   []string
}

func (f *fakeAlerts) SendMessage(_ context.Context, chatID int64, text string) error {
	f.chatIDs = append(f.chatIDs, chatID)
	f.texts = append(f.texts, text)
	return nil
}

func newTestService(m Mailer, a AlertSender, chatID int64) *Service {
	s := NewService(zap.NewNop(), m, a, chatID)
	s.fontPaths = []string{"/nonexistent/font.ttf"}
	s.now = func() time.Time { return time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC) }
	return s
}

func delivery() consultation.PlanDelivery {
	return consultation.PlanDelivery{
		Plan: consultation.TreatmentPlan{
			ID:         7,
			Specialty:  consultation.Dermatology,
			Assessment: "1. Possible contact dermatitis\n2. Possible <eczema>",
			Treatment:  "1. Pharmacological steps: emollient",
		},
		Subject: consultation.Subject{ID: 42, FirstName: "Ayse", LastName: "Yilmaz", Email: "ayse@example.com"},
	}
}

func TestNotifyPatientSendsEmail(t *testing.T) {
	m := &fakeMailer{}
	s := newTestService(m, nil, 0)

	require.NoError(t, s.NotifyPatient(context.Background(), delivery()))
	require.Len(t, m.sent, 1)

	msg := m.sent[0]
	assert.Equal(t, "ayse@example.com", msg.To[0].Email)
	assert.Equal(t, "Ayse Yilmaz", msg.To[0].Name)
	assert.Contains(t, msg.HTML, "Dear Ayse Yilmaz")
	assert.Contains(t, msg.HTML, "Dermatology")
	assert.Contains(t, msg.HTML, "02.04.2026")
	assert.Contains(t, msg.HTML, "&lt;eczema&gt;", "model output is escaped")
	assert.Contains(t, msg.Text, "Pharmacological steps: emollient")
	assert.Empty(t, msg.Attachments, "no font, no pdf")
}

func TestNotifyPatientPropagatesSendFailure(t *testing.T) {
	m := &fakeMailer{err: errors.New("sendgrid http 503")}
	s := newTestService(m, nil, 0)

	err := s.NotifyPatient(context.Background(), delivery())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestNotifyPatientWithoutEmail(t *testing.T) {
	m := &fakeMailer{}
	s := newTestService(m, nil, 0)
	d := delivery()
	d.Subject.Email = ""

	assert.Error(t, s.NotifyPatient(context.Background(), d))
	assert.Empty(t, m.sent)
}

func TestTreatmentDraftFailedAlertsOperator(t *testing.T) {
	a := &fakeAlerts{}
	s := newTestService(&fakeMailer{}, a, 555)

	s.TreatmentDraftFailed(context.Background(), 42, consultation.Psychology, errors.New("timeout"))
	require.Len(t, a.texts, 1)
	assert.Equal(t, int64(555), a.chatIDs[0])
	assert.Contains(t, a.texts[0], "patient 42")
	assert.Contains(t, a.texts[0], "timeout")
}

func TestTreatmentDraftFailedWithoutOperatorChat(t *testing.T) {
	a := &fakeAlerts{}
	s := newTestService(&fakeMailer{}, a, 0)

	s.TreatmentDraftFailed(context.Background(), 42, consultation.General, errors.New("x"))
	assert.Empty(t, a.texts)
}

func TestParagraphs(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, paragraphs("  a \n\n b\n"))
	assert.Nil(t, paragraphs("   "))
}
