package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"medintel/internal/retrieval"
)

// ClinicianHeader carries the authenticated clinician id, set by the
// upstream auth gateway.
const ClinicianHeader = "X-Clinician-ID"

// Knowledge is the admin surface of the retrieval knowledge base.
type Knowledge interface {
	Ingest(ctx context.Context, doc retrieval.Document, uploadedBy int64) (*retrieval.Upload, error)
	Uploads(ctx context.Context, limit int) ([]retrieval.Upload, error)
	Delete(ctx context.Context, uploadID int64) error
	Status() retrieval.Status
}

type HandlerOptions struct {
	RequestTimeout time.Duration
	IsAdmin        func(clinicianID int64) bool
}

type Handler struct {
	svc       Service
	knowledge Knowledge
	log       *zap.Logger
	opts      HandlerOptions
}

// NewHandler wires the HTTP adapter. knowledge may be nil when retrieval is
// not configured.
func NewHandler(svc Service, knowledge Knowledge, log *zap.Logger, opts HandlerOptions) *Handler {
	if opts.IsAdmin == nil {
		opts.IsAdmin = func(int64) bool { return false }
	}
	return &Handler{svc: svc, knowledge: knowledge, log: log.With(zap.String("component", "HTTPHandler")), opts: opts}
}

type ctxKey struct{}

func clinicianFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(ctxKey{}).(int64)
	return id
}

// Authenticate rejects requests without a valid clinician id and bounds
// every request with the configured timeout.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(ClinicianHeader)), 10, 64)
		if err != nil || id <= 0 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing or invalid " + ClinicianHeader})
			return
		}
		ctx := context.WithValue(r.Context(), ctxKey{}, id)
		if h.opts.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.opts.RequestTimeout)
			defer cancel()
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.opts.IsAdmin(clinicianFrom(r.Context())) {
			writeJSON(w, http.StatusForbidden, errorBody{Error: ErrNotAuthorized.Error()})
			return
		}
		if h.knowledge == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "knowledge base is not configured"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, retrieval.ErrEmptyDocument),
		errors.Is(err, retrieval.ErrUnreadableDocument):
		return http.StatusBadRequest
	case errors.Is(err, ErrSubjectNotFound), errors.Is(err, ErrPlanNotFound),
		errors.Is(err, retrieval.ErrUploadNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrApprovalConflict):
		return http.StatusConflict
	case errors.Is(err, ErrGenerationFailed), errors.Is(err, ErrDeliveryFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		if !errors.Is(err, ErrPersistence) {
			msg = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad %s", ErrInvalidRequest, name)
	}
	return id, nil
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

type subjectRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	BirthDate string `json:"birth_date"`
	Email     string `json:"email"`
}

func (h *Handler) CreateSubject(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	s := &Subject{
		ClinicianID: clinicianFrom(r.Context()),
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Email:       req.Email,
	}
	if req.BirthDate != "" {
		b, err := time.Parse(time.DateOnly, req.BirthDate)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "birth_date must be YYYY-MM-DD"})
			return
		}
		s.BirthDate = &b
	}
	if err := h.svc.CreateSubject(r.Context(), s); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handler) ListSubjects(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ListSubjects(r.Context(), clinicianFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetSubject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "patientID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.svc.GetSubject(r.Context(), id, clinicianFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) DeleteSubject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "patientID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.svc.DeleteSubject(r.Context(), id, clinicianFrom(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type consultResponse struct {
	*Outcome
	Error string `json:"error,omitempty"`
}

func (h *Handler) Consult(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "patientID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req ConsultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	req.SubjectID = id
	req.AuthorID = clinicianFrom(r.Context())

	out, err := h.svc.Consult(r.Context(), req)
	if err != nil {
		if out != nil {
			// Generated but not saved: hand the texts back with the failure.
			h.log.Error("consultation not saved", zap.Int64("subject_id", id), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, consultResponse{Outcome: out, Error: err.Error()})
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, consultResponse{Outcome: out})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "patientID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.svc.History(r.Context(), id, clinicianFrom(r.Context()), queryLimit(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) PlansForSubject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "patientID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.svc.PlansForSubject(r.Context(), id, clinicianFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ClearMemory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "patientID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.svc.ClearMemory(r.Context(), id, clinicianFrom(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PendingPlans(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.PendingPlans(r.Context(), clinicianFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) decide(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "planID")
		if err != nil {
			h.fail(w, r, err)
			return
		}
		author := clinicianFrom(r.Context())
		var plan *TreatmentPlan
		if approve {
			plan, err = h.svc.Approve(r.Context(), id, author)
		} else {
			plan, err = h.svc.Reject(r.Context(), id, author)
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
	}
}

const maxDocumentBytes = 10 << 20

func (h *Handler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxDocumentBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "expected multipart form"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "error retrieving document file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxDocumentBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "failed to read document file"})
		return
	}
	text, err := retrieval.ExtractText(header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	up, err := h.knowledge.Ingest(r.Context(), retrieval.Document{
		Filename:    header.Filename,
		Description: r.FormValue("description"),
		Specialty:   r.FormValue("specialty"),
		Text:        text,
	}, clinicianFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, up)
}

func (h *Handler) ListUploads(w http.ResponseWriter, r *http.Request) {
	out, err := h.knowledge.Uploads(r.Context(), queryLimit(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) DeleteUpload(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "uploadID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.knowledge.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) KnowledgeStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.knowledge.Status())
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Group(func(r chi.Router) {
		r.Use(h.Authenticate)

		r.Route("/patients", func(r chi.Router) {
			r.Post("/", h.CreateSubject)
			r.Get("/", h.ListSubjects)
			r.Route("/{patientID}", func(r chi.Router) {
				r.Get("/", h.GetSubject)
				r.Delete("/", h.DeleteSubject)
				r.Post("/consultations", h.Consult)
				r.Get("/consultations", h.History)
				r.Get("/treatment-plans", h.PlansForSubject)
				r.Delete("/memory", h.ClearMemory)
			})
		})

		r.Route("/treatment-plans", func(r chi.Router) {
			r.Get("/pending", h.PendingPlans)
			r.Post("/{planID}/approve", h.decide(true))
			r.Post("/{planID}/reject", h.decide(false))
		})

		r.Route("/knowledge", func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Post("/documents", h.UploadDocument)
			r.Get("/uploads", h.ListUploads)
			r.Delete("/uploads/{uploadID}", h.DeleteUpload)
			r.Get("/status", h.KnowledgeStatus)
		})
	})
}
