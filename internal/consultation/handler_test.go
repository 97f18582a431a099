package consultation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"medintel/internal/retrieval"
)

type fakeKnowledge struct {
	docs    []retrieval.Document
	deleted []int64
}

func (f *fakeKnowledge) Ingest(_ context.Context, doc retrieval.Document, uploadedBy int64) (*retrieval.Upload, error) {
	if doc.Text == "" {
		return nil, retrieval.ErrEmptyDocument
	}
	f.docs = append(f.docs, doc)
	return &retrieval.Upload{ID: 1, Filename: doc.Filename, UploadedBy: uploadedBy, ChunkCount: 1}, nil
}

func (f *fakeKnowledge) Uploads(context.Context, int) ([]retrieval.Upload, error) {
	return []retrieval.Upload{}, nil
}

func (f *fakeKnowledge) Delete(_ context.Context, uploadID int64) error {
	if uploadID != 11 {
		return retrieval.ErrUploadNotFound
	}
	f.deleted = append(f.deleted, uploadID)
	return nil
}

func (f *fakeKnowledge) Status() retrieval.Status {
	return retrieval.Status{Enabled: true, IndexName: "medintel-rag"}
}

func newTestRouter(svc Service, k Knowledge) http.Handler {
	h := NewHandler(svc, k, zap.NewNop(), HandlerOptions{IsAdmin: func(id int64) bool { return id == 1 }})
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) { RegisterRoutes(r, h) })
	return r
}

func do(t *testing.T, h http.Handler, method, path string, clinician string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if clinician != "" {
		req.Header.Set(ClinicianHeader, clinician)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerRequiresClinician(t *testing.T) {
	f := newServiceFixture()
	rec := do(t, newTestRouter(f.svc, nil), http.MethodGet, "/api/patients", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerConsult(t *testing.T) {
	f := newServiceFixture()
	router := newTestRouter(f.svc, nil)

	rec := do(t, router, http.MethodPost, "/api/patients/42/consultations", "7",
		map[string]string{"specialty": "dermatoloji", "question": "red itchy rash on face"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, dermAssessment, body["assessment"])
	assert.Equal(t, dermTreatment, body["treatment"])
	assert.Equal(t, true, body["saved"])
	assert.Equal(t, "dermatoloji", body["specialty"])
}

func TestHandlerConsultErrors(t *testing.T) {
	t.Run("foreign patient", func(t *testing.T) {
		f := newServiceFixture()
		rec := do(t, newTestRouter(f.svc, nil), http.MethodPost, "/api/patients/42/consultations", "99",
			map[string]string{"question": "rash"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("generation failure", func(t *testing.T) {
		f := newServiceFixture()
		f.gen.assessmentErr = errors.New("upstream down")
		rec := do(t, newTestRouter(f.svc, nil), http.MethodPost, "/api/patients/42/consultations", "7",
			map[string]string{"question": "rash"})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("not saved returns texts", func(t *testing.T) {
		f := newServiceFixture()
		f.repo.recordErr = &PersistenceError{Op: "commit", Err: errors.New("connection reset")}
		rec := do(t, newTestRouter(f.svc, nil), http.MethodPost, "/api/patients/42/consultations", "7",
			map[string]string{"question": "rash"})
		require.Equal(t, http.StatusInternalServerError, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, false, body["saved"])
		assert.Equal(t, dermAssessment, body["assessment"])
		assert.NotEmpty(t, body["error"])
	})

	t.Run("empty question", func(t *testing.T) {
		f := newServiceFixture()
		rec := do(t, newTestRouter(f.svc, nil), http.MethodPost, "/api/patients/42/consultations", "7",
			map[string]string{"question": "  "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		ErrApprovalConflict: http.StatusConflict,
		ErrNotAuthorized:    http.StatusForbidden,
		ErrPlanNotFound:     http.StatusNotFound,
		&DeliveryError{PlanID: 7, Err: errors.New("x")}:       http.StatusBadGateway,
		&PersistenceError{Op: "commit", Err: errors.New("x")}: http.StatusInternalServerError,
		context.DeadlineExceeded:                              http.StatusGatewayTimeout,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

func TestHandlerApproveConflict(t *testing.T) {
	repo := newFakeRepo()
	mem := NewMemory(5)
	p := NewPipeline(zap.NewNop(), mem, NewRegistry(), nil, &fakeGenerator{}, nil, 1)
	svc := NewService(repo, p, mem, &fakeDecider{err: ErrApprovalConflict}, zap.NewNop())

	rec := do(t, newTestRouter(svc, nil), http.MethodPost, "/api/treatment-plans/7/approve", "55", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerCreateSubject(t *testing.T) {
	f := newServiceFixture()
	router := newTestRouter(f.svc, nil)

	rec := do(t, router, http.MethodPost, "/api/patients", "7", map[string]string{
		"first_name": "Ali", "last_name": "Kaya", "email": "ali@example.com", "birth_date": "1988-02-03",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var s Subject
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, int64(7), s.ClinicianID)
	require.NotNil(t, s.BirthDate)

	rec = do(t, router, http.MethodPost, "/api/patients", "7", map[string]string{
		"first_name": "Ali", "last_name": "Kaya", "email": "ali@example.com", "birth_date": "03/02/1988",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerKnowledgeIsAdminOnly(t *testing.T) {
	f := newServiceFixture()
	k := &fakeKnowledge{}
	router := newTestRouter(f.svc, k)

	rec := do(t, router, http.MethodGet, "/api/knowledge/status", "7", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/knowledge/status", "1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "cbt.txt")
	require.NoError(t, err)
	fw.Write([]byte("Cognitive behavioural therapy reduces anxiety symptoms."))
	mw.WriteField("description", "CBT overview")
	mw.WriteField("specialty", "psikoloji")
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/knowledge/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(ClinicianHeader, "1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Len(t, k.docs, 1)
	assert.Equal(t, "cbt.txt", k.docs[0].Filename)
	assert.Equal(t, "CBT overview", k.docs[0].Description)
}

func uploadFile(t *testing.T, router http.Handler, filename string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/knowledge/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(ClinicianHeader, "1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHandlerUploadPDF(t *testing.T) {
	f := newServiceFixture()
	k := &fakeKnowledge{}
	router := newTestRouter(f.svc, k)

	data, err := os.ReadFile("../retrieval/testdata/guideline.pdf")
	require.NoError(t, err)
	rr := uploadFile(t, router, "guideline.pdf", data)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Len(t, k.docs, 1)
	assert.Contains(t, k.docs[0].Text, "Sertraline is first line")
	assert.NotContains(t, k.docs[0].Text, "%PDF")

	rr = uploadFile(t, router, "broken.pdf", []byte("not really a pdf"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Len(t, k.docs, 1)
}

func TestHandlerDeleteUpload(t *testing.T) {
	f := newServiceFixture()
	k := &fakeKnowledge{}
	router := newTestRouter(f.svc, k)

	rec := do(t, router, http.MethodDelete, "/api/knowledge/uploads/11", "7", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, k.deleted)

	rec = do(t, router, http.MethodDelete, "/api/knowledge/uploads/11", "1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int64{11}, k.deleted)

	rec = do(t, router, http.MethodDelete, "/api/knowledge/uploads/99", "1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodDelete, "/api/knowledge/uploads/abc", "1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerKnowledgeUnavailable(t *testing.T) {
	f := newServiceFixture()
	rec := do(t, newTestRouter(f.svc, nil), http.MethodGet, "/api/knowledge/status", "1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandlerClearMemory(t *testing.T) {
	f := newServiceFixture()
	f.memory.Append(42, "q", "a")

	rec := do(t, newTestRouter(f.svc, nil), http.MethodDelete, "/api/patients/42/memory", "7", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, f.memory.Get(42))
}
