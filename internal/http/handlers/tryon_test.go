package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"inkup/internal/domain"
	"inkup/internal/infra"
	"inkup/internal/middleware"
	"inkup/internal/scratch"
	"inkup/internal/tryon"
)

type stubTryOn struct {
	mu       sync.Mutex
	jobs     map[string]*domain.GenerationJob
	ran      []tryon.Inputs
	seen     map[string]bool
	runErr   error
	release  chan struct{}
	acceptFn func(owner string) error
}

func newStubTryOn() *stubTryOn {
	return &stubTryOn{jobs: map[string]*domain.GenerationJob{}, seen: map[string]bool{}}
}

func (s *stubTryOn) Accept(_ context.Context, owner string) (*domain.GenerationJob, error) {
	if s.acceptFn != nil {
		if err := s.acceptFn(owner); err != nil {
			return nil, err
		}
	}
	job := &domain.GenerationJob{ID: uuid.NewString(), OwnerID: owner, Status: domain.JobStatusPending}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return job, nil
}

func (s *stubTryOn) Run(_ context.Context, job *domain.GenerationJob, in tryon.Inputs) (*domain.GenerationAsset, error) {
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = append(s.ran, in)
	for _, p := range []string{in.Human, in.Item, in.Mask} {
		if _, err := os.Stat(p); err == nil {
			s.seen[p] = true
		}
	}
	if s.runErr != nil {
		return nil, s.runErr
	}
	url := "http://cdn.test/static/tryon/" + job.ID + "/output.png"
	s.jobs[job.ID].Status = domain.JobStatusCompleted
	return &domain.GenerationAsset{ID: uuid.NewString(), JobID: job.ID, OutputImageURL: &url}, nil
}

func (s *stubTryOn) Status(_ context.Context, id, owner string) (*tryon.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.OwnerID != owner {
		return nil, domain.ErrNotFound
	}
	st := &tryon.Status{JobID: id, Status: job.Status}
	if job.Status == domain.JobStatusCompleted {
		url := "http://cdn.test/static/tryon/" + id + "/output.png"
		st.OutputImageURL = &url
	}
	return st, nil
}

func (s *stubTryOn) Detail(_ context.Context, id, owner string) (*tryon.Detail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.OwnerID != owner {
		return nil, domain.ErrNotFound
	}
	url := "http://cdn.test/static/tryon/" + id + "/output.png"
	return &tryon.Detail{Job: *job, Assets: []domain.GenerationAsset{{ID: "asset-1", JobID: id, ItemImageURL: "item", MaskImageURL: "mask", OutputImageURL: &url}}}, nil
}

func newTestApp(t *testing.T, svc TryOn) *App {
	t.Helper()
	cfg := &infra.Config{ScratchDir: t.TempDir(), TryOnMaxConcurrent: 2}
	return NewApp(cfg, infra.NopLogger(), svc, nil)
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	img.SetNRGBA(1, 1, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func multipartBody(t *testing.T, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for field, data := range files {
		fw, err := mw.CreateFormFile(field, field+".png")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body map[string]errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rr.Body.String())
	}
	return body["error"]
}

func withGenerationID(r *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("generationId", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestCreateTryOnAccepts(t *testing.T) {
	svc := newStubTryOn()
	app := newTestApp(t, svc)
	img := pngBytes(t)
	body, ct := multipartBody(t, map[string][]byte{"human": img, "item": img, "mask": img})

	req := httptest.NewRequest(http.MethodPost, "/tryon", body)
	req.Header.Set("Content-Type", ct)
	req = req.WithContext(middleware.ContextWithUserID(req.Context(), "user-123"))
	rr := httptest.NewRecorder()
	app.CreateTryOn(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body=%s", rr.Code, rr.Body.String())
	}
	var resp generationAccepted
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := uuid.Parse(resp.GenerationID); err != nil {
		t.Fatalf("generationId %q is not a uuid", resp.GenerationID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.ran) != 1 {
		t.Fatalf("runs = %d, want 1", len(svc.ran))
	}
	in := svc.ran[0]
	for _, p := range []string{in.Human, in.Item, in.Mask} {
		if !svc.seen[p] {
			t.Fatalf("upload %s was not on disk during the run", p)
		}
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("upload %s survived the run", p)
		}
	}
	if svc.jobs[resp.GenerationID].OwnerID != "user-123" {
		t.Fatalf("owner = %q, want user-123", svc.jobs[resp.GenerationID].OwnerID)
	}
}

func TestCreateTryOnReturnsBeforeGenerationFinishes(t *testing.T) {
	svc := newStubTryOn()
	svc.release = make(chan struct{})
	app := newTestApp(t, svc)
	img := pngBytes(t)
	body, ct := multipartBody(t, map[string][]byte{"human": img, "item": img, "mask": img})

	req := httptest.NewRequest(http.MethodPost, "/tryon", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	app.CreateTryOn(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	var resp generationAccepted
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)

	st := httptest.NewRecorder()
	app.TryOnStatus(st, withGenerationID(httptest.NewRequest(http.MethodGet, "/tryon/image/"+resp.GenerationID, nil), resp.GenerationID))
	if !strings.Contains(st.Body.String(), `"status":"PENDING"`) || !strings.Contains(st.Body.String(), `"outputImageUrl":null`) {
		t.Fatalf("unexpected pending body: %s", st.Body.String())
	}

	close(svc.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	st = httptest.NewRecorder()
	app.TryOnStatus(st, withGenerationID(httptest.NewRequest(http.MethodGet, "/tryon/image/"+resp.GenerationID, nil), resp.GenerationID))
	var done generationStatus
	if err := json.Unmarshal(st.Body.Bytes(), &done); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if done.Status != domain.JobStatusCompleted || done.OutputImageURL == nil {
		t.Fatalf("unexpected completed body: %s", st.Body.String())
	}
}

func TestCreateTryOnValidation(t *testing.T) {
	img := pngBytes(t)
	tests := []struct {
		name     string
		files    map[string][]byte
		maxBytes int64
		wantCode int
		wantErr  string
	}{
		{
			name:     "missing mask",
			files:    map[string][]byte{"human": img, "item": img},
			wantCode: http.StatusBadRequest,
			wantErr:  "bad_request",
		},
		{
			name:     "not an image",
			files:    map[string][]byte{"human": img, "item": []byte("hello, plain text"), "mask": img},
			wantCode: http.StatusUnsupportedMediaType,
			wantErr:  "unsupported_media_type",
		},
		{
			name:     "empty part",
			files:    map[string][]byte{"human": img, "item": img, "mask": {}},
			wantCode: http.StatusBadRequest,
			wantErr:  "bad_request",
		},
		{
			name:     "too large",
			files:    map[string][]byte{"human": img, "item": img, "mask": img},
			maxBytes: 16,
			wantCode: http.StatusRequestEntityTooLarge,
			wantErr:  "too_large",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := newStubTryOn()
			app := newTestApp(t, svc)
			if tc.maxBytes > 0 {
				app.MaxUploadBytes = tc.maxBytes
			}
			body, ct := multipartBody(t, tc.files)
			req := httptest.NewRequest(http.MethodPost, "/tryon", body)
			req.Header.Set("Content-Type", ct)
			rr := httptest.NewRecorder()
			app.CreateTryOn(rr, req)

			if rr.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d; body=%s", rr.Code, tc.wantCode, rr.Body.String())
			}
			if got := decodeError(t, rr).Code; got != tc.wantErr {
				t.Fatalf("error code = %q, want %q", got, tc.wantErr)
			}
			if len(svc.jobs) != 0 {
				t.Fatalf("rejected request created %d jobs", len(svc.jobs))
			}
			entries, err := os.ReadDir(app.Config.ScratchDir)
			if err != nil {
				t.Fatalf("read scratch: %v", err)
			}
			if len(entries) != 0 {
				t.Fatalf("scratch not released: %d entries", len(entries))
			}
		})
	}
}

func TestSavePartBodyLimitIsTooLarge(t *testing.T) {
	app := newTestApp(t, newStubTryOn())
	dir, err := scratch.New(t.TempDir(), "upload")
	if err != nil {
		t.Fatalf("scratch: %v", err)
	}
	defer dir.Release()

	limit := &http.MaxBytesError{Limit: 10}
	readers := map[string]func() io.Reader{
		"before any byte": func() io.Reader { return iotest.ErrReader(limit) },
		"mid sniff": func() io.Reader {
			return io.MultiReader(bytes.NewReader(pngBytes(t)[:8]), iotest.ErrReader(limit))
		},
	}
	for name, newReader := range readers {
		t.Run(name, func(t *testing.T) {
			_, err := app.savePart(dir, domain.RoleHuman, newReader())
			var rerr *requestError
			if !errors.As(err, &rerr) {
				t.Fatalf("err = %v, want requestError", err)
			}
			if rerr.status != http.StatusRequestEntityTooLarge || rerr.code != "too_large" {
				t.Fatalf("got %d %s, want 413 too_large", rerr.status, rerr.code)
			}
		})
	}
}

func TestCreateTryOnRejectsNonMultipart(t *testing.T) {
	app := newTestApp(t, newStubTryOn())
	req := httptest.NewRequest(http.MethodPost, "/tryon", strings.NewReader(`{"human":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	app.CreateTryOn(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestCreateTryOnAcceptFailure(t *testing.T) {
	svc := newStubTryOn()
	svc.acceptFn = func(string) error { return errors.New("db down") }
	app := newTestApp(t, svc)
	img := pngBytes(t)
	body, ct := multipartBody(t, map[string][]byte{"human": img, "item": img, "mask": img})
	req := httptest.NewRequest(http.MethodPost, "/tryon", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	app.CreateTryOn(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "db down") {
		t.Fatalf("internal error leaked: %s", rr.Body.String())
	}
}

func TestTryOnStatusNotFound(t *testing.T) {
	svc := newStubTryOn()
	app := newTestApp(t, svc)
	job, _ := svc.Accept(context.Background(), "someone-else")

	for _, id := range []string{"not-a-uuid", uuid.NewString(), job.ID} {
		rr := httptest.NewRecorder()
		app.TryOnStatus(rr, withGenerationID(httptest.NewRequest(http.MethodGet, "/tryon/image/"+id, nil), id))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("id %s: status = %d, want 404", id, rr.Code)
		}
	}
}

func TestTryOnDetail(t *testing.T) {
	svc := newStubTryOn()
	app := newTestApp(t, svc)
	job, _ := svc.Accept(context.Background(), anonymousOwner)

	rr := httptest.NewRecorder()
	app.TryOnDetail(rr, withGenerationID(httptest.NewRequest(http.MethodGet, "/tryon/"+job.ID, nil), job.ID))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rr.Code, rr.Body.String())
	}
	var resp generationDetail
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != job.ID || resp.OwnerID != anonymousOwner || len(resp.Assets) != 1 {
		t.Fatalf("unexpected detail: %+v", resp)
	}
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		checks   map[string]Pinger
		wantCode int
		want     string
	}{
		{name: "no checks", wantCode: http.StatusOK, want: `"status":"ok"`},
		{
			name:     "all healthy",
			checks:   map[string]Pinger{"database": stubPinger{}, "comfy": stubPinger{}},
			wantCode: http.StatusOK,
			want:     `"comfy":"ok"`,
		},
		{
			name:     "worker down",
			checks:   map[string]Pinger{"database": stubPinger{}, "comfy": stubPinger{err: errors.New("refused")}},
			wantCode: http.StatusServiceUnavailable,
			want:     `"comfy":"unavailable"`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(t, newStubTryOn())
			app.Checks = tc.checks
			rr := httptest.NewRecorder()
			app.Health(rr, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
			if rr.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tc.wantCode)
			}
			if !strings.Contains(rr.Body.String(), tc.want) {
				t.Fatalf("body %s missing %s", rr.Body.String(), tc.want)
			}
		})
	}
}
