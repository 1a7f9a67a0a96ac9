package handlers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"inkup/internal/domain"
	"inkup/internal/scratch"
	"inkup/internal/tryon"
)

const sniffLen = 512

var uploadFields = []domain.ImageRole{domain.RoleHuman, domain.RoleItem, domain.RoleMask}

type generationAccepted struct {
	GenerationID string `json:"generationId"`
}

type generationStatus struct {
	Status         domain.JobStatus `json:"status"`
	OutputImageURL *string          `json:"outputImageUrl"`
}

type generationAsset struct {
	ID             string    `json:"id"`
	ItemImageURL   string    `json:"itemImageUrl"`
	MaskImageURL   string    `json:"maskImageUrl"`
	OutputImageURL *string   `json:"outputImageUrl"`
	CreatedAt      time.Time `json:"createdAt"`
}

type generationDetail struct {
	ID        string            `json:"id"`
	OwnerID   string            `json:"ownerId"`
	Status    domain.JobStatus  `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Assets    []generationAsset `json:"assets"`
}

type requestError struct {
	status  int
	code    string
	message string
}

func (e *requestError) Error() string { return e.message }

func badUpload(format string, args ...any) *requestError {
	return &requestError{status: http.StatusBadRequest, code: "bad_request", message: fmt.Sprintf(format, args...)}
}

// bodyTooLarge reports whether err came from the request body limit.
func bodyTooLarge(err error) (*requestError, bool) {
	var maxErr *http.MaxBytesError
	if !errors.As(err, &maxErr) {
		return nil, false
	}
	return &requestError{status: http.StatusRequestEntityTooLarge, code: "too_large", message: "request body too large"}, true
}

// CreateTryOn accepts the three images, records a PENDING job and runs the
// generation in the background.
func (a *App) CreateTryOn(w http.ResponseWriter, r *http.Request) {
	owner := a.currentUserID(r)
	r.Body = http.MaxBytesReader(w, r.Body, int64(len(uploadFields))*a.MaxUploadBytes+1<<20)

	dir, err := scratch.New(a.Config.ScratchDir, "upload")
	if err != nil {
		a.Logger.Error().Err(err).Msg("create upload scratch")
		a.error(w, http.StatusInternalServerError, "internal", "failed to accept request")
		return
	}
	in, err := a.readUploads(r, dir)
	if err != nil {
		a.releaseScratch(dir)
		var rerr *requestError
		if errors.As(err, &rerr) {
			a.error(w, rerr.status, rerr.code, rerr.message)
			return
		}
		a.error(w, http.StatusBadRequest, "bad_request", "invalid multipart body")
		return
	}

	job, err := a.TryOn.Accept(r.Context(), owner)
	if err != nil {
		a.releaseScratch(dir)
		a.Logger.Error().Err(err).Msg("accept generation")
		a.error(w, http.StatusInternalServerError, "internal", "failed to accept request")
		return
	}

	a.inflight.Add(1)
	go a.runGeneration(context.WithoutCancel(r.Context()), job, in, dir)

	a.json(w, http.StatusAccepted, generationAccepted{GenerationID: job.ID})
}

func (a *App) runGeneration(ctx context.Context, job *domain.GenerationJob, in tryon.Inputs, dir *scratch.Dir) {
	defer a.inflight.Done()
	defer a.releaseScratch(dir)

	a.tryonLimiter <- struct{}{}
	defer func() { <-a.tryonLimiter }()

	if _, err := a.TryOn.Run(ctx, job, in); err != nil {
		a.Logger.Debug().Err(err).Str("job_id", job.ID).Msg("generation ended without output")
	}
}

func (a *App) releaseScratch(dir *scratch.Dir) {
	if err := dir.Release(); err != nil {
		a.Logger.Warn().Err(err).Str("dir", dir.Root()).Msg("release upload scratch")
	}
}

// readUploads streams the image parts to dir. Every field is required once
// and must sniff as an image.
func (a *App) readUploads(r *http.Request, dir *scratch.Dir) (tryon.Inputs, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return tryon.Inputs{}, badUpload("expected multipart/form-data")
	}
	paths := make(map[domain.ImageRole]string, len(uploadFields))
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if rerr, ok := bodyTooLarge(err); ok {
				return tryon.Inputs{}, rerr
			}
			return tryon.Inputs{}, badUpload("malformed multipart body")
		}
		role := domain.ImageRole(part.FormName())
		if !isUploadField(role) || part.FileName() == "" {
			part.Close()
			continue
		}
		if _, dup := paths[role]; dup {
			part.Close()
			return tryon.Inputs{}, badUpload("%s provided more than once", role)
		}
		path, err := a.savePart(dir, role, part)
		part.Close()
		if err != nil {
			return tryon.Inputs{}, err
		}
		paths[role] = path
	}

	var missing []string
	for _, role := range uploadFields {
		if paths[role] == "" {
			missing = append(missing, string(role))
		}
	}
	if len(missing) > 0 {
		return tryon.Inputs{}, badUpload("missing image fields: %s", strings.Join(missing, ", "))
	}
	return tryon.Inputs{Human: paths[domain.RoleHuman], Item: paths[domain.RoleItem], Mask: paths[domain.RoleMask]}, nil
}

func (a *App) savePart(dir *scratch.Dir, role domain.ImageRole, part io.Reader) (string, error) {
	br := bufio.NewReaderSize(part, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		if rerr, ok := bodyTooLarge(err); ok {
			return "", rerr
		}
		return "", badUpload("failed to read %s", role)
	}
	if len(head) == 0 {
		return "", badUpload("%s is empty", role)
	}
	if ct := http.DetectContentType(head); !strings.HasPrefix(ct, "image/") {
		return "", &requestError{status: http.StatusUnsupportedMediaType, code: "unsupported_media_type", message: fmt.Sprintf("%s must be an image", role)}
	}

	path, n, err := dir.WriteFrom(string(role)+".upload", io.LimitReader(br, a.MaxUploadBytes+1))
	if err != nil {
		if rerr, ok := bodyTooLarge(err); ok {
			return "", rerr
		}
		return "", fmt.Errorf("save %s: %w", role, err)
	}
	if n > a.MaxUploadBytes {
		return "", &requestError{status: http.StatusRequestEntityTooLarge, code: "too_large", message: fmt.Sprintf("%s exceeds %d bytes", role, a.MaxUploadBytes)}
	}
	return path, nil
}

func isUploadField(role domain.ImageRole) bool {
	for _, f := range uploadFields {
		if f == role {
			return true
		}
	}
	return false
}

// TryOnStatus reports the polling view of a generation.
func (a *App) TryOnStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := a.generationID(w, r)
	if !ok {
		return
	}
	st, err := a.TryOn.Status(r.Context(), id, a.currentUserID(r))
	if err != nil {
		a.lookupError(w, id, err)
		return
	}
	a.json(w, http.StatusOK, generationStatus{Status: st.Status, OutputImageURL: st.OutputImageURL})
}

// TryOnDetail returns the job and its assets.
func (a *App) TryOnDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := a.generationID(w, r)
	if !ok {
		return
	}
	d, err := a.TryOn.Detail(r.Context(), id, a.currentUserID(r))
	if err != nil {
		a.lookupError(w, id, err)
		return
	}
	resp := generationDetail{
		ID:        d.Job.ID,
		OwnerID:   d.Job.OwnerID,
		Status:    d.Job.Status,
		CreatedAt: d.Job.CreatedAt,
		UpdatedAt: d.Job.UpdatedAt,
		Assets:    make([]generationAsset, 0, len(d.Assets)),
	}
	for _, as := range d.Assets {
		resp.Assets = append(resp.Assets, generationAsset{
			ID:             as.ID,
			ItemImageURL:   as.ItemImageURL,
			MaskImageURL:   as.MaskImageURL,
			OutputImageURL: as.OutputImageURL,
			CreatedAt:      as.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, resp)
}

func (a *App) generationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "generationId")
	if id == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "generationId required")
		return "", false
	}
	if _, err := uuid.Parse(id); err != nil {
		a.error(w, http.StatusNotFound, "not_found", "generation not found")
		return "", false
	}
	return id, true
}

func (a *App) lookupError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "generation not found")
		return
	}
	a.Logger.Error().Err(err).Str("job_id", id).Msg("load generation")
	a.error(w, http.StatusInternalServerError, "internal", "failed to load generation")
}
