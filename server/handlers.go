package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/quarkstore/gateway"
	"github.com/quarkstore/gateway/content"
	"github.com/quarkstore/gateway/lock"
	"github.com/quarkstore/gateway/pipeline"
	"github.com/quarkstore/gateway/store"
	"github.com/quarkstore/gateway/telemetry"
	"github.com/quarkstore/gateway/upload"
)

// maxFormMemory is the in-memory ceiling for multipart parsing; larger file
// parts spill to disk.
const maxFormMemory = 32 << 20

// contentForm is the `data` JSON part of a content upload.
type contentForm struct {
	FileName        string `json:"filename"`
	ContentType     string `json:"contentType"`
	MD5             string `json:"md5"`
	SHA1            string `json:"sha1"`
	SHA256          string `json:"sha256"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

func (f contentForm) digests() gateway.DigestSet {
	return gateway.DigestSet{MD5: f.MD5, SHA1: f.SHA1, SHA256: f.SHA256}
}

// partForm is the `data` JSON part of a part upload.
type partForm struct {
	PartNumber *int   `json:"partNumber"`
	MD5        string `json:"md5"`
	SHA1       string `json:"sha1"`
	SHA256     string `json:"sha256"`
}

// sessionForm is the upload-session create payload.
type sessionForm struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Encoding string `json:"encoding"`
	MD5      string `json:"md5"`
	SHA1     string `json:"sha1"`
	SHA256   string `json:"sha256"`
}

// contentDTO is the outward content representation. Internal ids, backend
// references, and encryption details never leave the gateway.
type contentDTO struct {
	Name        string            `json:"name"`
	ContentType string            `json:"contentType"`
	Size        int64             `json:"size"`
	ETag        string            `json:"etag"`
	Hashes      gateway.DigestSet `json:"hashes"`
	Assets      []assetDTO        `json:"assets,omitempty"`
	Audit       auditDTO          `json:"audit"`
}

type assetDTO struct {
	AssetKey string `json:"assetKey"`
	Format   string `json:"format,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Size     int64  `json:"size"`
	ETag     string `json:"etag"`
}

type auditDTO struct {
	Version    int64      `json:"version"`
	CreatedBy  string     `json:"createdBy"`
	CreatedAt  time.Time  `json:"createdAt"`
	ModifiedBy string     `json:"modifiedBy,omitempty"`
	ModifiedAt *time.Time `json:"modifiedAt,omitempty"`
}

func toContentDTO(rec *content.Record) contentDTO {
	dto := contentDTO{
		Name:        rec.OriginalName,
		ContentType: rec.MimeType,
		Size:        rec.ContentSize,
		ETag:        rec.ETag,
		Hashes:      rec.Hashes,
		Audit: auditDTO{
			Version:   rec.Version,
			CreatedBy: rec.CreatedBy,
			CreatedAt: rec.CreatedAt,
		},
	}
	if !rec.ModifiedAt.IsZero() {
		dto.Audit.ModifiedBy = rec.ModifiedBy
		modified := rec.ModifiedAt
		dto.Audit.ModifiedAt = &modified
	}
	for _, a := range rec.DerivedAssets {
		dto.Assets = append(dto.Assets, assetDTO{
			AssetKey: a.AssetKey,
			Format:   a.Format,
			Width:    a.Width,
			Height:   a.Height,
			Size:     a.Size,
			ETag:     a.ETag,
		})
	}
	return dto
}

func (s *Server) handleCreateContent(w http.ResponseWriter, r *http.Request) {
	s.handleWriteContent(w, r, true)
}

func (s *Server) handleReplaceContent(w http.ResponseWriter, r *http.Request) {
	s.handleWriteContent(w, r, false)
}

func (s *Server) handleWriteContent(w http.ResponseWriter, r *http.Request, create bool) {
	tenantID := r.PathValue("tenantID")
	nodeID := r.PathValue("nodeID")
	telemetry.SetTenant(r, tenantID)
	if create {
		telemetry.SetEndpoint(r, "content.create")
	} else {
		telemetry.SetEndpoint(r, "content.replace")
	}

	file, header, form, err := s.parseUploadForm(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer func() { _ = file.Close() }()

	fileName := form.FileName
	if fileName == "" {
		fileName = header.Filename
	}
	mimeType := form.ContentType
	if mimeType == "" {
		mimeType = header.Header.Get("Content-Type")
	}

	req := content.WriteRequest{
		TenantID:        tenantID,
		NodeID:          nodeID,
		FileName:        fileName,
		MimeType:        mimeType,
		Declared:        form.digests(),
		ExpectedVersion: form.ExpectedVersion,
		Actor:           actor(r),
		Body:            file,
	}

	var rec *content.Record
	if create {
		rec, err = s.engine.Create(r.Context(), req)
	} else {
		rec, err = s.engine.Replace(r.Context(), req)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if create {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, toContentDTO(rec))
}

// parseUploadForm extracts the `file` part and the optional `data` JSON part
// of a multipart upload.
func (s *Server) parseUploadForm(r *http.Request) (multipart.File, *multipart.FileHeader, contentForm, error) {
	var form contentForm

	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		return nil, nil, form, gateway.Wrap(gateway.KindBadRequest, err, "parsing multipart body")
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, nil, form, gateway.E(gateway.KindBadRequest, "multipart body requires a file part")
	}

	if data := r.FormValue("data"); data != "" {
		if err := json.Unmarshal([]byte(data), &form); err != nil {
			_ = file.Close()
			return nil, nil, form, gateway.Wrap(gateway.KindBadRequest, err, "parsing data part")
		}
	}

	return file, header, form, nil
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	telemetry.SetTenant(r, tenantID)
	telemetry.SetEndpoint(r, "content.fetch")

	d, err := s.engine.Fetch(r.Context(), tenantID, r.PathValue("nodeID"), fetchOptions(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeDelivery(w, d)
}

// assetForm is the `data` JSON part of a derived-asset upload.
type assetForm struct {
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (s *Server) handlePutAsset(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	telemetry.SetTenant(r, tenantID)
	telemetry.SetEndpoint(r, "asset.put")

	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		s.writeError(w, gateway.Wrap(gateway.KindBadRequest, err, "parsing multipart body"))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, gateway.E(gateway.KindBadRequest, "multipart body requires a file part"))
		return
	}
	defer func() { _ = file.Close() }()

	var form assetForm
	if data := r.FormValue("data"); data != "" {
		if err := json.Unmarshal([]byte(data), &form); err != nil {
			s.writeError(w, gateway.Wrap(gateway.KindBadRequest, err, "parsing data part"))
			return
		}
	}

	meta := content.DerivedAsset{
		AssetKey: r.PathValue("assetKey"),
		Format:   form.Format,
		Width:    form.Width,
		Height:   form.Height,
	}
	rec, err := s.engine.PutDerivedAsset(r.Context(), tenantID, r.PathValue("nodeID"), meta, file)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toContentDTO(rec))
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	telemetry.SetTenant(r, tenantID)
	telemetry.SetEndpoint(r, "asset.fetch")

	d, err := s.engine.FetchDerivedAsset(r.Context(), tenantID, r.PathValue("nodeID"), r.PathValue("assetKey"), fetchOptions(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeDelivery(w, d)
}

func (s *Server) handleDeleteContent(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	telemetry.SetTenant(r, tenantID)
	telemetry.SetEndpoint(r, "content.delete")

	if err := s.engine.Delete(r.Context(), tenantID, r.PathValue("nodeID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	telemetry.SetTenant(r, tenantID)
	telemetry.SetEndpoint(r, "upload.create")

	var form sessionForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		s.writeError(w, gateway.Wrap(gateway.KindBadRequest, err, "parsing session payload"))
		return
	}

	session, err := s.uploads.CreateSession(r.Context(), upload.CreateRequest{
		TenantID:     tenantID,
		NodeID:       r.PathValue("nodeID"),
		DeclaredSize: form.Size,
		Expected:     gateway.DigestSet{MD5: form.MD5, SHA1: form.SHA1, SHA256: form.SHA256},
		MimeType:     form.MimeType,
		FileName:     form.FileName,
		Encoding:     form.Encoding,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"id": session.ID})
}

func (s *Server) handleUploadPart(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "upload.part")

	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		s.writeError(w, gateway.Wrap(gateway.KindBadRequest, err, "parsing multipart body"))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, gateway.E(gateway.KindBadRequest, "multipart body requires a file part"))
		return
	}
	defer func() { _ = file.Close() }()

	var form partForm
	if data := r.FormValue("data"); data != "" {
		if err := json.Unmarshal([]byte(data), &form); err != nil {
			s.writeError(w, gateway.Wrap(gateway.KindBadRequest, err, "parsing data part"))
			return
		}
	}
	if form.PartNumber == nil {
		s.writeError(w, gateway.E(gateway.KindBadRequest, "part upload requires a partNumber"))
		return
	}

	declared := gateway.DigestSet{MD5: form.MD5, SHA1: form.SHA1, SHA256: form.SHA256}
	if err := s.uploads.UploadPart(r.Context(), r.PathValue("sessionID"), *form.PartNumber, declared, file); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "upload.finalize")

	rec, err := s.uploads.Finalize(r.Context(), r.PathValue("sessionID"), actor(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toContentDTO(rec))
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	nodeID := r.PathValue("nodeID")
	telemetry.SetTenant(r, tenantID)
	telemetry.SetEndpoint(r, "share.create")

	// Only existing content is shareable.
	if _, err := s.engine.FetchMeta(r.Context(), tenantID, nodeID); err != nil {
		s.writeError(w, err)
		return
	}

	share := &store.Share{
		Token:     uuid.NewString(),
		TenantID:  tenantID,
		NodeID:    nodeID,
		Key:       content.DefaultKey,
		CreatedBy: actor(r),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.shares.PutShare(r.Context(), share); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"accessToken": share.Token})
}

func (s *Server) handleRevokeShare(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "share.revoke")

	if err := s.shares.DeleteShare(r.Context(), r.PathValue("accessToken")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShareContent(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "share.fetch")

	share, err := s.shares.GetShare(r.Context(), r.PathValue("accessToken"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	telemetry.SetTenant(r, share.TenantID)

	d, err := s.engine.Fetch(r.Context(), share.TenantID, share.NodeID, fetchOptions(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeDelivery(w, d)
}

// fetchOptions builds the conditional/range options from request headers.
func fetchOptions(r *http.Request) content.FetchOptions {
	return content.FetchOptions{
		IfNoneMatch:  trimETag(r.Header.Get("If-None-Match")),
		Range:        r.Header.Get("Range"),
		MetadataOnly: r.Method == http.MethodHead,
	}
}

// trimETag strips the weak prefix and quotes from a client ETag.
func trimETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

// writeDelivery emits a fetch outcome: headers always, body only for
// non-304, non-HEAD responses.
func (s *Server) writeDelivery(w http.ResponseWriter, d *content.Delivery) {
	h := w.Header()
	h.Set("ETag", `"`+d.ETag+`"`)
	h.Set("Accept-Ranges", "bytes")

	if d.Status == http.StatusNotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Type", d.MimeType)
	h.Set("Content-Length", strconv.FormatInt(d.ContentLength, 10))
	if d.ContentRange != "" {
		h.Set("Content-Range", d.ContentRange)
	}
	w.WriteHeader(d.Status)

	if d.Body == nil {
		return
	}
	defer func() { _ = d.Body.Close() }()
	if _, err := io.Copy(w, d.Body); err != nil {
		s.logger.Warn("streaming response body failed", slog.Any("error", err))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response failed", slog.Any("error", err))
	}
}

// writeError maps gateway error kinds to HTTP status codes and emits a JSON
// error body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.Int("status", status), slog.Any("error", err))
	} else {
		s.logger.Debug("request rejected", slog.Int("status", status), slog.Any("error", err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	var mismatch *pipeline.ChecksumMismatchError
	switch {
	case errors.As(err, &mismatch):
		return http.StatusBadRequest
	case errors.Is(err, lock.ErrWaitTimeout):
		return http.StatusServiceUnavailable
	}

	switch gateway.KindOf(err) {
	case gateway.KindBadRequest:
		return http.StatusBadRequest
	case gateway.KindNotFound:
		return http.StatusNotFound
	case gateway.KindConflict:
		return http.StatusConflict
	case gateway.KindRangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case gateway.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// actor is the audit identity of the caller. Authentication is owned
// outside the gateway; the edge forwards the identity in a header.
func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "anonymous"
}
