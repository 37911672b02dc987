package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/bleepstore/bleepbackup/internal/logging"
	"github.com/bleepstore/bleepbackup/internal/model"
	"github.com/bleepstore/bleepbackup/internal/processor"
	"github.com/bleepstore/bleepbackup/internal/registry"
)

// BackupHandler serves the backup operations. Changes to a backup owned by
// another node are redirected to that node.
type BackupHandler struct {
	backups *processor.BackupProcessor
	nodes   *registry.Nodes
	logger  *slog.Logger
}

func NewBackupHandler(backups *processor.BackupProcessor, nodes *registry.Nodes, logger *slog.Logger) *BackupHandler {
	return &BackupHandler{backups: backups, nodes: nodes, logger: logging.OrDiscard(logger).With("component", "http")}
}

type ServiceInput struct {
	Service string `path:"service" doc:"Service name"`
}

type BackupPathInput struct {
	Service string `path:"service" doc:"Service name"`
	ID      string `path:"id" doc:"Backup id"`
}

type ListBackupsInput struct {
	Service string `path:"service" doc:"Service name"`
	State   string `query:"state" doc:"Only return backups in this state"`
}

type FinishBackupInput struct {
	Service string `path:"service" doc:"Service name"`
	ID      string `path:"id" doc:"Backup id"`
	Success bool   `query:"success" default:"true" doc:"Whether the client completed the backup"`
	RawBody []byte `required:"false"`
}

type BackupOutput struct {
	Body Backup
}

type BackupListOutput struct {
	Body []Backup
}

// Register adds the JSON backup operations to api.
func (h *BackupHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-backup",
		Method:        http.MethodPost,
		Path:          "/backups/{service}",
		Summary:       "Start a backup",
		Tags:          []string{"Backups"},
		DefaultStatus: http.StatusCreated,
	}, h.Create)
	huma.Register(api, huma.Operation{
		OperationID: "list-backups",
		Method:      http.MethodGet,
		Path:        "/backups/{service}",
		Summary:     "List the backups of a service",
		Tags:        []string{"Backups"},
	}, h.List)
	huma.Register(api, huma.Operation{
		OperationID: "get-backup",
		Method:      http.MethodGet,
		Path:        "/backups/{service}/{id}",
		Summary:     "Get a backup",
		Tags:        []string{"Backups"},
	}, h.Get)
	huma.Register(api, huma.Operation{
		OperationID:   "delete-backup",
		Method:        http.MethodDelete,
		Path:          "/backups/{service}/{id}",
		Summary:       "Delete a backup from every tier",
		Tags:          []string{"Backups"},
		DefaultStatus: http.StatusNoContent,
	}, h.Delete)
	huma.Register(api, huma.Operation{
		OperationID: "finish-backup",
		Method:      http.MethodPost,
		Path:        "/backups/{service}/{id}/finish",
		Summary:     "Finish a backup",
		Description: "The request body is appended to the backup log.",
		Tags:        []string{"Backups"},
	}, h.Finish)
}

// Mount adds the streaming backup routes to r.
func (h *BackupHandler) Mount(r chi.Router) {
	r.Put("/backups/{service}/{id}/files/{filename}", h.StoreFile)
	r.Get("/backups/{service}/{id}/files/{filename}", h.DownloadFile)
	r.Get("/backups/{service}/{id}/log", h.Log)
}

func (h *BackupHandler) Create(ctx context.Context, in *ServiceInput) (*BackupOutput, error) {
	b, err := h.backups.Create(ctx, in.Service, sourceAddress(ctx))
	if err != nil {
		return nil, apiError(h.logger, err)
	}
	return &BackupOutput{Body: backupView(b)}, nil
}

func (h *BackupHandler) List(ctx context.Context, in *ListBackupsInput) (*BackupListOutput, error) {
	var filter func(*model.BackupMetadata) bool
	if in.State != "" {
		state, err := model.ParseBackupState(strings.ToUpper(in.State))
		if err != nil {
			return nil, apiError(h.logger, err)
		}
		filter = func(b *model.BackupMetadata) bool { return b.State() == state }
	}
	items, err := h.backups.List(ctx, in.Service, filter)
	if err != nil {
		return nil, apiError(h.logger, err)
	}
	out := &BackupListOutput{Body: make([]Backup, 0, len(items))}
	for _, b := range items {
		out.Body = append(out.Body, backupView(b))
	}
	return out, nil
}

func (h *BackupHandler) Get(ctx context.Context, in *BackupPathInput) (*BackupOutput, error) {
	b, err := h.backups.Get(ctx, in.Service, in.ID)
	if err != nil {
		return nil, apiError(h.logger, err)
	}
	return &BackupOutput{Body: backupView(b)}, nil
}

func (h *BackupHandler) Delete(ctx context.Context, in *BackupPathInput) (*struct{}, error) {
	b, err := h.backups.Get(ctx, in.Service, in.ID)
	if err != nil {
		return nil, apiError(h.logger, err)
	}
	if err := h.backups.Delete(ctx, b); err != nil {
		return nil, apiError(h.logger, redirect(ctx, h.nodes, h.logger, err))
	}
	return nil, nil
}

func (h *BackupHandler) Finish(ctx context.Context, in *FinishBackupInput) (*BackupOutput, error) {
	b, err := h.backups.Get(ctx, in.Service, in.ID)
	if err != nil {
		return nil, apiError(h.logger, err)
	}
	b, err = h.backups.Finish(ctx, b, string(in.RawBody), in.Success)
	if err != nil {
		return nil, apiError(h.logger, redirect(ctx, h.nodes, h.logger, err))
	}
	return &BackupOutput{Body: backupView(b)}, nil
}

// StoreFile handles PUT /backups/{service}/{id}/files/{filename}. The request
// body is the file content; an optional Content-MD5 header carries its hex
// MD5.
func (h *BackupHandler) StoreFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, err := h.backups.Get(ctx, chi.URLParam(r, "service"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	filename := chi.URLParam(r, "filename")
	if err := h.backups.Store(ctx, b, r.Header.Get("Content-MD5"), r.Body, filename); err != nil {
		writeError(w, h.logger, redirect(ctx, h.nodes, h.logger, err))
		return
	}
	b, err = h.backups.Get(ctx, b.Service(), b.ID())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, backupView(b))
}

// trackingWriter remembers whether anything reached the client.
type trackingWriter struct {
	http.ResponseWriter
	written bool
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	t.written = true
	return t.ResponseWriter.Write(p)
}

// DownloadFile handles GET /backups/{service}/{id}/files/{filename}. Errors
// found after the first byte was sent abort the response.
func (h *BackupHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, err := h.backups.Get(ctx, chi.URLParam(r, "service"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	filename := chi.URLParam(r, "filename")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	tw := &trackingWriter{ResponseWriter: w}
	if err := h.backups.Download(ctx, b, filename, tw); err != nil {
		if !tw.written {
			w.Header().Del("Content-Disposition")
			writeError(w, h.logger, err)
			return
		}
		h.logger.Error("Download aborted", "service", b.Service(), "id", b.ID(), "file", filename, "error", err)
		panic(http.ErrAbortHandler)
	}
}

// Log handles GET /backups/{service}/{id}/log.
func (h *BackupHandler) Log(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, err := h.backups.Get(ctx, chi.URLParam(r, "service"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	rc, err := h.backups.Log(ctx, b.Service(), b.ID())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("Writing backup log failed", "id", b.ID(), "error", err)
	}
}
