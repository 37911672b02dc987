// Package handlers implements the HTTP operations of BleepBackup: backups,
// verifications and the service registry.
//
// JSON operations are registered on a huma API. File uploads and downloads
// stream request and response bodies, so they are plain http.HandlerFuncs
// mounted on the chi router.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
	"github.com/bleepstore/bleepbackup/internal/model"
	"github.com/bleepstore/bleepbackup/internal/registry"
)

type requestInfoKey struct{}

type requestInfo struct {
	address string
	uri     string
}

// RequestInfo stores the caller's address and the request URI in the request
// context. Create operations read the address as the entity's source address;
// redirects to another node reuse the URI.
func RequestInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := requestInfo{address: clientAddress(r), uri: r.URL.RequestURI()}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)))
	})
}

func sourceAddress(ctx context.Context) string {
	info, _ := ctx.Value(requestInfoKey{}).(requestInfo)
	return info.address
}

func requestURI(ctx context.Context) string {
	info, _ := ctx.Value(requestInfoKey{}).(requestInfo)
	return info.uri
}

// redirect turns an IncorrectNodeError into a 307 to the same request on the
// owning node. Owners without a registered URL keep the original error.
func redirect(ctx context.Context, nodes *registry.Nodes, logger *slog.Logger, err error) error {
	var nodeErr *backuperr.IncorrectNodeError
	if nodes == nil || !errors.As(err, &nodeErr) {
		return err
	}
	location, lerr := nodes.Locate(ctx, nodeErr.Owner, requestURI(ctx))
	if lerr != nil {
		logger.Warn("Cannot redirect to owning node", "node", nodeErr.Owner, "error", lerr)
		return err
	}
	return backuperr.Redirect(location, err)
}

// writeError renders err as a JSON APIError.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	apiErr := backuperr.FromError(err)
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err)
	}
	for k, values := range apiErr.Headers {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	writeJSON(w, apiErr.HTTPStatus, apiErr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// apiError converts err for return from a huma handler, which responds with
// the APIError status and body.
func apiError(logger *slog.Logger, err error) error {
	if err == nil {
		return nil
	}
	apiErr := backuperr.FromError(err)
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err)
	}
	return apiErr
}

// clientAddress returns the remote host of r without its port.
func clientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Transition is one state change of an entity.
type Transition struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	Time    time.Time `json:"time"`
	Comment string    `json:"comment,omitempty"`
}

func transitions[S model.State](in []model.Transition[S]) []Transition {
	out := make([]Transition, len(in))
	for i, t := range in {
		out[i] = Transition{From: string(t.OldState), To: string(t.NewState), Time: t.Time, Comment: t.Comment}
	}
	return out
}

// Backup is the API view of a backup.
type Backup struct {
	Service        string       `json:"service"`
	ID             string       `json:"id"`
	State          string       `json:"state"`
	NodeName       string       `json:"nodeName"`
	SourceAddress  string       `json:"sourceAddress,omitempty"`
	StartedDate    time.Time    `json:"startedDate"`
	CompletedDate  *time.Time   `json:"completedDate,omitempty"`
	Size           int64        `json:"size"`
	OriginalSize   int64        `json:"originalSize"`
	Files          []string     `json:"files"`
	Locations      []string     `json:"locations"`
	VerificationID string       `json:"verificationId,omitempty"`
	Transitions    []Transition `json:"transitions"`
}

func backupView(b *model.BackupMetadata) Backup {
	v := Backup{
		Service:        b.Service(),
		ID:             b.ID(),
		State:          string(b.State()),
		NodeName:       b.NodeName(),
		SourceAddress:  b.SourceAddress(),
		StartedDate:    b.StartedDate(),
		Size:           b.Size(),
		OriginalSize:   b.OriginalSize(),
		Files:          b.Filenames(),
		VerificationID: b.VerificationID(),
		Transitions:    transitions(b.Transitions()),
	}
	if completed, ok := b.CompletedDate(); ok {
		v.CompletedDate = &completed
	}
	for _, loc := range b.Locations() {
		v.Locations = append(v.Locations, string(loc))
	}
	return v
}

// Verification is the API view of a verification.
type Verification struct {
	Service       string       `json:"service"`
	ID            string       `json:"id"`
	BackupID      string       `json:"backupId"`
	State         string       `json:"state"`
	NodeName      string       `json:"nodeName"`
	SourceAddress string       `json:"sourceAddress,omitempty"`
	StartedDate   time.Time    `json:"startedDate"`
	CompletedDate *time.Time   `json:"completedDate,omitempty"`
	Transitions   []Transition `json:"transitions"`
}

func verificationView(v *model.VerificationMetadata) Verification {
	out := Verification{
		Service:       v.Service(),
		ID:            v.ID(),
		BackupID:      v.BackupID(),
		State:         string(v.State()),
		NodeName:      v.NodeName(),
		SourceAddress: v.SourceAddress(),
		StartedDate:   v.StartedDate(),
		Transitions:   transitions(v.Transitions()),
	}
	if completed, ok := v.CompletedDate(); ok {
		out.CompletedDate = &completed
	}
	return out
}
