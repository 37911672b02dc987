package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/bleepstore/bleepbackup/internal/logging"
	"github.com/bleepstore/bleepbackup/internal/processor"
)

// VerificationHandler serves the verification operations.
type VerificationHandler struct {
	verifications *processor.VerificationProcessor
	logger        *slog.Logger
}

func NewVerificationHandler(verifications *processor.VerificationProcessor, logger *slog.Logger) *VerificationHandler {
	return &VerificationHandler{verifications: verifications, logger: logging.OrDiscard(logger).With("component", "http")}
}

type CreateVerificationInput struct {
	Service  string `path:"service" doc:"Service name"`
	BackupID string `path:"backupId" doc:"Id of the backup to verify"`
}

type VerificationPathInput struct {
	Service string `path:"service" doc:"Service name"`
	ID      string `path:"id" doc:"Verification id"`
}

type FinishVerificationInput struct {
	Service string `path:"service" doc:"Service name"`
	ID      string `path:"id" doc:"Verification id"`
	Success bool   `query:"success" default:"true" doc:"Whether the backup restored correctly"`
	RawBody []byte `required:"false"`
}

type VerificationOutput struct {
	Body Verification
}

func (h *VerificationHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-verification",
		Method:        http.MethodPost,
		Path:          "/verifications/{service}/{backupId}",
		Summary:       "Start verifying a backup",
		Tags:          []string{"Verifications"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *CreateVerificationInput) (*VerificationOutput, error) {
		v, err := h.verifications.Create(ctx, in.Service, in.BackupID, sourceAddress(ctx))
		if err != nil {
			return nil, apiError(h.logger, err)
		}
		return &VerificationOutput{Body: verificationView(v)}, nil
	})
	huma.Register(api, huma.Operation{
		OperationID: "get-verification",
		Method:      http.MethodGet,
		Path:        "/verifications/{service}/{id}",
		Summary:     "Get a verification",
		Tags:        []string{"Verifications"},
	}, func(ctx context.Context, in *VerificationPathInput) (*VerificationOutput, error) {
		v, err := h.verifications.Get(ctx, in.Service, in.ID)
		if err != nil {
			return nil, apiError(h.logger, err)
		}
		return &VerificationOutput{Body: verificationView(v)}, nil
	})
	huma.Register(api, huma.Operation{
		OperationID: "finish-verification",
		Method:      http.MethodPost,
		Path:        "/verifications/{service}/{id}/finish",
		Summary:     "Finish a verification",
		Description: "The request body is appended to the verification log.",
		Tags:        []string{"Verifications"},
	}, func(ctx context.Context, in *FinishVerificationInput) (*VerificationOutput, error) {
		v, err := h.verifications.Get(ctx, in.Service, in.ID)
		if err != nil {
			return nil, apiError(h.logger, err)
		}
		v, err = h.verifications.Finish(ctx, v, string(in.RawBody), in.Success)
		if err != nil {
			return nil, apiError(h.logger, err)
		}
		return &VerificationOutput{Body: verificationView(v)}, nil
	})
}
