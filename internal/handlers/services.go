package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/bleepstore/bleepbackup/internal/logging"
	"github.com/bleepstore/bleepbackup/internal/model"
	"github.com/bleepstore/bleepbackup/internal/registry"
)

// ServiceHandler serves the service registry.
type ServiceHandler struct {
	registry *registry.Registry
	logger   *slog.Logger
}

func NewServiceHandler(reg *registry.Registry, logger *slog.Logger) *ServiceHandler {
	return &ServiceHandler{registry: reg, logger: logging.OrDiscard(logger).With("component", "http")}
}

type ServicesOutput struct {
	Body []*model.ServiceMetadata
}

type StatusOutput struct {
	Body *registry.Status
}

type HealthcheckInput struct {
	Service  string `path:"service" doc:"Service name"`
	Disabled bool   `query:"disabled" default:"true" doc:"Whether to disable the health check"`
}

type ServiceOutput struct {
	Body *model.ServiceMetadata
}

func (h *ServiceHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-services",
		Method:      http.MethodGet,
		Path:        "/services",
		Summary:     "List registered services",
		Tags:        []string{"Services"},
	}, func(ctx context.Context, _ *struct{}) (*ServicesOutput, error) {
		services, err := h.registry.ListAll(ctx)
		if err != nil {
			return nil, apiError(h.logger, err)
		}
		if services == nil {
			services = []*model.ServiceMetadata{}
		}
		return &ServicesOutput{Body: services}, nil
	})
	huma.Register(api, huma.Operation{
		OperationID: "service-status",
		Method:      http.MethodGet,
		Path:        "/services/{service}/status",
		Summary:     "Report whether a service backs up and verifies often enough",
		Tags:        []string{"Services"},
	}, func(ctx context.Context, in *ServiceInput) (*StatusOutput, error) {
		st, err := h.registry.Status(ctx, in.Service)
		if err != nil {
			return nil, apiError(h.logger, err)
		}
		return &StatusOutput{Body: st}, nil
	})
	huma.Register(api, huma.Operation{
		OperationID: "set-service-healthcheck",
		Method:      http.MethodPut,
		Path:        "/services/{service}/healthcheck",
		Summary:     "Disable or enable the health check of a service",
		Tags:        []string{"Services"},
	}, func(ctx context.Context, in *HealthcheckInput) (*ServiceOutput, error) {
		s, err := h.registry.DisableHealthcheck(ctx, in.Service, in.Disabled)
		if err != nil {
			return nil, apiError(h.logger, err)
		}
		return &ServiceOutput{Body: s}, nil
	})
}
