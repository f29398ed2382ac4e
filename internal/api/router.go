package api

import (
	httpSwagger "github.com/swaggo/http-swagger"

	_ "github.com/SAP-samples/apm-migration-tools/docs"
	"github.com/SAP-samples/apm-migration-tools/internal/api/handler"
	"github.com/SAP-samples/apm-migration-tools/pkg/router"
)

// RegisterRoutes wires the control API. Specific routes are registered before
// the generic run route.
func RegisterRoutes(r *router.Router, h *handler.Handler) {
	r.POST("/api/v1/runs", h.CreateRun)
	r.GET("/api/v1/runs", h.ListRuns)
	r.GET("/api/v1/runs/*/summary", h.GetRunSummary)
	r.GET("/api/v1/runs/*/errors", h.GetRunErrors)
	r.GET("/api/v1/runs/*/exports", h.GetRunExports)
	r.GET("/api/v1/runs/*/uploads", h.GetRunUploads)
	r.POST("/api/v1/runs/*/uploads/*/resubmit", h.ResubmitUpload)
	r.GET("/api/v1/runs/*", h.GetRun)

	r.Mount("/swagger/", httpSwagger.WrapHandler)
}
