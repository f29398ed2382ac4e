package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/SAP-samples/apm-migration-tools/internal/api"
	"github.com/SAP-samples/apm-migration-tools/internal/api/handler"
	"github.com/SAP-samples/apm-migration-tools/internal/config"
	"github.com/SAP-samples/apm-migration-tools/internal/pipeline"
	"github.com/SAP-samples/apm-migration-tools/internal/store"
	"github.com/SAP-samples/apm-migration-tools/pkg/router"
)

// @title APM Migration API
// @version 1.0
// @description Control API for migrating time-series indicator data into APM.
// @BasePath /api/v1
func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.Migration.DatabasePath)
	if err != nil {
		fmt.Printf("❌ Failed to open status database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	p, err := pipeline.New(cfg, st)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}

	r := router.New()
	api.RegisterRoutes(r, handler.NewHandler(st, p, cfg))
	r.Start(*addr)
}
