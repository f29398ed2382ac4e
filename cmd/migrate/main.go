package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/SAP-samples/apm-migration-tools/internal/config"
	"github.com/SAP-samples/apm-migration-tools/internal/model"
	"github.com/SAP-samples/apm-migration-tools/internal/pipeline"
	"github.com/SAP-samples/apm-migration-tools/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	groups := flag.String("groups", "", "comma-separated indicator groups (overrides config)")
	startDate := flag.String("start", "", "start date YYYY-MM-DD (overrides config)")
	endDate := flag.String("end", "", "end date YYYY-MM-DD (overrides config)")
	granularity := flag.String("granularity", "", "time slice granularity: YEARS, MONTHS, WEEKS or DAYS (overrides config)")
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

	spec := model.RunSpec{
		StartDate:   *startDate,
		EndDate:     *endDate,
		Granularity: *granularity,
	}
	if *groups != "" {
		spec.IndicatorGroups = strings.Split(*groups, ",")
	}

	runID := uuid.New().String()
	if err := st.SaveRun(runID, spec); err != nil {
		fmt.Printf("❌ Failed to record run: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := p.Run(ctx, runID, spec)
	if err != nil {
		fmt.Printf("❌ Run %s failed: %v\n", runID, err)
		os.Exit(1)
	}

	if summary.Status != "completed" {
		fmt.Printf("⚠️ Run %s finished with status %s\n", runID, summary.Status)
		os.Exit(1)
	}
	fmt.Printf("🎉 Run %s completed\n", runID)
}
