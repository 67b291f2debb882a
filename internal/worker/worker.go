// Package worker is the child side of a retry iteration.
//
// The orchestrator never runs tests itself. For every iteration it writes a
// Plan describing exactly what to run, starts a fresh showflakes process in
// the worker role and waits for it. The worker runs the plan's items once,
// scores the tracked tests on top of the plan's seed record, persists the
// record in one complete write and exits. The record file is the only
// thing handed back.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/randomizedcoder/go-showflakes/internal/engine"
	"github.com/randomizedcoder/go-showflakes/internal/engine/gotest"
	"github.com/randomizedcoder/go-showflakes/internal/record"
)

// Plan is everything a worker needs for one iteration.
type Plan struct {
	SessionID string `json:"session_id"`
	Iteration int    `json:"iteration"`

	// Items is the exact ordered item list to execute.
	Items []string `json:"items"`

	// Seed is the cumulative record at spawn time. The worker adds this
	// run's outcomes to it, so the record it writes is a full replacement
	// for the tracked keys.
	Seed record.Record `json:"seed"`

	// RecordFile is where the worker persists its record.
	RecordFile string `json:"record_file"`

	// Engine carries the prebuilt test binaries.
	Engine gotest.Config `json:"engine"`
}

// Validate checks the fields a worker cannot run without.
func (p *Plan) Validate() error {
	var errs []error
	if p.RecordFile == "" {
		errs = append(errs, errors.New("plan: record_file is required"))
	}
	if len(p.Items) == 0 {
		errs = append(errs, errors.New("plan: items is empty"))
	}
	if len(p.Seed) == 0 {
		errs = append(errs, errors.New("plan: seed record is empty"))
	}
	if !p.Engine.Built() {
		errs = append(errs, errors.New("plan: engine has no test binaries"))
	}
	return errors.Join(errs...)
}

// WritePlan writes p to path as JSON.
func WritePlan(path string, p *Plan) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	return nil
}

// ReadPlan reads and validates a plan file.
func ReadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Run executes the plan's items on eng and persists the record. The
// returned status is the engine's; test failures are not an error. Any
// error means no complete record was written.
func Run(ctx context.Context, plan *Plan, eng engine.Engine, logger *slog.Logger) (int, error) {
	logger = logger.With("session", plan.SessionID, "iteration", plan.Iteration)
	start := time.Now()

	recorder := record.NewRecorder(plan.RecordFile, plan.Seed.Clone(), logger)

	status, err := eng.Run(ctx, plan.Items, recorder)
	if err != nil {
		logger.Error("worker_run_failed", "error", err)
		return status, fmt.Errorf("run tests: %w", err)
	}
	if err := recorder.Err(); err != nil {
		return status, err
	}

	logger.Info("worker_finished",
		"items", len(plan.Items),
		"status", status,
		"duration", time.Since(start),
	)
	return status, nil
}
