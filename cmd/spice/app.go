package main

import (
	"context"
	"fmt"

	"github.com/Veraticus/the-spice-must-learn/internal/anomaly"
	"github.com/Veraticus/the-spice-must-learn/internal/artifact"
	"github.com/Veraticus/the-spice-must-learn/internal/classifier"
	"github.com/Veraticus/the-spice-must-learn/internal/config"
	"github.com/Veraticus/the-spice-must-learn/internal/ledger"
	"github.com/Veraticus/the-spice-must-learn/internal/serving"
	"github.com/Veraticus/the-spice-must-learn/internal/storage"
	"github.com/Veraticus/the-spice-must-learn/internal/trainer"
)

// appConfig is loaded by the root command before any subcommand runs.
var appConfig *config.Config

// app bundles what a command needs. Close releases the database.
type app struct {
	cfg *config.Config
	db  *storage.SQLiteStorage
}

func newApp(ctx context.Context) (*app, error) {
	if appConfig == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	db, err := storage.Open(ctx, appConfig.Storage.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &app{cfg: appConfig, db: db}, nil
}

func (a *app) Close() {
	_ = a.db.Close()
}

func (a *app) store(purpose string) (*artifact.Store, error) {
	return artifact.NewStore(a.cfg.Models.Dir, purpose)
}

// ledger returns the configured seen-hash backend for purpose.
func (a *app) ledger(purpose string) ledger.Ledger {
	if a.cfg.Ledger.Backend == "sqlite" {
		return a.db.Ledger(purpose)
	}
	return ledger.NewFileLedger(a.cfg.LedgerPath(purpose))
}

// purpose maps the --anomaly switch used by shared subcommands to a purpose name.
func (a *app) purpose(anomalyModel bool) string {
	if anomalyModel {
		return a.cfg.Models.AnomalyName
	}
	return a.cfg.Models.CategoryName
}

func (a *app) trainerOptions() trainer.Options {
	return trainer.Options{
		Classifier: classifier.Options{
			Alpha:  a.cfg.Training.Alpha,
			Eta0:   a.cfg.Training.Eta0,
			Epochs: a.cfg.Training.Epochs,
			Seed:   a.cfg.Training.RandomSeed,
		},
		Buckets:   a.cfg.Features.Buckets,
		BatchSize: a.cfg.Training.BatchSize,
		TestSize:  a.cfg.Training.TestSize,
	}
}

func (a *app) anomalyOptions() trainer.AnomalyOptions {
	return trainer.AnomalyOptions{
		Detector: a.cfg.Anomaly.Detector,
		Anomaly: anomaly.Options{
			Dims:          a.cfg.Features.FoldDims,
			Contamination: a.cfg.Anomaly.Contamination,
			Trees:         a.cfg.Anomaly.Trees,
			SampleSize:    a.cfg.Anomaly.SampleSize,
			Seed:          a.cfg.Training.RandomSeed,
		},
		Buckets: a.cfg.Features.Buckets,
	}
}

// cache builds a serving cache for purpose and loads the current model.
func (a *app) cache(ctx context.Context, purpose string) (*serving.Cache, error) {
	s, err := a.store(purpose)
	if err != nil {
		return nil, err
	}
	c := serving.NewCache(s, serving.Options{
		Threshold: a.cfg.Anomaly.Threshold,
		TopK:      a.cfg.Serving.TopK,
		Repair:    true,
	})
	if _, err := c.MaybeReload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}
