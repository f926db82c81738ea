package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/banshee-data/pace.report/internal/pace"
	"github.com/banshee-data/pace.report/internal/pace/jobs"
)

// TrainKind selects what a training job fits.
type TrainKind string

const (
	TrainParametersOnly TrainKind = "parameters"
	TrainResidualOnly   TrainKind = "residual"
	// TrainAll fits every tier the user is eligible for, Tier 2 first so
	// that Tier 3 learns against the fresh parameters.
	TrainAll TrainKind = "all"
)

// ParseTrainKind accepts the names above, case-insensitively.
func ParseTrainKind(s string) (TrainKind, error) {
	switch k := TrainKind(strings.ToLower(strings.TrimSpace(s))); k {
	case TrainParametersOnly, TrainResidualOnly, TrainAll:
		return k, nil
	case "":
		return TrainAll, nil
	default:
		return "", fmt.Errorf("%w: unknown training kind %q", pace.ErrInvalidParameters, s)
	}
}

// StartTraining queues a training job for userID and returns its id. It
// fails with jobs.ErrJobInFlight while the user already has a job queued
// or running.
func (e *Engine) StartTraining(userID string, kind TrainKind) (string, error) {
	kind, err := ParseTrainKind(string(kind))
	if err != nil {
		return "", err
	}
	return e.runner.Submit(userID, func(ctx context.Context, report jobs.Reporter) (string, error) {
		return e.train(ctx, userID, kind, report)
	})
}

// Train runs a training job synchronously and returns its summary. Like
// StartTraining it fails with jobs.ErrJobInFlight while the user already
// has a job queued or running.
func (e *Engine) Train(ctx context.Context, userID string, kind TrainKind) (string, error) {
	kind, err := ParseTrainKind(string(kind))
	if err != nil {
		return "", err
	}
	release, err := e.runner.Acquire(userID)
	if err != nil {
		return "", err
	}
	defer release()
	return e.train(ctx, userID, kind, func(string, int) {})
}

func (e *Engine) train(ctx context.Context, userID string, kind TrainKind, report jobs.Reporter) (string, error) {
	report("checking eligibility", 5)
	status := e.orch.Status(ctx, userID)
	n := status.ActivityCount

	var done []string
	if kind == TrainParametersOnly || kind == TrainAll {
		switch {
		case e.learner.ShouldTrain(n):
			report("training tier 2 parameters", 20)
			p, err := e.trainParameters(ctx, userID)
			if err != nil {
				return "", fmt.Errorf("tier 2: %w", err)
			}
			done = append(done, fmt.Sprintf("tier 2 (mae %.4f, %s confidence)", p.OptimizationScore, p.Confidence))
		case kind == TrainParametersOnly:
			return "", fmt.Errorf("tier 2: %w: %d of %d activities", pace.ErrInsufficientData, n, e.cfg.Params.MinActivities)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if kind == TrainResidualOnly || kind == TrainAll {
		switch {
		case e.trainer.ShouldTrain(n):
			report("training tier 3 residual model", 60)
			m, err := e.trainResidualModel(ctx, userID)
			if err != nil {
				return "", fmt.Errorf("tier 3: %w", err)
			}
			done = append(done, fmt.Sprintf("tier 3 (validation mae %.4f, %s confidence)", m.Validation.MAE, m.Confidence))
		case kind == TrainResidualOnly:
			return "", fmt.Errorf("tier 3: %w: %d of %d activities", pace.ErrInsufficientData, n, e.cfg.Tier.Residual.MinActivities)
		}
	}

	if len(done) == 0 {
		return "", fmt.Errorf("%w: %s", pace.ErrInsufficientData, status.Message)
	}
	return "trained " + strings.Join(done, ", "), nil
}
