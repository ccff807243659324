package service

import (
	"context"
	"time"

	"BookPulse/internal/domain/models"
)

// ModelHandle is an opaque trained model owned by a Forecaster. Handles are
// treated as immutable: Refresh returns a new handle.
type ModelHandle interface{}

// Forecaster is the pluggable short-horizon price model.
type Forecaster interface {
	// Train fits a model from scratch on samples (oldest first).
	Train(ctx context.Context, samples []models.Sample) (ModelHandle, error)
	// Refresh advances a model with newer samples without re-estimating it.
	Refresh(ctx context.Context, h ModelHandle, samples []models.Sample) (ModelHandle, error)
	// Predict returns the expected mid price horizon after the model's last sample.
	Predict(ctx context.Context, h ModelHandle, horizon time.Duration) (float64, error)
	// FitQuality scores the in-sample fit; higher is better.
	FitQuality(h ModelHandle) float64
}
