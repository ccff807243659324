package models

import (
	"fmt"
	"time"
)

// ModelState is the lifecycle state of the forecasting model.
type ModelState int

const (
	ModelUntrained ModelState = iota
	ModelTraining
	ModelTrained
)

func (s ModelState) String() string {
	switch s {
	case ModelUntrained:
		return "untrained"
	case ModelTraining:
		return "training"
	case ModelTrained:
		return "trained"
	default:
		return "unknown"
	}
}

// MarshalText lets the state render as a string in JSON.
func (s ModelState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ModelState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "untrained":
		*s = ModelUntrained
	case "training":
		*s = ModelTraining
	case "trained":
		*s = ModelTrained
	default:
		return fmt.Errorf("unknown model state %q", b)
	}
	return nil
}

// PendingForecast is a prediction waiting for its target time.
type PendingForecast struct {
	IssuedAt   time.Time `json:"issued_at"`
	TargetTime time.Time `json:"target_time"`
	Value      float64   `json:"value"`
}

// ErrorRecord is a resolved prediction.
type ErrorRecord struct {
	ResolvedAt    time.Time `json:"resolved_at"`
	AbsoluteError float64   `json:"absolute_error"`
}

// ModelStatus describes the scheduler for reports and the API.
type ModelStatus struct {
	State               ModelState    `json:"state"`
	TrainedAt           *time.Time    `json:"trained_at,omitempty"`
	FitQuality          *float64      `json:"fit_quality,omitempty"`
	Reliable            bool          `json:"reliable"`
	UpdateInterval      time.Duration `json:"-"`
	RetrainInterval     time.Duration `json:"-"`
	UpdateSeconds       float64       `json:"update_interval_seconds"`
	RetrainSeconds      float64       `json:"full_retrain_interval_seconds"`
	NextUpdateAt        *time.Time    `json:"next_update_at,omitempty"`
	NextFullRetrainAt   *time.Time    `json:"next_full_retrain_at,omitempty"`
	ConsecutivePoorFits int           `json:"consecutive_poor_fits"`
	Pending             int           `json:"pending_forecasts"`
}
