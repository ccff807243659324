package forecast

import (
	"context"
	"fmt"
	"sort"
	"time"

	"BookPulse/internal/domain/models"
	"BookPulse/internal/domain/service"
)

// SchedulerConfig holds the retrain cadence.
type SchedulerConfig struct {
	MinHistory      time.Duration // history required before the first training
	UpdateInterval  time.Duration // base interval between refresh+predict ticks
	RetrainInterval time.Duration // base interval between full retrains
	EscalationStep  time.Duration // added to both intervals on each poor fit
	FitThreshold    float64       // fit quality below this is a poor fit
	Horizon         time.Duration // prediction horizon
}

// DefaultSchedulerConfig returns the stock cadence.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MinHistory:      120 * time.Second,
		UpdateInterval:  6 * time.Second,
		RetrainInterval: 120 * time.Second,
		EscalationStep:  60 * time.Second,
		FitThreshold:    0.5,
		Horizon:         60 * time.Second,
	}
}

// TrainJob identifies one full training run handed off the critical path.
type TrainJob struct {
	ID        uint64
	Initial   bool
	StartedAt time.Time
}

// TrainResult is the outcome of a TrainJob.
type TrainResult struct {
	JobID    uint64
	Handle   service.ModelHandle
	Fit      float64
	Err      error
	Duration time.Duration
	// LastSample is the newest sample the model was fitted on. Samples after
	// it reach the model through the next Refresh.
	LastSample time.Time
}

// Outcome classifies a completed training run.
type Outcome int

const (
	OutcomeStale Outcome = iota
	OutcomeGoodFit
	OutcomePoorFit
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeGoodFit:
		return "good_fit"
	case OutcomePoorFit:
		return "poor_fit"
	case OutcomeFailed:
		return "failed"
	default:
		return "stale"
	}
}

// Scheduler is the Untrained -> Training -> Trained state machine that
// decides when to train, refresh and predict. Intervals only ever grow:
// every poor fit or failed training adds EscalationStep to both of them and
// a later good fit does not shrink them back.
type Scheduler struct {
	cfg SchedulerConfig
	f   service.Forecaster

	state      models.ModelState
	model      service.ModelHandle
	trainedAt  time.Time
	fitQuality float64
	reliable   bool

	updateInterval  time.Duration
	retrainInterval time.Duration
	nextUpdateAt    time.Time
	nextRetrainAt   time.Time
	poorFits        int

	jobSeq      uint64
	inflight    uint64 // id of the running job, 0 if none
	refreshed   time.Time
	lastPredict *models.PendingForecast
}

// NewScheduler returns an untrained scheduler driving f.
func NewScheduler(cfg SchedulerConfig, f service.Forecaster) *Scheduler {
	return &Scheduler{
		cfg:             cfg,
		f:               f,
		state:           models.ModelUntrained,
		updateInterval:  cfg.UpdateInterval,
		retrainInterval: cfg.RetrainInterval,
	}
}

// TrainDue reports whether a full training should start now. The first
// training waits for MinHistory of samples; later ones follow the retrain
// interval. Only one training runs at a time.
func (s *Scheduler) TrainDue(now time.Time, history time.Duration) bool {
	if s.inflight != 0 {
		return false
	}
	switch s.state {
	case models.ModelUntrained:
		return history >= s.cfg.MinHistory && !now.Before(s.nextRetrainAt)
	case models.ModelTrained:
		return !now.Before(s.nextRetrainAt)
	default:
		return false
	}
}

// BeginTraining marks a training run as started.
func (s *Scheduler) BeginTraining(now time.Time) TrainJob {
	s.jobSeq++
	s.inflight = s.jobSeq
	job := TrainJob{ID: s.jobSeq, Initial: s.state == models.ModelUntrained, StartedAt: now}
	if job.Initial {
		s.state = models.ModelTraining
	}
	return job
}

// RunTraining fits a model on samples. It touches no scheduler state and
// is meant to run on its own goroutine against a private copy of samples.
func RunTraining(ctx context.Context, f service.Forecaster, job TrainJob, samples []models.Sample) TrainResult {
	start := time.Now()
	h, err := f.Train(ctx, samples)
	res := TrainResult{JobID: job.ID, Handle: h, Err: err}
	if n := len(samples); n > 0 {
		res.LastSample = samples[n-1].Time
	}
	if err == nil {
		res.Fit = f.FitQuality(h)
	}
	res.Duration = time.Since(start)
	return res
}

// CompleteTraining applies a finished run. Results from a job that is no
// longer current are ignored.
func (s *Scheduler) CompleteTraining(now time.Time, res TrainResult) Outcome {
	if res.JobID == 0 || res.JobID != s.inflight {
		return OutcomeStale
	}
	s.inflight = 0

	if res.Err != nil {
		if s.state == models.ModelTraining {
			s.state = models.ModelUntrained
		}
		s.escalate()
		s.nextRetrainAt = now.Add(s.retrainInterval)
		return OutcomeFailed
	}

	s.model = res.Handle
	s.trainedAt = now
	s.fitQuality = res.Fit
	s.state = models.ModelTrained
	s.refreshed = res.LastSample

	outcome := OutcomeGoodFit
	if res.Fit < s.cfg.FitThreshold {
		s.escalate()
		outcome = OutcomePoorFit
	} else {
		s.poorFits = 0
		s.reliable = true
	}
	s.nextUpdateAt = now.Add(s.updateInterval)
	s.nextRetrainAt = now.Add(s.retrainInterval)
	return outcome
}

func (s *Scheduler) escalate() {
	s.poorFits++
	s.reliable = false
	s.updateInterval += s.cfg.EscalationStep
	s.retrainInterval += s.cfg.EscalationStep
}

// Abort forgets an in-flight job, e.g. on shutdown.
func (s *Scheduler) Abort() {
	s.inflight = 0
	if s.state == models.ModelTraining {
		s.state = models.ModelUntrained
	}
}

// UpdateDue reports whether a refresh+predict tick should run now.
func (s *Scheduler) UpdateDue(now time.Time) bool {
	return s.state == models.ModelTrained && !now.Before(s.nextUpdateAt)
}

// Update refreshes the model with samples newer than the last refresh and
// issues a prediction for now+Horizon. The next update is scheduled even
// when the model call fails.
func (s *Scheduler) Update(ctx context.Context, now time.Time, samples []models.Sample) (models.PendingForecast, error) {
	if s.state != models.ModelTrained {
		return models.PendingForecast{}, fmt.Errorf("update in state %s", s.state)
	}
	s.nextUpdateAt = now.Add(s.updateInterval)

	i := sort.Search(len(samples), func(i int) bool { return samples[i].Time.After(s.refreshed) })
	if fresh := samples[i:]; len(fresh) > 0 {
		h, err := s.f.Refresh(ctx, s.model, fresh)
		if err != nil {
			return models.PendingForecast{}, fmt.Errorf("refresh: %w", err)
		}
		s.model = h
		s.refreshed = fresh[len(fresh)-1].Time
	}

	v, err := s.f.Predict(ctx, s.model, s.cfg.Horizon)
	if err != nil {
		return models.PendingForecast{}, fmt.Errorf("predict: %w", err)
	}
	p := models.PendingForecast{IssuedAt: now, TargetTime: now.Add(s.cfg.Horizon), Value: v}
	s.lastPredict = &p
	return p, nil
}

// LatestForecast returns the most recent prediction.
func (s *Scheduler) LatestForecast() (models.PendingForecast, bool) {
	if s.lastPredict == nil || s.state != models.ModelTrained {
		return models.PendingForecast{}, false
	}
	return *s.lastPredict, true
}

func (s *Scheduler) State() models.ModelState       { return s.state }
func (s *Scheduler) Reliable() bool                 { return s.state == models.ModelTrained && s.reliable }
func (s *Scheduler) UpdateInterval() time.Duration  { return s.updateInterval }
func (s *Scheduler) RetrainInterval() time.Duration { return s.retrainInterval }
func (s *Scheduler) ConsecutivePoorFits() int       { return s.poorFits }
func (s *Scheduler) NextUpdateAt() time.Time        { return s.nextUpdateAt }
func (s *Scheduler) NextRetrainAt() time.Time       { return s.nextRetrainAt }
func (s *Scheduler) Training() bool                 { return s.inflight != 0 }
func (s *Scheduler) Horizon() time.Duration         { return s.cfg.Horizon }
func (s *Scheduler) Forecaster() service.Forecaster { return s.f }

// Status summarizes the scheduler for reports.
func (s *Scheduler) Status() models.ModelStatus {
	st := models.ModelStatus{
		State:               s.state,
		Reliable:            s.Reliable(),
		UpdateInterval:      s.updateInterval,
		RetrainInterval:     s.retrainInterval,
		UpdateSeconds:       s.updateInterval.Seconds(),
		RetrainSeconds:      s.retrainInterval.Seconds(),
		ConsecutivePoorFits: s.poorFits,
	}
	if s.state == models.ModelTrained {
		trainedAt, fit := s.trainedAt, s.fitQuality
		nu, nr := s.nextUpdateAt, s.nextRetrainAt
		st.TrainedAt, st.FitQuality = &trainedAt, &fit
		st.NextUpdateAt, st.NextFullRetrainAt = &nu, &nr
	}
	return st
}
