package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"BookPulse/internal/domain/models"
	"BookPulse/internal/domain/service"
	xhttp "BookPulse/pkg/http"
)

// httpBase centralizes client construction and JSON POSTs against the
// model service.
type httpBase struct {
	baseURL  string
	client   *xhttp.Client
	attempts int
}

// PostJSON posts payload to path under baseURL and decodes JSON into dest.
func (b *httpBase) PostJSON(ctx context.Context, path string, payload interface{}, dest interface{}) error {
	if b.client == nil || b.baseURL == "" {
		return fmt.Errorf("forecast http client not initialized")
	}
	err := b.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodPost,
		URL:    b.baseURL + path,
		Body:   payload,
	}, dest)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	return nil
}

// PostJSONWithRetry retries transient failures with a linear backoff.
func (b *httpBase) PostJSONWithRetry(ctx context.Context, path string, payload interface{}, dest interface{}) error {
	if b.attempts <= 1 {
		return b.PostJSON(ctx, path, payload, dest)
	}
	var err error
	for i := 1; i <= b.attempts; i++ {
		err = b.PostJSON(ctx, path, payload, dest)
		if err == nil {
			return nil
		}
		var se *xhttp.StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return err
		}
		select {
		case <-time.After(time.Duration(i) * 50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// RemoteForecaster delegates the model to an external service speaking
// JSON over HTTP: POST /forecast/train, /forecast/refresh, /forecast/predict.
type RemoteForecaster struct {
	base      *httpBase
	productID string
}

// NewRemoteForecaster builds a client for the model service at baseURL.
func NewRemoteForecaster(baseURL, productID string, timeout time.Duration, attempts int) *RemoteForecaster {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &RemoteForecaster{
		base: &httpBase{
			baseURL:  baseURL,
			client:   xhttp.NewClient(xhttp.WithTimeout(timeout)),
			attempts: attempts,
		},
		productID: productID,
	}
}

type remoteModel struct {
	ID  string
	Fit float64
}

type samplePayload struct {
	T   int64   `json:"t"` // unix ms
	Mid float64 `json:"mid"`
}

type trainReq struct {
	ProductID string          `json:"product_id"`
	Samples   []samplePayload `json:"samples"`
}

type refreshReq struct {
	ModelID string          `json:"model_id"`
	Samples []samplePayload `json:"samples"`
}

type modelResp struct {
	ModelID    string  `json:"model_id"`
	FitQuality float64 `json:"fit_quality"`
	Error      string  `json:"error,omitempty"`
}

type predictReq struct {
	ModelID        string  `json:"model_id"`
	HorizonSeconds float64 `json:"horizon_seconds"`
}

type predictResp struct {
	Value float64 `json:"value"`
	Error string  `json:"error,omitempty"`
}

func toPayload(samples []models.Sample) []samplePayload {
	out := make([]samplePayload, len(samples))
	for i, s := range samples {
		out[i] = samplePayload{T: s.Time.UnixMilli(), Mid: s.Mid}
	}
	return out
}

// Train uploads samples and returns the remote model id as the handle.
func (r *RemoteForecaster) Train(ctx context.Context, samples []models.Sample) (service.ModelHandle, error) {
	var resp modelResp
	if err := r.base.PostJSONWithRetry(ctx, "/forecast/train", trainReq{ProductID: r.productID, Samples: toPayload(samples)}, &resp); err != nil {
		return nil, fmt.Errorf("remote train: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("remote train: %s", resp.Error)
	}
	if resp.ModelID == "" {
		return nil, fmt.Errorf("remote train: empty model id")
	}
	return &remoteModel{ID: resp.ModelID, Fit: resp.FitQuality}, nil
}

// Refresh pushes newer samples to an existing remote model.
func (r *RemoteForecaster) Refresh(ctx context.Context, h service.ModelHandle, samples []models.Sample) (service.ModelHandle, error) {
	m, ok := h.(*remoteModel)
	if !ok || m == nil {
		return nil, ErrUnknownModel
	}
	var resp modelResp
	if err := r.base.PostJSONWithRetry(ctx, "/forecast/refresh", refreshReq{ModelID: m.ID, Samples: toPayload(samples)}, &resp); err != nil {
		return nil, fmt.Errorf("remote refresh: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("remote refresh: %s", resp.Error)
	}
	next := &remoteModel{ID: m.ID, Fit: m.Fit}
	if resp.ModelID != "" {
		next.ID = resp.ModelID
	}
	return next, nil
}

// Predict asks the remote model for the value horizon ahead.
func (r *RemoteForecaster) Predict(ctx context.Context, h service.ModelHandle, horizon time.Duration) (float64, error) {
	m, ok := h.(*remoteModel)
	if !ok || m == nil {
		return 0, ErrUnknownModel
	}
	var resp predictResp
	if err := r.base.PostJSONWithRetry(ctx, "/forecast/predict", predictReq{ModelID: m.ID, HorizonSeconds: horizon.Seconds()}, &resp); err != nil {
		return 0, fmt.Errorf("remote predict: %w", err)
	}
	if resp.Error != "" {
		return 0, fmt.Errorf("remote predict: %s", resp.Error)
	}
	return resp.Value, nil
}

// FitQuality returns the score reported at training time.
func (r *RemoteForecaster) FitQuality(h service.ModelHandle) float64 {
	m, ok := h.(*remoteModel)
	if !ok || m == nil {
		return math.Inf(-1)
	}
	return m.Fit
}

var _ service.Forecaster = (*RemoteForecaster)(nil)
