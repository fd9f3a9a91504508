// Package detections implements one detection cycle: letterbox
// preprocessing, model inference, output decoding, per-class non-maximum
// suppression and piece mapping.
package detections

import (
	"context"
	"image"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/manuroe/gagne-ton-papa/frames"
	"github.com/manuroe/gagne-ton-papa/inference"
	"github.com/manuroe/gagne-ton-papa/metrics"
	"github.com/manuroe/gagne-ton-papa/models"
	"github.com/manuroe/gagne-ton-papa/pieces"
)

// Cycle runs Preprocess, Infer, Decode, Suppress and Map in that order.
type Cycle struct {
	Preprocessor *Preprocessor
	Engine       inference.Engine
	// OutputName is the preferred output; the first output is used when the
	// model has none by that name.
	OutputName   string
	Decode       DecodeOptions
	IoUThreshold float64
	Logger       *zap.SugaredLogger
	Metrics      *metrics.Metrics
}

// NewCycle returns a cycle configured for the trained piece detector.
func NewCycle(engine inference.Engine, logger *zap.SugaredLogger, m *metrics.Metrics) *Cycle {
	return &Cycle{
		Preprocessor: NewPreprocessor(InputSize),
		Engine:       engine,
		OutputName:   CanonicalOutput,
		Decode:       DefaultDecodeOptions(pieces.NumClasses),
		IoUThreshold: IoUThreshold,
		Logger:       logger,
		Metrics:      m,
	}
}

// CycleResult is the outcome of one successful cycle.
type CycleResult struct {
	Detections []models.Detection
	// Decoded counts detections before suppression and mapping.
	Decoded   int
	Layout    Layout
	Output    string
	Letterbox models.Letterbox
	Timings   models.ProcessingTimings
}

// Run executes one cycle on img. Failures are *ProcessingError values
// naming the stage; errors.Is still matches the taxonomy sentinels.
func (c *Cycle) Run(ctx context.Context, cycleID string, img image.Image) (*CycleResult, error) {
	startTotal := time.Now()
	res := &CycleResult{Timings: models.ProcessingTimings{CycleID: cycleID}}

	prepStart := time.Now()
	input, lb, err := c.Preprocessor.Preprocess(img)
	if err != nil {
		return nil, stageError(StagePreprocess, err)
	}
	res.Timings.Preprocess = time.Since(prepStart)
	res.Letterbox = lb

	inferStart := time.Now()
	outputs, err := c.Engine.Run(ctx, input)
	c.Preprocessor.Release(input)
	if err != nil {
		return nil, stageError(StageInference, err)
	}
	res.Timings.Inference = time.Since(inferStart)

	decodeStart := time.Now()
	name, out, ok := inference.SelectOutput(outputs, c.OutputName)
	if !ok {
		return nil, stageError(StageDecode, errors.Wrap(ErrUnknownOutputLayout, "model returned no outputs"))
	}
	raw, layout, err := Decode(out, lb, c.Decode)
	if err != nil {
		return nil, stageError(StageDecode, err)
	}
	res.Timings.Decode = time.Since(decodeStart)
	res.Output = name
	res.Layout = layout
	res.Decoded = len(raw)

	suppressStart := time.Now()
	kept := Suppress(raw, c.IoUThreshold)
	res.Timings.Suppress = time.Since(suppressStart)

	mapStart := time.Now()
	res.Detections = pieces.MapDetections(kept)
	res.Timings.Map = time.Since(mapStart)

	res.Timings.Total = time.Since(startTotal)
	c.Metrics.ObserveTimings(res.Timings)
	c.logTimings(res)
	return res, nil
}

func (c *Cycle) logTimings(res *CycleResult) {
	if c.Logger == nil {
		return
	}
	t := res.Timings
	c.Logger.Debugw("detection cycle",
		"cycle", t.CycleID,
		"layout", res.Layout.String(),
		"output", res.Output,
		"decoded", res.Decoded,
		"detections", len(res.Detections),
		"preprocess", t.Preprocess,
		"inference", t.Inference,
		"decode", t.Decode,
		"suppress", t.Suppress,
		"map", t.Map,
		"total", t.Total,
	)
}

// Retryable reports whether running the same frame again could succeed.
// Invalid frames, unrecognized layouts, a missing model and cancellation
// fail the same way every time.
func Retryable(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, frames.ErrInvalidFrame),
		errors.Is(err, ErrUnknownOutputLayout),
		errors.Is(err, inference.ErrModelUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// ProcessImage runs one cycle with retries for one-shot requests.
func ProcessImage(ctx context.Context, img image.Image, c *Cycle, cycleID string) (*CycleResult, error) {
	var lastErr error

	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := c.Run(ctx, cycleID, img)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !Retryable(err) {
			return nil, err
		}

		if attempt < RetryAttempts {
			if c.Logger != nil {
				c.Logger.Debugw("retrying detection", "cycle", cycleID, "attempt", attempt, "error", err)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * RetryDelayMs * time.Millisecond):
			}
		}
	}
	return nil, lastErr
}
