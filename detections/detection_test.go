package detections

import (
	"context"
	"image"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"github.com/manuroe/gagne-ton-papa/inference"
	"github.com/manuroe/gagne-ton-papa/metrics"
)

type fakeEngine struct {
	mu      sync.Mutex
	calls   int
	respond func(call int) (*inference.Outputs, error)
}

func (f *fakeEngine) Run(ctx context.Context, input inference.Tensor) (*inference.Outputs, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.respond(call)
}

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func singleOutput(name string, t inference.Tensor) *inference.Outputs {
	out := inference.NewOutputs()
	out.Set(name, t)
	return out
}

func scenarioOutput() inference.Tensor {
	return denseTensor(16, 8, denseCell{index: 3, cx: 320, cy: 320, w: 100, h: 50, classID: 0, conf: 0.9})
}

func TestCycleEndToEnd(t *testing.T) {
	engine := &fakeEngine{respond: func(int) (*inference.Outputs, error) {
		return singleOutput(CanonicalOutput, scenarioOutput()), nil
	}}
	m := metrics.New()
	c := NewCycle(engine, zaptest.NewLogger(t).Sugar(), m)

	res, err := c.Run(context.Background(), "c1", image.NewNRGBA(image.Rect(0, 0, 640, 640)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Layout, test.ShouldEqual, LayoutDenseGrid)
	test.That(t, res.Output, test.ShouldEqual, CanonicalOutput)
	test.That(t, res.Decoded, test.ShouldEqual, 1)
	test.That(t, res.Timings.CycleID, test.ShouldEqual, "c1")
	test.That(t, res.Detections, test.ShouldHaveLength, 1)

	d := res.Detections[0]
	test.That(t, d.PieceID, test.ShouldEqual, 0)
	test.That(t, d.ClassID, test.ShouldEqual, 0)
	test.That(t, d.Confidence, test.ShouldAlmostEqual, float32(0.9), 1e-6)
	test.That(t, d.BBox.X, test.ShouldAlmostEqual, 270.0, 1e-4)
	test.That(t, d.BBox.Y, test.ShouldAlmostEqual, 295.0, 1e-4)
	test.That(t, d.BBox.Width, test.ShouldAlmostEqual, 100.0, 1e-4)
	test.That(t, d.BBox.Height, test.ShouldAlmostEqual, 50.0, 1e-4)
}

func TestCycleFallsBackToFirstOutput(t *testing.T) {
	engine := &fakeEngine{respond: func(int) (*inference.Outputs, error) {
		return singleOutput("detections", scenarioOutput()), nil
	}}
	res, err := NewCycle(engine, nil, nil).Run(context.Background(), "", image.NewNRGBA(image.Rect(0, 0, 640, 640)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Output, test.ShouldEqual, "detections")
	test.That(t, res.Detections, test.ShouldHaveLength, 1)
}

func TestCycleDropsUnmappedClasses(t *testing.T) {
	engine := &fakeEngine{respond: func(int) (*inference.Outputs, error) {
		return singleOutput(CanonicalOutput, inference.Tensor{
			Shape: []int64{1, 1, 6},
			Data:  []float32{10, 10, 50, 50, 0.9, 30},
		}), nil
	}}
	res, err := NewCycle(engine, nil, nil).Run(context.Background(), "", image.NewNRGBA(image.Rect(0, 0, 640, 480)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Layout, test.ShouldEqual, LayoutPrefiltered)
	test.That(t, res.Decoded, test.ShouldEqual, 1)
	test.That(t, res.Detections, test.ShouldBeEmpty)
}

func TestCycleErrorsNameTheStage(t *testing.T) {
	engine := &fakeEngine{respond: func(int) (*inference.Outputs, error) {
		return nil, errors.Wrap(inference.ErrModelUnavailable, "session gone")
	}}
	c := NewCycle(engine, nil, nil)

	_, err := c.Run(context.Background(), "", image.NewNRGBA(image.Rect(0, 0, 64, 48)))
	var perr *ProcessingError
	test.That(t, errors.As(err, &perr), test.ShouldBeTrue)
	test.That(t, perr.Stage, test.ShouldEqual, StageInference)
	test.That(t, errors.Is(err, inference.ErrModelUnavailable), test.ShouldBeTrue)
	test.That(t, errors.Cause(err), test.ShouldEqual, inference.ErrModelUnavailable)

	_, err = c.Run(context.Background(), "", image.NewNRGBA(image.Rect(0, 0, 0, 0)))
	test.That(t, errors.As(err, &perr), test.ShouldBeTrue)
	test.That(t, perr.Stage, test.ShouldEqual, StagePreprocess)

	bad := &fakeEngine{respond: func(int) (*inference.Outputs, error) {
		return singleOutput(CanonicalOutput, inference.Tensor{Shape: []int64{1, 2, 2}, Data: make([]float32, 4)}), nil
	}}
	_, err = NewCycle(bad, nil, nil).Run(context.Background(), "", image.NewNRGBA(image.Rect(0, 0, 64, 48)))
	test.That(t, errors.As(err, &perr), test.ShouldBeTrue)
	test.That(t, perr.Stage, test.ShouldEqual, StageDecode)
	test.That(t, errors.Is(err, ErrUnknownOutputLayout), test.ShouldBeTrue)

	empty := &fakeEngine{respond: func(int) (*inference.Outputs, error) { return inference.NewOutputs(), nil }}
	_, err = NewCycle(empty, nil, nil).Run(context.Background(), "", image.NewNRGBA(image.Rect(0, 0, 64, 48)))
	test.That(t, errors.Is(err, ErrUnknownOutputLayout), test.ShouldBeTrue)
}

func TestProcessImageRetriesTransientFailures(t *testing.T) {
	engine := &fakeEngine{respond: func(call int) (*inference.Outputs, error) {
		if call == 1 {
			return nil, errors.New("resource busy")
		}
		return singleOutput(CanonicalOutput, scenarioOutput()), nil
	}}
	res, err := ProcessImage(context.Background(), image.NewNRGBA(image.Rect(0, 0, 640, 640)), NewCycle(engine, nil, nil), "req")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, engine.Calls(), test.ShouldEqual, 2)
	test.That(t, res.Timings.CycleID, test.ShouldEqual, "req")
}

func TestProcessImageDoesNotRetryDeterministicFailures(t *testing.T) {
	engine := &fakeEngine{respond: func(int) (*inference.Outputs, error) {
		return singleOutput(CanonicalOutput, inference.Tensor{Shape: []int64{1, 2, 2}, Data: make([]float32, 4)}), nil
	}}
	_, err := ProcessImage(context.Background(), image.NewNRGBA(image.Rect(0, 0, 64, 64)), NewCycle(engine, nil, nil), "req")
	test.That(t, errors.Is(err, ErrUnknownOutputLayout), test.ShouldBeTrue)
	test.That(t, engine.Calls(), test.ShouldEqual, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ProcessImage(ctx, image.NewNRGBA(image.Rect(0, 0, 64, 64)), NewCycle(engine, nil, nil), "req")
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

func TestRetryable(t *testing.T) {
	test.That(t, Retryable(nil), test.ShouldBeFalse)
	test.That(t, Retryable(errors.New("flaky")), test.ShouldBeTrue)
	test.That(t, Retryable(stageError(StageInference, context.DeadlineExceeded)), test.ShouldBeFalse)
	test.That(t, Retryable(stageError(StageDecode, ErrUnknownOutputLayout)), test.ShouldBeFalse)
}
