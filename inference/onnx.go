package inference

import (
	"context"
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

// ONNXConfig describes how to build an ONNX Runtime session.
type ONNXConfig struct {
	ModelPath string
	// InputName defaults to the model's first input.
	InputName string
	InputSize int
	// OutputShape replaces model-declared output shapes that contain
	// dynamic dimensions.
	OutputShape    []int64
	IntraOpThreads int
	InterOpThreads int
}

var runtimeMu sync.Mutex

// InitializeRuntime loads the ONNX Runtime shared library once per process.
func InitializeRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrapf(ErrModelUnavailable, "initialize onnxruntime from %s: %v", libPath, err)
	}
	return nil
}

// DestroyRuntime releases the ONNX Runtime environment.
func DestroyRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// ONNXEngine runs a detection model through an ONNX Runtime session with
// pre-allocated input and output tensors. Run calls are serialized.
type ONNXEngine struct {
	mu          sync.Mutex
	session     *ort.AdvancedSession
	input       *ort.Tensor[float32]
	outputs     []*ort.Tensor[float32]
	outputNames []string
	closed      bool
}

// NewONNXEngine loads cfg.ModelPath. Every failure wraps
// ErrModelUnavailable.
func NewONNXEngine(cfg ONNXConfig) (*ONNXEngine, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(ErrModelUnavailable, "model file %s: %v", cfg.ModelPath, err)
	}
	if cfg.InputSize <= 0 {
		return nil, errors.Wrapf(ErrModelUnavailable, "invalid input size %d", cfg.InputSize)
	}

	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, errors.Wrapf(ErrModelUnavailable, "read model info: %v", err)
	}
	if len(inputsInfo) == 0 || len(outputsInfo) == 0 {
		return nil, errors.Wrap(ErrModelUnavailable, "model declares no inputs or outputs")
	}

	inputName := cfg.InputName
	if inputName == "" {
		inputName = inputsInfo[0].Name
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrapf(ErrModelUnavailable, "create session options: %v", err)
	}
	defer options.Destroy()

	intra, inter := cfg.IntraOpThreads, cfg.InterOpThreads
	if intra <= 0 {
		intra = runtime.NumCPU()
	}
	if inter <= 0 {
		inter = 1
	}
	if err := options.SetIntraOpNumThreads(intra); err != nil {
		return nil, errors.Wrapf(ErrModelUnavailable, "set intra-op threads: %v", err)
	}
	if err := options.SetInterOpNumThreads(inter); err != nil {
		return nil, errors.Wrapf(ErrModelUnavailable, "set inter-op threads: %v", err)
	}

	e := &ONNXEngine{}
	size := int64(cfg.InputSize)
	e.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, errors.Wrapf(ErrModelUnavailable, "create input tensor: %v", err)
	}

	for _, info := range outputsInfo {
		if info.DataType != ort.TensorElementDataTypeFloat {
			continue
		}
		shape := resolveShape(info.Dimensions, cfg.OutputShape)
		if shape == nil {
			e.destroy()
			return nil, errors.Wrapf(ErrModelUnavailable,
				"output %s has dynamic shape %v and no output shape is configured", info.Name, info.Dimensions)
		}
		t, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			e.destroy()
			return nil, errors.Wrapf(ErrModelUnavailable, "create output tensor %s: %v", info.Name, err)
		}
		e.outputs = append(e.outputs, t)
		e.outputNames = append(e.outputNames, info.Name)
	}
	if len(e.outputs) == 0 {
		e.destroy()
		return nil, errors.Wrap(ErrModelUnavailable, "model has no float32 outputs")
	}

	outs := make([]ort.ArbitraryTensor, len(e.outputs))
	for i, t := range e.outputs {
		outs[i] = t
	}
	e.session, err = ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{inputName},
		e.outputNames,
		[]ort.ArbitraryTensor{e.input},
		outs,
		options,
	)
	if err != nil {
		e.destroy()
		return nil, errors.Wrapf(ErrModelUnavailable, "create session: %v", err)
	}
	return e, nil
}

func resolveShape(declared ort.Shape, fallback []int64) ort.Shape {
	for _, d := range declared {
		if d <= 0 {
			if len(fallback) == 0 {
				return nil
			}
			return ort.NewShape(fallback...)
		}
	}
	return declared.Clone()
}

// OutputNames lists the bound outputs in model order.
func (e *ONNXEngine) OutputNames() []string {
	return append([]string(nil), e.outputNames...)
}

// Run copies input into the session, executes it and copies every output
// out, so the returned tensors stay valid after the next Run.
func (e *ONNXEngine) Run(ctx context.Context, input Tensor) (*Outputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errors.Wrap(ErrModelUnavailable, "engine closed")
	}
	dst := e.input.GetData()
	if len(input.Data) != len(dst) {
		return nil, errors.Errorf("input has %d values, model expects %d", len(input.Data), len(dst))
	}
	copy(dst, input.Data)

	if err := e.session.Run(); err != nil {
		return nil, errors.Wrap(err, "model inference")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := NewOutputs()
	for i, t := range e.outputs {
		data := make([]float32, len(t.GetData()))
		copy(data, t.GetData())
		out.Set(e.outputNames[i], Tensor{Shape: []int64(t.GetShape().Clone()), Data: data})
	}
	return out, nil
}

// Warmup runs the model once on a zero tensor so the first real cycle does
// not pay for lazy initialization.
func (e *ONNXEngine) Warmup(ctx context.Context) error {
	zero := Tensor{
		Shape: []int64(e.input.GetShape().Clone()),
		Data:  make([]float32, len(e.input.GetData())),
	}
	_, err := e.Run(ctx, zero)
	return err
}

// Close destroys the session and its tensors.
func (e *ONNXEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.destroy()
}

func (e *ONNXEngine) destroy() error {
	var err error
	if e.session != nil {
		err = multierr.Append(err, e.session.Destroy())
	}
	if e.input != nil {
		err = multierr.Append(err, e.input.Destroy())
	}
	for _, t := range e.outputs {
		err = multierr.Append(err, t.Destroy())
	}
	return err
}
