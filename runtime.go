package main

import (
	"context"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/manuroe/gagne-ton-papa/config"
	"github.com/manuroe/gagne-ton-papa/inference"
)

const ortVersion = "1.20.0"

// EnvLibraryPath overrides every other library location.
const EnvLibraryPath = "ONNXRUNTIME_LIB"

// libraryName is the ONNX Runtime shared library file for this OS.
func libraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime." + ortVersion + ".dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so." + ortVersion
	}
}

// libraryCandidates lists where the runtime library is looked for, most
// specific first.
func libraryCandidates(configured string) []string {
	var out []string
	if v := os.Getenv(EnvLibraryPath); v != "" {
		out = append(out, v)
	}
	if configured != "" {
		out = append(out, configured)
	}

	name := libraryName()
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		out = append(out, filepath.Join(dir, "lib", name), filepath.Join(dir, name))
	}
	out = append(out, filepath.Join("lib", name))
	switch runtime.GOOS {
	case "darwin":
		out = append(out, filepath.Join("/opt/homebrew/lib", name), filepath.Join("/usr/local/lib", name))
	case "linux":
		out = append(out, filepath.Join("/usr/local/lib", name), filepath.Join("/usr/lib", name))
	}
	return out
}

// locateLibrary returns the first candidate that exists.
func locateLibrary(configured string) (string, error) {
	candidates := libraryCandidates(configured)
	for _, c := range candidates {
		if st, err := os.Stat(c); err == nil && !st.IsDir() {
			return filepath.Abs(c)
		}
	}
	return "", errors.Wrapf(inference.ErrModelUnavailable, "onnxruntime library %s not found in %v", libraryName(), candidates)
}

// initRuntime loads the ONNX Runtime environment once.
func initRuntime(cfg *config.Config, logger *zap.SugaredLogger) error {
	libPath, err := locateLibrary(cfg.Runtime.LibraryPath)
	if err != nil {
		return err
	}
	if err := inference.InitializeRuntime(libPath); err != nil {
		return err
	}
	logger.Infow("onnxruntime initialized", "library", libPath)
	return nil
}

func onnxConfig(cfg *config.Config) inference.ONNXConfig {
	return inference.ONNXConfig{
		ModelPath:      cfg.Model.Path,
		InputName:      cfg.Model.InputName,
		InputSize:      cfg.Model.InputSize,
		OutputShape:    cfg.Model.OutputShape,
		IntraOpThreads: cfg.Runtime.IntraOpThreads,
		InterOpThreads: cfg.Runtime.InterOpThreads,
	}
}

// engineFactory builds ONNX engines for cfg, warming each one up when the
// configuration asks for it.
func engineFactory(cfg *config.Config) EngineFactory {
	return func() (inference.Engine, error) {
		e, err := inference.NewONNXEngine(onnxConfig(cfg))
		if err != nil {
			return nil, err
		}
		if cfg.Model.Warmup {
			if err := e.Warmup(context.Background()); err != nil {
				_ = e.Close()
				return nil, errors.Wrapf(inference.ErrModelUnavailable, "warmup: %v", err)
			}
		}
		return e, nil
	}
}
