package detections

import (
	"math"
	"runtime"
	"sync"

	"github.com/pkg/errors"

	"github.com/manuroe/gagne-ton-papa/frames"
	"github.com/manuroe/gagne-ton-papa/inference"
	"github.com/manuroe/gagne-ton-papa/models"
)

// Layout is the arrangement of a detection output tensor. It is resolved
// once per cycle from the tensor shape.
type Layout int

const (
	LayoutUnknown Layout = iota
	// LayoutDenseGrid is [1, 4+C, N]: box center and size rows, then one
	// confidence row per class.
	LayoutDenseGrid
	// LayoutPrefiltered is [1, M, 6]: rows of x1, y1, x2, y2, confidence,
	// class in letterboxed coordinates.
	LayoutPrefiltered
)

func (l Layout) String() string {
	switch l {
	case LayoutDenseGrid:
		return "dense_grid"
	case LayoutPrefiltered:
		return "prefiltered"
	default:
		return "unknown"
	}
}

const prefilteredCols = 6

// DetectLayout classifies an output shape. A [1, 6, N] shape is read as a
// dense grid when numClasses is 2. A dense shape with more class rows than
// numClasses (a detector exported with 80 classes) is still a dense grid; only
// the first numClasses rows are read. With numClasses <= 0 the class count is
// inferred from a dense shape.
func DetectLayout(shape []int64, numClasses int) Layout {
	if len(shape) != 3 || shape[0] != 1 {
		return LayoutUnknown
	}
	rows, cols := shape[1], shape[2]
	if rows <= 0 || cols <= 0 {
		return LayoutUnknown
	}
	switch {
	case numClasses > 0 && rows == int64(4+numClasses):
		return LayoutDenseGrid
	case cols == prefilteredCols:
		return LayoutPrefiltered
	case numClasses > 0 && rows > int64(4+numClasses):
		return LayoutDenseGrid
	case numClasses <= 0 && rows > 4:
		return LayoutDenseGrid
	}
	return LayoutUnknown
}

// DecodeOptions tunes Decode.
type DecodeOptions struct {
	NumClasses    int
	ConfThreshold float32
}

// DefaultDecodeOptions returns the options for the trained piece detector.
func DefaultDecodeOptions(numClasses int) DecodeOptions {
	return DecodeOptions{NumClasses: numClasses, ConfThreshold: ConfThreshold}
}

// Decode turns a raw output tensor into detections in original-frame
// coordinates, undoing lb. Class indices are not checked against any table.
func Decode(out inference.Tensor, lb models.Letterbox, opts DecodeOptions) ([]models.RawDetection, Layout, error) {
	if lb.Scale <= 0 || math.IsNaN(lb.Scale) || math.IsInf(lb.Scale, 0) {
		return nil, LayoutUnknown, errors.Wrapf(frames.ErrInvalidFrame, "letterbox scale %v", lb.Scale)
	}

	layout := DetectLayout(out.Shape, opts.NumClasses)
	if layout == LayoutUnknown {
		return nil, layout, errors.Wrapf(ErrUnknownOutputLayout, "shape %v", out.Shape)
	}
	if n := out.Elements(); n != int64(len(out.Data)) {
		return nil, LayoutUnknown, errors.Wrapf(ErrUnknownOutputLayout,
			"shape %v needs %d values, got %d", out.Shape, n, len(out.Data))
	}

	rows, cols := int(out.Shape[1]), int(out.Shape[2])
	switch layout {
	case LayoutDenseGrid:
		classes := rows - 4
		if opts.NumClasses > 0 && opts.NumClasses < classes {
			classes = opts.NumClasses
		}
		return decodeDense(out.Data, classes, cols, lb, opts.ConfThreshold), layout, nil
	default:
		return decodePrefiltered(out.Data, rows, lb, opts.ConfThreshold), layout, nil
	}
}

const decodeChunkSize = 1024

// decodeDense scans numPredictions grid cells. Large grids are split into
// chunks decoded concurrently; results are concatenated in cell order.
func decodeDense(data []float32, numClasses, numPredictions int, lb models.Letterbox, threshold float32) []models.RawDetection {
	numChunks := (numPredictions + decodeChunkSize - 1) / decodeChunkSize
	if numChunks <= 1 {
		return decodeDenseRange(data, numClasses, numPredictions, 0, numPredictions, lb, threshold)
	}

	chunks := make([][]models.RawDetection, numChunks)
	jobs := make(chan int, numChunks)
	for c := 0; c < numChunks; c++ {
		jobs <- c
	}
	close(jobs)

	numWorkers := runtime.NumCPU()
	if numWorkers > numChunks {
		numWorkers = numChunks
	}

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for c := range jobs {
				start := c * decodeChunkSize
				end := start + decodeChunkSize
				if end > numPredictions {
					end = numPredictions
				}
				chunks[c] = decodeDenseRange(data, numClasses, numPredictions, start, end, lb, threshold)
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]models.RawDetection, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

func decodeDenseRange(data []float32, numClasses, n, start, end int, lb models.Letterbox, threshold float32) []models.RawDetection {
	var out []models.RawDetection
	for i := start; i < end; i++ {
		maxConf := data[4*n+i]
		classID := 0
		for c := 1; c < numClasses; c++ {
			if conf := data[(4+c)*n+i]; conf > maxConf {
				maxConf = conf
				classID = c
			}
		}
		if !(maxConf >= threshold) {
			continue
		}

		cx, cy := float64(data[i]), float64(data[n+i])
		w, h := float64(data[2*n+i]), float64(data[3*n+i])
		x, y := lb.ToFrame(cx-w/2, cy-h/2)
		out = append(out, models.RawDetection{
			ClassID:    classID,
			Confidence: maxConf,
			BBox: models.BBox{
				X:      x,
				Y:      y,
				Width:  w / lb.Scale,
				Height: h / lb.Scale,
			},
		})
	}
	return out
}

func decodePrefiltered(data []float32, numRows int, lb models.Letterbox, threshold float32) []models.RawDetection {
	out := make([]models.RawDetection, 0, numRows)
	for i := 0; i < numRows; i++ {
		row := data[i*prefilteredCols : (i+1)*prefilteredCols]
		conf := row[4]
		if !(conf >= threshold) {
			continue
		}
		x1, y1 := lb.ToFrame(float64(row[0]), float64(row[1]))
		x2, y2 := lb.ToFrame(float64(row[2]), float64(row[3]))
		out = append(out, models.RawDetection{
			ClassID:    int(math.Round(float64(row[5]))),
			Confidence: conf,
			BBox: models.BBox{
				X:      x1,
				Y:      y1,
				Width:  x2 - x1,
				Height: y2 - y1,
			},
		})
	}
	return out
}
