package detections

import (
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/manuroe/gagne-ton-papa/frames"
	"github.com/manuroe/gagne-ton-papa/inference"
	"github.com/manuroe/gagne-ton-papa/models"
)

var fillColor = color.NRGBA{R: FillGray, G: FillGray, B: FillGray, A: 255}

// NewLetterbox computes the uniform scale and centering offsets that fit a
// width x height frame into a size x size square.
func NewLetterbox(width, height, size int) (models.Letterbox, error) {
	if width <= 0 || height <= 0 {
		return models.Letterbox{}, errors.Wrapf(frames.ErrInvalidFrame, "frame is %dx%d", width, height)
	}
	if size <= 0 {
		return models.Letterbox{}, errors.Errorf("invalid input size %d", size)
	}
	s := float64(size)
	scale := math.Min(s/float64(width), s/float64(height))
	return models.Letterbox{
		Size:    size,
		Scale:   scale,
		OffsetX: (s - float64(width)*scale) / 2,
		OffsetY: (s - float64(height)*scale) / 2,
	}, nil
}

// Preprocessor turns frames into letterboxed, channel-planar model input.
// It is safe for concurrent use.
type Preprocessor struct {
	size       int
	numWorkers int
	bufferPool *sync.Pool
}

func NewPreprocessor(size int) *Preprocessor {
	if size <= 0 {
		size = InputSize
	}
	n := 3 * size * size
	return &Preprocessor{
		size:       size,
		numWorkers: runtime.GOMAXPROCS(0),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				buf := make([]float32, n)
				return &buf
			},
		},
	}
}

// Size is the side of the square model input.
func (p *Preprocessor) Size() int { return p.size }

// Preprocess letterboxes img onto a gray canvas and returns a [1,3,S,S]
// tensor normalized to [0,1], together with the transform it applied.
// The tensor's buffer may be handed back with Release once the engine has
// consumed it.
func (p *Preprocessor) Preprocess(img image.Image) (inference.Tensor, models.Letterbox, error) {
	if img == nil {
		return inference.Tensor{}, models.Letterbox{}, errors.Wrap(frames.ErrInvalidFrame, "nil image")
	}
	b := img.Bounds()
	lb, err := NewLetterbox(b.Dx(), b.Dy(), p.size)
	if err != nil {
		return inference.Tensor{}, models.Letterbox{}, err
	}

	canvas := p.letterbox(img, lb)

	buf := p.bufferPool.Get().(*[]float32)
	p.toPlanar(canvas, *buf)

	s := int64(p.size)
	return inference.Tensor{Shape: []int64{1, 3, s, s}, Data: *buf}, lb, nil
}

// Release returns a tensor buffer obtained from Preprocess to the pool.
func (p *Preprocessor) Release(t inference.Tensor) {
	if len(t.Data) != 3*p.size*p.size {
		return
	}
	data := t.Data
	p.bufferPool.Put(&data)
}

func (p *Preprocessor) letterbox(img image.Image, lb models.Letterbox) *image.NRGBA {
	b := img.Bounds()
	w := clampSide(math.Round(float64(b.Dx())*lb.Scale), p.size)
	h := clampSide(math.Round(float64(b.Dy())*lb.Scale), p.size)

	canvas := imaging.New(p.size, p.size, fillColor)
	resized := imaging.Resize(img, w, h, imaging.Linear)
	at := image.Pt(int(math.Round(lb.OffsetX)), int(math.Round(lb.OffsetY)))
	// Composite so transparent pixels keep the gray fill.
	return imaging.Overlay(canvas, resized, at, 1.0)
}

func clampSide(v float64, size int) int {
	n := int(v)
	if n < 1 {
		return 1
	}
	if n > size {
		return size
	}
	return n
}
