package detections

import (
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/manuroe/gagne-ton-papa/frames"
)

func TestNewLetterbox(t *testing.T) {
	lb, err := NewLetterbox(640, 480, 640)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, lb.Scale, test.ShouldEqual, 1.0)
	test.That(t, lb.OffsetX, test.ShouldEqual, 0.0)
	test.That(t, lb.OffsetY, test.ShouldEqual, 80.0)

	lb, err = NewLetterbox(1920, 1080, 640)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, lb.Scale, test.ShouldAlmostEqual, 1.0/3, 1e-12)
	test.That(t, lb.OffsetX, test.ShouldAlmostEqual, 0.0, 1e-9)
	test.That(t, lb.OffsetY, test.ShouldAlmostEqual, 140.0, 1e-9)

	lb, err = NewLetterbox(100, 400, 640)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, lb.Scale, test.ShouldEqual, 1.6)
	test.That(t, lb.OffsetX, test.ShouldAlmostEqual, 240.0, 1e-9)
	test.That(t, lb.OffsetY, test.ShouldAlmostEqual, 0.0, 1e-9)

	for _, dims := range [][2]int{{0, 480}, {640, 0}, {-1, 10}} {
		_, err = NewLetterbox(dims[0], dims[1], 640)
		test.That(t, errors.Is(err, frames.ErrInvalidFrame), test.ShouldBeTrue)
	}
}

func TestPreprocessLetterboxesOntoGray(t *testing.T) {
	fill := color.NRGBA{R: 200, G: 100, B: 50, A: 255}
	img := imaging.New(2, 1, fill)

	p := NewPreprocessor(8)
	tensor, lb, err := p.Preprocess(img)
	test.That(t, err, test.ShouldBeNil)
	defer p.Release(tensor)

	test.That(t, tensor.Shape, test.ShouldResemble, []int64{1, 3, 8, 8})
	test.That(t, tensor.Data, test.ShouldHaveLength, 3*8*8)
	test.That(t, lb.Scale, test.ShouldEqual, 4.0)
	test.That(t, lb.OffsetY, test.ShouldEqual, 2.0)

	const plane = 64
	at := func(c, x, y int) float32 { return tensor.Data[c*plane+y*8+x] }
	gray := float32(FillGray) / 255

	for _, y := range []int{0, 1, 6, 7} {
		for c := 0; c < 3; c++ {
			test.That(t, at(c, 4, y), test.ShouldAlmostEqual, gray, 1e-6)
		}
	}
	for y := 2; y < 6; y++ {
		test.That(t, at(0, 3, y), test.ShouldAlmostEqual, float32(200)/255, 1e-6)
		test.That(t, at(1, 3, y), test.ShouldAlmostEqual, float32(100)/255, 1e-6)
		test.That(t, at(2, 3, y), test.ShouldAlmostEqual, float32(50)/255, 1e-6)
	}
}

func TestPreprocessTransparentFrameKeepsGray(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))

	p := NewPreprocessor(8)
	tensor, _, err := p.Preprocess(img)
	test.That(t, err, test.ShouldBeNil)
	defer p.Release(tensor)

	gray := float32(FillGray) / 255
	test.That(t, tensor.Data, test.ShouldHaveLength, 3*8*8)
	for _, v := range tensor.Data {
		test.That(t, v, test.ShouldAlmostEqual, gray, 1e-6)
	}
}

func TestPreprocessRejectsEmptyFrames(t *testing.T) {
	p := NewPreprocessor(8)
	_, _, err := p.Preprocess(image.NewNRGBA(image.Rect(0, 0, 0, 10)))
	test.That(t, errors.Is(err, frames.ErrInvalidFrame), test.ShouldBeTrue)

	_, _, err = p.Preprocess(nil)
	test.That(t, errors.Is(err, frames.ErrInvalidFrame), test.ShouldBeTrue)
}

func TestParallelPlanarMatchesSerial(t *testing.T) {
	const size = 16
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}

	serial := &Preprocessor{size: size, numWorkers: 1}
	want := make([]float32, 3*size*size)
	serial.convertRows(img, want, 0, size)
	test.That(t, want[size*size+1], test.ShouldAlmostEqual, float32(img.Pix[5])/255, 1e-6)

	saved := useParallelRows
	useParallelRows = true
	defer func() { useParallelRows = saved }()

	parallel := &Preprocessor{size: size, numWorkers: 3}
	got := make([]float32, 3*size*size)
	parallel.toPlanar(img, got)
	test.That(t, got, test.ShouldResemble, want)
}
