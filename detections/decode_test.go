package detections

import (
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/manuroe/gagne-ton-papa/inference"
	"github.com/manuroe/gagne-ton-papa/models"
)

// denseTensor builds a [1, 4+numClasses, n] output with the given cells set.
type denseCell struct {
	index        int
	cx, cy, w, h float32
	classID      int
	conf         float32
}

func denseTensor(numClasses, n int, cells ...denseCell) inference.Tensor {
	rows := 4 + numClasses
	data := make([]float32, rows*n)
	for _, c := range cells {
		data[c.index] = c.cx
		data[n+c.index] = c.cy
		data[2*n+c.index] = c.w
		data[3*n+c.index] = c.h
		data[(4+c.classID)*n+c.index] = c.conf
	}
	return inference.Tensor{Shape: []int64{1, int64(rows), int64(n)}, Data: data}
}

var identity = models.Letterbox{Size: 640, Scale: 1}

func TestDetectLayout(t *testing.T) {
	for _, tc := range []struct {
		shape      []int64
		numClasses int
		want       Layout
	}{
		{[]int64{1, 20, 8400}, 16, LayoutDenseGrid},
		{[]int64{1, 300, 6}, 16, LayoutPrefiltered},
		{[]int64{1, 20, 6}, 16, LayoutDenseGrid},
		{[]int64{1, 6, 8400}, 2, LayoutDenseGrid},
		{[]int64{1, 84, 8400}, 16, LayoutDenseGrid},
		{[]int64{1, 84, 6}, 16, LayoutPrefiltered},
		{[]int64{1, 84, 8400}, 0, LayoutDenseGrid},
		{[]int64{1, 4, 8400}, 0, LayoutUnknown},
		{[]int64{2, 20, 8400}, 16, LayoutUnknown},
		{[]int64{20, 8400}, 16, LayoutUnknown},
		{[]int64{1, 0, 6}, 16, LayoutUnknown},
	} {
		test.That(t, DetectLayout(tc.shape, tc.numClasses), test.ShouldEqual, tc.want)
	}
	test.That(t, LayoutDenseGrid.String(), test.ShouldEqual, "dense_grid")
	test.That(t, LayoutUnknown.String(), test.ShouldEqual, "unknown")
}

func TestDecodeDenseSinglePrediction(t *testing.T) {
	out := denseTensor(16, 3, denseCell{index: 1, cx: 320, cy: 320, w: 100, h: 50, classID: 0, conf: 0.9})

	dets, layout, err := Decode(out, identity, DefaultDecodeOptions(16))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, layout, test.ShouldEqual, LayoutDenseGrid)
	test.That(t, dets, test.ShouldHaveLength, 1)

	d := dets[0]
	test.That(t, d.ClassID, test.ShouldEqual, 0)
	test.That(t, d.Confidence, test.ShouldAlmostEqual, float32(0.9), 1e-6)
	test.That(t, d.BBox.X, test.ShouldAlmostEqual, 270.0, 1e-4)
	test.That(t, d.BBox.Y, test.ShouldAlmostEqual, 295.0, 1e-4)
	test.That(t, d.BBox.Width, test.ShouldAlmostEqual, 100.0, 1e-4)
	test.That(t, d.BBox.Height, test.ShouldAlmostEqual, 50.0, 1e-4)
}

func TestDecodeDenseArgmaxAndThreshold(t *testing.T) {
	out := denseTensor(4, 3,
		denseCell{index: 0, cx: 10, cy: 10, w: 4, h: 4, classID: 1, conf: 0.7},
		denseCell{index: 2, cx: 50, cy: 50, w: 4, h: 4, classID: 2, conf: 0.49},
	)
	// A stronger class 3 score on the same cell wins the argmax.
	out.Data[(4+3)*3+0] = 0.8

	dets, _, err := Decode(out, identity, DefaultDecodeOptions(4))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 1)
	test.That(t, dets[0].ClassID, test.ShouldEqual, 3)
	test.That(t, dets[0].Confidence, test.ShouldAlmostEqual, float32(0.8), 1e-6)
}

func TestDecodeDenseLargeGridKeepsCellOrder(t *testing.T) {
	const n = 3000
	out := denseTensor(16, n,
		denseCell{index: 5, cx: 10, cy: 10, w: 2, h: 2, classID: 1, conf: 0.6},
		denseCell{index: 1500, cx: 20, cy: 20, w: 2, h: 2, classID: 2, conf: 0.7},
		denseCell{index: n - 1, cx: 30, cy: 30, w: 2, h: 2, classID: 3, conf: 0.8},
	)
	dets, _, err := Decode(out, identity, DefaultDecodeOptions(16))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 3)
	test.That(t, dets[0].ClassID, test.ShouldEqual, 1)
	test.That(t, dets[1].ClassID, test.ShouldEqual, 2)
	test.That(t, dets[2].ClassID, test.ShouldEqual, 3)
}

func TestDecodeWideGridReadsTrainedClassesOnly(t *testing.T) {
	out := denseTensor(80, 3,
		denseCell{index: 0, cx: 50, cy: 50, w: 10, h: 10, classID: 40, conf: 0.99},
		denseCell{index: 1, cx: 320, cy: 320, w: 100, h: 50, classID: 15, conf: 0.8},
	)
	test.That(t, out.Shape, test.ShouldResemble, []int64{1, 84, 3})

	dets, layout, err := Decode(out, identity, DefaultDecodeOptions(16))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, layout, test.ShouldEqual, LayoutDenseGrid)
	test.That(t, dets, test.ShouldHaveLength, 1)
	test.That(t, dets[0].ClassID, test.ShouldEqual, 15)
	test.That(t, dets[0].BBox.X, test.ShouldAlmostEqual, 270.0, 1e-4)
}

func TestDecodePrefiltered(t *testing.T) {
	lb := models.Letterbox{Size: 640, Scale: 0.5, OffsetY: 80}
	out := inference.Tensor{
		Shape: []int64{1, 3, 6},
		Data: []float32{
			100, 180, 300, 280, 0.8, 2.6,
			0, 0, 10, 10, 0.3, 1,
			0, 80, 20, 100, 0.95, 40,
		},
	}
	dets, layout, err := Decode(out, lb, DefaultDecodeOptions(16))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, layout, test.ShouldEqual, LayoutPrefiltered)
	test.That(t, dets, test.ShouldHaveLength, 2)

	test.That(t, dets[0].ClassID, test.ShouldEqual, 3)
	test.That(t, dets[0].BBox, test.ShouldResemble, models.BBox{X: 200, Y: 200, Width: 400, Height: 200})

	// Classes outside the table survive decoding.
	test.That(t, dets[1].ClassID, test.ShouldEqual, 40)
}

func TestDecodeRejectsUnknownLayouts(t *testing.T) {
	_, layout, err := Decode(inference.Tensor{Shape: []int64{1, 3, 10}, Data: make([]float32, 30)}, identity, DefaultDecodeOptions(16))
	test.That(t, layout, test.ShouldEqual, LayoutUnknown)
	test.That(t, errors.Is(err, ErrUnknownOutputLayout), test.ShouldBeTrue)

	_, _, err = Decode(inference.Tensor{Shape: []int64{1, 20, 10}, Data: make([]float32, 199)}, identity, DefaultDecodeOptions(16))
	test.That(t, errors.Is(err, ErrUnknownOutputLayout), test.ShouldBeTrue)

	_, _, err = Decode(denseTensor(16, 1), models.Letterbox{}, DefaultDecodeOptions(16))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLetterboxRoundTrip(t *testing.T) {
	boxes := []models.BBox{
		{X: 0, Y: 0, Width: 10, Height: 10},
		{X: 123.5, Y: 77.25, Width: 200, Height: 31},
		{X: 300, Y: 200, Width: 1, Height: 250},
	}
	for _, dims := range [][2]int{{640, 480}, {1920, 1080}, {480, 640}, {333, 1000}, {640, 640}, {4000, 3000}} {
		lb, err := NewLetterbox(dims[0], dims[1], InputSize)
		test.That(t, err, test.ShouldBeNil)

		for _, b := range boxes {
			tx, ty := lb.ToTensor(b.X, b.Y)
			fx, fy := lb.ToFrame(tx, ty)
			test.That(t, fx, test.ShouldAlmostEqual, b.X, 1e-9)
			test.That(t, fy, test.ShouldAlmostEqual, b.Y, 1e-9)

			tw, th := b.Width*lb.Scale, b.Height*lb.Scale
			out := denseTensor(16, 1, denseCell{
				cx: float32(tx + tw/2), cy: float32(ty + th/2),
				w: float32(tw), h: float32(th),
				classID: 7, conf: 0.99,
			})
			dets, _, err := Decode(out, lb, DefaultDecodeOptions(16))
			test.That(t, err, test.ShouldBeNil)
			test.That(t, dets, test.ShouldHaveLength, 1)

			got := dets[0].BBox
			tol := 1e-3 / lb.Scale
			test.That(t, got.X, test.ShouldAlmostEqual, b.X, tol)
			test.That(t, got.Y, test.ShouldAlmostEqual, b.Y, tol)
			test.That(t, got.Width, test.ShouldAlmostEqual, b.Width, tol)
			test.That(t, got.Height, test.ShouldAlmostEqual, b.Height, tol)
		}
	}
}
