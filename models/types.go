package models

import "time"

// BBox is an axis-aligned box in original-frame pixel coordinates.
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns Width*Height, or 0 when either side is non-positive.
func (b BBox) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// Right is the x coordinate of the box's right edge.
func (b BBox) Right() float64 { return b.X + b.Width }

// Bottom is the y coordinate of the box's bottom edge.
func (b BBox) Bottom() float64 { return b.Y + b.Height }

// RawDetection is a decoded model prediction before piece mapping.
type RawDetection struct {
	ClassID    int     `json:"class_id"`
	Confidence float32 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// Detection is a RawDetection whose class resolved to a catalog piece.
type Detection struct {
	RawDetection
	PieceID int `json:"piece_id"`
}

// Letterbox holds the uniform scale and centering offsets used to fit a
// frame into the square model input.
type Letterbox struct {
	Size    int     `json:"size"`
	Scale   float64 `json:"scale"`
	OffsetX float64 `json:"offset_x"`
	OffsetY float64 `json:"offset_y"`
}

// ToTensor maps a frame coordinate into letterboxed tensor space.
func (l Letterbox) ToTensor(x, y float64) (float64, float64) {
	return x*l.Scale + l.OffsetX, y*l.Scale + l.OffsetY
}

// ToFrame maps a letterboxed tensor coordinate back to the original frame.
func (l Letterbox) ToFrame(x, y float64) (float64, float64) {
	return (x - l.OffsetX) / l.Scale, (y - l.OffsetY) / l.Scale
}

// ProcessingTimings records how long each stage of one cycle took.
type ProcessingTimings struct {
	CycleID    string
	Preprocess time.Duration
	Inference  time.Duration
	Decode     time.Duration
	Suppress   time.Duration
	Map        time.Duration
	Total      time.Duration
}
