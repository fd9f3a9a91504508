// Package frames defines the frame source boundary of the detection
// pipeline and provides still-image and directory replay sources.
//
// A live camera driver is out of scope; anything that can produce
// fixed-resolution image.Image snapshots can implement Source.
package frames

import (
	"context"
	"image"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrCameraUnavailable is terminal for a detection session: the source
	// could not be acquired (missing device, permission denied, no files).
	ErrCameraUnavailable = errors.New("camera unavailable")

	// ErrInvalidFrame marks a frame that cannot be processed. The cycle that
	// read it is skipped; the session continues.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Dimensions is the native resolution of a source in device pixels.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Frame is an immutable snapshot of pixel data. Consumers must not modify
// Image.
type Frame struct {
	Image      image.Image
	Width      int
	Height     int
	Seq        uint64
	CapturedAt time.Time
}

// Validate reports ErrInvalidFrame for frames without pixels.
func (f Frame) Validate() error {
	if f.Image == nil {
		return errors.Wrap(ErrInvalidFrame, "frame has no image")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return errors.Wrapf(ErrInvalidFrame, "frame is %dx%d", f.Width, f.Height)
	}
	return nil
}

// Source supplies frames of a resolution that stays fixed for the session.
type Source interface {
	// Open acquires the source. Any failure wraps ErrCameraUnavailable.
	Open(ctx context.Context) (Dimensions, error)
	// Frame returns the latest frame.
	Frame(ctx context.Context) (Frame, error)
	Close() error
}

func newFrame(img image.Image, seq uint64, now time.Time) Frame {
	b := img.Bounds()
	return Frame{
		Image:      img,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Seq:        seq,
		CapturedAt: now,
	}
}

// UnavailableSource fails every Open. It stands in when no camera is
// configured so the session reports CameraUnavailable to the operator.
type UnavailableSource struct {
	Reason string
}

func (s UnavailableSource) Open(context.Context) (Dimensions, error) {
	return Dimensions{}, errors.Wrap(ErrCameraUnavailable, s.Reason)
}

func (s UnavailableSource) Frame(context.Context) (Frame, error) {
	return Frame{}, errors.Wrap(ErrCameraUnavailable, s.Reason)
}

func (UnavailableSource) Close() error { return nil }
