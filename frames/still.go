package frames

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
}

// ImageSource repeats one still image. It backs the one-shot scan command
// and tests.
type ImageSource struct {
	path string

	mu  sync.Mutex
	img image.Image
	seq uint64
}

// NewImageSource returns a source that loads path on Open.
func NewImageSource(path string) *ImageSource {
	return &ImageSource{path: path}
}

// NewStaticSource returns a source that always yields img.
func NewStaticSource(img image.Image) *ImageSource {
	return &ImageSource{img: img}
}

// Open loads the image, honoring EXIF orientation.
func (s *ImageSource) Open(ctx context.Context) (Dimensions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.img == nil {
		if s.path == "" {
			return Dimensions{}, errors.Wrap(ErrCameraUnavailable, "no image configured")
		}
		img, err := imaging.Open(s.path, imaging.AutoOrientation(true))
		if err != nil {
			return Dimensions{}, errors.Wrapf(ErrCameraUnavailable, "open %s: %v", s.path, err)
		}
		s.img = img
	}
	b := s.img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return Dimensions{}, errors.Wrap(ErrCameraUnavailable, "image is empty")
	}
	return Dimensions{Width: b.Dx(), Height: b.Dy()}, nil
}

// Frame returns the image as a new frame.
func (s *ImageSource) Frame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.img == nil {
		return Frame{}, errors.Wrap(ErrCameraUnavailable, "source not open")
	}
	s.seq++
	return newFrame(s.img, s.seq, time.Now()), nil
}

// Close releases the decoded image.
func (s *ImageSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "" {
		s.img = nil
	}
	return nil
}

// DirSource replays the images of a directory in name order, looping. The
// first image fixes the session resolution; later images of another size
// are reported as invalid frames.
type DirSource struct {
	dir string

	mu    sync.Mutex
	files []string
	next  int
	seq   uint64
	dims  Dimensions
}

// NewDirSource returns a source over the image files in dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Open lists the directory and decodes the first image.
func (s *DirSource) Open(ctx context.Context) (Dimensions, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return Dimensions{}, errors.Wrapf(ErrCameraUnavailable, "read %s: %v", s.dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(s.dir, e.Name()))
	}
	sort.Strings(files)
	if len(files) == 0 {
		return Dimensions{}, errors.Wrapf(ErrCameraUnavailable, "no images in %s", s.dir)
	}

	img, err := imaging.Open(files[0], imaging.AutoOrientation(true))
	if err != nil {
		return Dimensions{}, errors.Wrapf(ErrCameraUnavailable, "open %s: %v", files[0], err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = files
	s.next = 0
	s.dims = Dimensions{Width: img.Bounds().Dx(), Height: img.Bounds().Dy()}
	return s.dims, nil
}

// Frame decodes the next image in the directory.
func (s *DirSource) Frame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	s.mu.Lock()
	if len(s.files) == 0 {
		s.mu.Unlock()
		return Frame{}, errors.Wrap(ErrCameraUnavailable, "source not open")
	}
	path := s.files[s.next]
	s.next = (s.next + 1) % len(s.files)
	s.seq++
	seq := s.seq
	dims := s.dims
	s.mu.Unlock()

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return Frame{}, errors.Wrapf(ErrInvalidFrame, "decode %s: %v", path, err)
	}
	f := newFrame(img, seq, time.Now())
	if f.Width != dims.Width || f.Height != dims.Height {
		return Frame{}, errors.Wrapf(ErrInvalidFrame, "%s is %dx%d, session is %dx%d",
			filepath.Base(path), f.Width, f.Height, dims.Width, dims.Height)
	}
	return f, nil
}

// Close forgets the file list; Open may be called again.
func (s *DirSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = nil
	return nil
}
