package detections

import (
	"image"
	"runtime"
	"sync"

	"golang.org/x/sys/cpu"
)

// Row-parallel conversion only pays off on cores with wide vector units;
// elsewhere goroutine overhead dominates a 640x640 copy.
var useParallelRows = (runtime.GOARCH == "amd64" && cpu.X86.HasAVX2) ||
	(runtime.GOARCH == "arm64" && cpu.ARM64.HasASIMD)

var unit [256]float32

func init() {
	for i := range unit {
		unit[i] = float32(i) / 255.0
	}
}

// toPlanar writes the interleaved canvas into dst as three planes,
// index c*S*S + y*S + x.
func (p *Preprocessor) toPlanar(img *image.NRGBA, dst []float32) {
	if !useParallelRows || p.numWorkers <= 1 {
		p.convertRows(img, dst, 0, p.size)
		return
	}

	rowsPerWorker := p.size / p.numWorkers
	if rowsPerWorker == 0 {
		p.convertRows(img, dst, 0, p.size)
		return
	}

	var wg sync.WaitGroup
	wg.Add(p.numWorkers)
	for w := 0; w < p.numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == p.numWorkers-1 {
			endRow = p.size
		}
		go func(start, end int) {
			defer wg.Done()
			p.convertRows(img, dst, start, end)
		}(startRow, endRow)
	}
	wg.Wait()
}

func (p *Preprocessor) convertRows(img *image.NRGBA, dst []float32, start, end int) {
	plane := p.size * p.size
	for y := start; y < end; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+p.size*4]
		offset := y * p.size
		for x := 0; x < p.size; x++ {
			i := x * 4
			dst[offset+x] = unit[src[i]]
			dst[plane+offset+x] = unit[src[i+1]]
			dst[2*plane+offset+x] = unit[src[i+2]]
		}
	}
}
