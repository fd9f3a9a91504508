package detections

import (
	"math"
	"sort"

	"github.com/manuroe/gagne-ton-papa/models"
)

// IoU is the intersection-over-union of two boxes, 0 when they do not
// overlap or either has no area.
func IoU(a, b models.BBox) float64 {
	areaA, areaB := a.Area(), b.Area()
	if areaA <= 0 || areaB <= 0 {
		return 0
	}
	iw := math.Min(a.Right(), b.Right()) - math.Max(a.X, b.X)
	ih := math.Min(a.Bottom(), b.Bottom()) - math.Max(a.Y, b.Y)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	return inter / (areaA + areaB - inter)
}

// Suppress runs per-class non-maximum suppression. Detections are visited by
// descending confidence and one is dropped when its IoU with an already
// kept detection of the same class exceeds threshold. Detections of
// different classes never suppress each other. dets is left untouched.
func Suppress(dets []models.RawDetection, threshold float64) []models.RawDetection {
	sorted := make([]models.RawDetection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]models.RawDetection, 0, len(sorted))
	for _, d := range sorted {
		keep := true
		for _, k := range kept {
			if k.ClassID == d.ClassID && IoU(k.BBox, d.BBox) > threshold {
				keep = false
				break
			}
		}
		if keep {
			kept = append(kept, d)
		}
	}
	return kept
}
