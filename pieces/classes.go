package pieces

import "github.com/manuroe/gagne-ton-papa/models"

// NumClasses is the number of classes the detector was trained on.
const NumClasses = 16

// ClassEntry binds a trained class index to a catalog piece.
type ClassEntry struct {
	ClassIndex int    `json:"class_index"`
	Name       string `json:"name"`
	PieceID    int    `json:"piece_id"`
}

// ClassTable must follow the detector's training order exactly. A mismatch
// mislabels pieces silently.
var ClassTable = [NumClasses]ClassEntry{
	{0, "RedSquare1", 0},
	{1, "TanBar2", 2},
	{2, "BrownL3", 4},
	{3, "OrangeBar3", 5},
	{4, "PinkBar4", 6},
	{5, "GreenL4", 7},
	{6, "BlueT4", 8},
	{7, "YellowZigZag4", 9},
	{8, "VioletSquare4", 10},
	{9, "OrangeL5", 11},
	{10, "BrownT5", 12},
	{11, "VioletZigZag5", 13},
	{12, "BlueL5", 14},
	{13, "PinkNotSquare5", 15},
	{14, "YellowU5", 16},
	{15, "BlueS5", 17},
}

// Lookup maps a class index to its piece ID.
func Lookup(classID int) (int, bool) {
	if classID < 0 || classID >= NumClasses {
		return 0, false
	}
	return ClassTable[classID].PieceID, true
}

// ClassName returns the trained label of a class index.
func ClassName(classID int) string {
	if classID < 0 || classID >= NumClasses {
		return ""
	}
	return ClassTable[classID].Name
}

// MapDetections keeps the detections whose class has a table entry and
// attaches the piece ID. Order is preserved.
func MapDetections(raw []models.RawDetection) []models.Detection {
	out := make([]models.Detection, 0, len(raw))
	for _, r := range raw {
		id, ok := Lookup(r.ClassID)
		if !ok {
			continue
		}
		out = append(out, models.Detection{RawDetection: r, PieceID: id})
	}
	return out
}
