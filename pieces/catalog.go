// Package pieces holds the puzzle piece catalog and the table that maps the
// detector's trained classes onto catalog piece identifiers.
package pieces

// BoardColumns is the width of the puzzle board in cells.
const BoardColumns = 5

// Shape is a piece outline as a row-major cell matrix.
type Shape struct {
	Name  string  `json:"name"`
	Rows  int     `json:"rows"`
	Cols  int     `json:"cols"`
	Cells []uint8 `json:"cells"`
	Color uint32  `json:"color"`
}

// CellCount is the number of filled cells.
func (s Shape) CellCount() int {
	n := 0
	for _, c := range s.Cells {
		n += int(c)
	}
	return n
}

// Piece is one physical piece of the full game.
type Piece struct {
	ID    int   `json:"id"`
	Shape Shape `json:"shape"`
}

// Colors are 24-bit 0xRRGGBB.
var (
	redSquare1     = Shape{"RedSquare1", 1, 1, []uint8{1}, 0xDA0022}
	tanBar2        = Shape{"TanBar2", 2, 1, []uint8{1, 1}, 0xF1955A}
	brownL3        = Shape{"BrownL3", 2, 2, []uint8{1, 0, 1, 1}, 0x571C11}
	orangeBar3     = Shape{"OrangeBar3", 3, 1, []uint8{1, 1, 1}, 0xEB700F}
	pinkBar4       = Shape{"PinkBar4", 4, 1, []uint8{1, 1, 1, 1}, 0xE16BA4}
	greenL4        = Shape{"GreenL4", 3, 2, []uint8{1, 0, 1, 0, 1, 1}, 0x8DC69E}
	blueT4         = Shape{"BlueT4", 3, 2, []uint8{1, 0, 1, 1, 1, 0}, 0x36B0EA}
	yellowZigZag4  = Shape{"YellowZigZag4", 3, 2, []uint8{0, 1, 1, 1, 1, 0}, 0xFEDA3C}
	violetSquare4  = Shape{"VioletSquare4", 2, 2, []uint8{1, 1, 1, 1}, 0xA36FAD}
	orangeL5       = Shape{"OrangeL5", 4, 2, []uint8{1, 0, 1, 0, 1, 0, 1, 1}, 0xE06000}
	brownT5        = Shape{"BrownT5", 4, 2, []uint8{0, 1, 1, 1, 0, 1, 0, 1}, 0x570C01}
	violetZigZag5  = Shape{"VioletZigZag5", 4, 2, []uint8{0, 1, 0, 1, 1, 1, 1, 0}, 0x036F0D}
	blueL5         = Shape{"BlueL5", 3, 3, []uint8{1, 0, 0, 1, 0, 0, 1, 1, 1}, 0x063679}
	pinkNotSquare5 = Shape{"PinkNotSquare5", 3, 2, []uint8{0, 1, 1, 1, 1, 1}, 0xE00BA4}
	yellowU5       = Shape{"YellowU5", 3, 2, []uint8{1, 1, 1, 0, 1, 1}, 0xEECA2C}
	blueS5         = Shape{"BlueS5", 3, 3, []uint8{0, 1, 1, 0, 1, 0, 1, 1, 0}, 0x26A0EA}
)

// Catalog is the full game in solver order. A piece's ID is its index.
var Catalog = buildCatalog(
	redSquare1,
	redSquare1,
	tanBar2,
	tanBar2,
	brownL3,
	orangeBar3,
	pinkBar4,
	greenL4,
	blueT4,
	yellowZigZag4,
	violetSquare4,
	orangeL5,
	brownT5,
	violetZigZag5,
	blueL5,
	pinkNotSquare5,
	yellowU5,
	blueS5,
)

func buildCatalog(shapes ...Shape) []Piece {
	out := make([]Piece, len(shapes))
	for i, s := range shapes {
		out[i] = Piece{ID: i, Shape: s}
	}
	return out
}

// Valid reports whether pieceID names a catalog piece.
func Valid(pieceID int) bool {
	return pieceID >= 0 && pieceID < len(Catalog)
}

// Get returns the catalog piece with the given ID.
func Get(pieceID int) (Piece, bool) {
	if !Valid(pieceID) {
		return Piece{}, false
	}
	return Catalog[pieceID], true
}

// TotalCells sums the cells of the given pieces, ignoring unknown IDs.
func TotalCells(ids []int) int {
	n := 0
	for _, id := range ids {
		if p, ok := Get(id); ok {
			n += p.Shape.CellCount()
		}
	}
	return n
}

// MissingCells is how many cells the pieces lack to fill whole board rows.
// A selection of fewer than two pieces is never complete.
func MissingCells(ids []int) int {
	cells := TotalCells(ids)
	rows := cells / BoardColumns
	if cells == rows*BoardColumns && len(ids) > 1 {
		return 0
	}
	return (rows+1)*BoardColumns - cells
}
