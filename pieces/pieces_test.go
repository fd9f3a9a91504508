package pieces

import (
	"testing"

	"go.viam.com/test"

	"github.com/manuroe/gagne-ton-papa/models"
)

func TestClassTableMatchesCatalog(t *testing.T) {
	for i, e := range ClassTable {
		test.That(t, e.ClassIndex, test.ShouldEqual, i)
		test.That(t, Valid(e.PieceID), test.ShouldBeTrue)

		p, ok := Get(e.PieceID)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, p.Shape.Name, test.ShouldEqual, e.Name)
	}
}

func TestLookupIsTotalAndPure(t *testing.T) {
	for classID := 0; classID < NumClasses; classID++ {
		first, ok := Lookup(classID)
		test.That(t, ok, test.ShouldBeTrue)
		second, ok := Lookup(classID)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, second, test.ShouldEqual, first)
	}
	for _, classID := range []int{-1, NumClasses, NumClasses + 1, 80, 1 << 20} {
		for i := 0; i < 3; i++ {
			_, ok := Lookup(classID)
			test.That(t, ok, test.ShouldBeFalse)
		}
		test.That(t, ClassName(classID), test.ShouldEqual, "")
	}

	id, _ := Lookup(0)
	test.That(t, id, test.ShouldEqual, 0)
	id, _ = Lookup(15)
	test.That(t, id, test.ShouldEqual, 17)
}

func TestMapDetectionsDropsUnknownClasses(t *testing.T) {
	raw := []models.RawDetection{
		{ClassID: 3, Confidence: 0.9},
		{ClassID: 42, Confidence: 0.95},
		{ClassID: -1, Confidence: 0.7},
		{ClassID: 1, Confidence: 0.6},
	}
	got := MapDetections(raw)
	test.That(t, got, test.ShouldHaveLength, 2)
	test.That(t, got[0].ClassID, test.ShouldEqual, 3)
	test.That(t, got[0].PieceID, test.ShouldEqual, 5)
	test.That(t, got[1].ClassID, test.ShouldEqual, 1)
	test.That(t, got[1].PieceID, test.ShouldEqual, 2)

	test.That(t, MapDetections(nil), test.ShouldBeEmpty)
}

func TestCatalog(t *testing.T) {
	test.That(t, Catalog, test.ShouldHaveLength, 18)
	for i, p := range Catalog {
		test.That(t, p.ID, test.ShouldEqual, i)
		test.That(t, p.Shape.Cells, test.ShouldHaveLength, p.Shape.Rows*p.Shape.Cols)
		test.That(t, p.Shape.Color, test.ShouldBeLessThanOrEqualTo, uint32(0xFFFFFF))
	}
	test.That(t, Valid(-1), test.ShouldBeFalse)
	test.That(t, Valid(18), test.ShouldBeFalse)
	test.That(t, Catalog[1].Shape.Name, test.ShouldEqual, "RedSquare1")
	test.That(t, Catalog[1].Shape.Color, test.ShouldEqual, uint32(0xDA0022))
	test.That(t, Catalog[3].Shape.Name, test.ShouldEqual, "TanBar2")
}

func TestCells(t *testing.T) {
	all := make([]int, len(Catalog))
	for i := range all {
		all[i] = i
	}
	test.That(t, TotalCells(all), test.ShouldEqual, 67)
	test.That(t, TotalCells([]int{0, 99}), test.ShouldEqual, 1)

	// OrangeL5 + BrownT5: two full rows.
	test.That(t, MissingCells([]int{11, 12}), test.ShouldEqual, 0)
	// A single five-cell piece still counts as incomplete.
	test.That(t, MissingCells([]int{11}), test.ShouldEqual, 5)
	// RedSquare1 + TanBar2: three cells, two missing.
	test.That(t, MissingCells([]int{0, 2}), test.ShouldEqual, 2)
}
