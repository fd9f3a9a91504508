package confirm

import (
	"sync"
	"testing"

	"go.viam.com/test"
)

func TestToggleIsAnInvolution(t *testing.T) {
	tr := NewTracker()
	tr.Replace([]int{4, 9})

	for _, id := range []int{4, 7, 0} {
		before := tr.ConfirmedSet()
		tr.Toggle(id)
		tr.Toggle(id)
		test.That(t, tr.ConfirmedSet(), test.ShouldResemble, before)
	}

	test.That(t, tr.Toggle(3), test.ShouldBeTrue)
	test.That(t, tr.Contains(3), test.ShouldBeTrue)
	test.That(t, tr.Toggle(3), test.ShouldBeFalse)
	test.That(t, tr.Contains(3), test.ShouldBeFalse)
}

func TestResetAlwaysEmpties(t *testing.T) {
	tr := NewTracker()
	tr.Reset()
	test.That(t, tr.ConfirmedSet(), test.ShouldBeEmpty)

	tr.Replace([]int{1, 2, 3})
	tr.Toggle(17)
	tr.Reset()
	test.That(t, tr.ConfirmedSet(), test.ShouldBeEmpty)
	test.That(t, tr.Len(), test.ShouldEqual, 0)
}

func TestReplaceAndSnapshot(t *testing.T) {
	tr := NewTracker()
	tr.Replace([]int{12, 2, 12, 0})
	test.That(t, tr.ConfirmedSet(), test.ShouldResemble, []int{0, 2, 12})
	test.That(t, tr.Len(), test.ShouldEqual, 3)

	snap := tr.ConfirmedSet()
	snap[0] = 99
	test.That(t, tr.Contains(99), test.ShouldBeFalse)
}

func TestConcurrentToggles(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Toggle(id)
			}
		}(i)
	}
	wg.Wait()
	test.That(t, tr.ConfirmedSet(), test.ShouldBeEmpty)
}
