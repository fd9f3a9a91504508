package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/manuroe/gagne-ton-papa/models"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.CycleStarted()
	m.CycleSkipped(true)
	m.CycleDiscarded()
	m.ObserveTimings(models.ProcessingTimings{Total: time.Millisecond})
	m.PoolAcquire(time.Millisecond)
	m.ObserveRequest("/detect", 200)
}

func TestCountersAndExposition(t *testing.T) {
	m := New()
	m.CycleStarted()
	m.CycleStarted()
	m.CycleSkipped(true)
	m.CycleSkipped(false)
	m.CycleSkipped(false)
	m.SetOverlay(3)
	m.PoolAcquire(2 * time.Millisecond)
	m.PoolRelease()
	m.ObserveTimings(models.ProcessingTimings{Inference: 20 * time.Millisecond})
	m.TerminalError("camera")

	test.That(t, m.CyclesStarted.Load(), test.ShouldEqual, uint64(2))
	test.That(t, m.CyclesSkippedBusy.Load(), test.ShouldEqual, uint64(1))
	test.That(t, m.CyclesSkippedInterval.Load(), test.ShouldEqual, uint64(2))
	test.That(t, m.PoolInUse.Load(), test.ShouldEqual, int64(0))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(body), test.ShouldContainSubstring, "pieces_cycles_started_total 2")
	test.That(t, string(body), test.ShouldContainSubstring, "pieces_overlay_detections 3")
	test.That(t, string(body), test.ShouldContainSubstring, `pieces_cycle_stage_seconds_count{stage="inference"} 1`)
	test.That(t, string(body), test.ShouldContainSubstring, `pieces_session_terminal_errors_total{kind="camera"} 1`)
}
