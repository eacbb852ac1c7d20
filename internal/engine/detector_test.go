package engine

import (
	"testing"

	"printerwatch/internal/model"
)

func testProfile(window int) model.DeviceProfile {
	return model.DeviceProfile{
		PrinterID:  "Printer01",
		Thresholds: model.Thresholds{Lower: 10, Upper: 90},
		Window:     window,
	}
}

// feed runs values through Evaluate, carrying counters forward like the store would.
func feed(p model.DeviceProfile, values ...float64) (model.DeviceProfile, []bool) {
	fired := make([]bool, 0, len(values))
	for _, v := range values {
		r := Evaluate(p, v)
		p.OutOfBoundsCount = r.OutOfBoundsCount
		p.EventCount = r.EventCount
		fired = append(fired, r.Fired)
	}
	return p, fired
}

func TestWindowOneFiresImmediately(t *testing.T) {
	r := Evaluate(testProfile(1), 95)
	if !r.Fired {
		t.Fatalf("expected fire on first out-of-bounds reading")
	}
	if r.OutOfBoundsCount != 0 || r.EventCount != 1 {
		t.Fatalf("unexpected counters: %+v", r)
	}
}

func TestFiresExactlyOnceOnWindowReading(t *testing.T) {
	for w := 1; w <= 6; w++ {
		values := make([]float64, w)
		for i := range values {
			values[i] = 5
		}
		p, fired := feed(testProfile(w), values...)
		for i, f := range fired {
			if f != (i == w-1) {
				t.Fatalf("window %d: reading %d fired=%v", w, i+1, f)
			}
		}
		if p.OutOfBoundsCount != 0 || p.EventCount != 1 {
			t.Fatalf("window %d: counters %d/%d", w, p.OutOfBoundsCount, p.EventCount)
		}
	}
}

func TestInBoundsResetsCounter(t *testing.T) {
	for w := 2; w <= 6; w++ {
		for n := 1; n < w; n++ {
			p := testProfile(w)
			for i := 0; i < n; i++ {
				p, _ = feed(p, 100)
			}
			if p.OutOfBoundsCount != n {
				t.Fatalf("window %d: expected count %d, got %d", w, n, p.OutOfBoundsCount)
			}
			r := Evaluate(p, 50)
			if r.Fired || r.OutOfBoundsCount != 0 || r.EventCount != 0 {
				t.Fatalf("window %d after %d: unexpected result %+v", w, n, r)
			}
		}
	}
}

func TestBoundsAreInBounds(t *testing.T) {
	p := testProfile(1)
	for _, v := range []float64{10, 90} {
		r := Evaluate(p, v)
		if r.OutOfBounds || r.Fired {
			t.Fatalf("value %v should be in bounds", v)
		}
	}
	if !Evaluate(p, 9.999).OutOfBounds || !Evaluate(p, 90.001).OutOfBounds {
		t.Fatalf("values just outside bounds should be out of bounds")
	}
}

func TestEventCountMonotonic(t *testing.T) {
	p := testProfile(2)
	values := []float64{95, 95, 50, 0, 0, 0, 95, 50, 95, 95}
	prev := 0
	fires := 0
	for _, v := range values {
		r := Evaluate(p, v)
		if r.EventCount < prev {
			t.Fatalf("event count decreased")
		}
		if r.Fired {
			fires++
			if r.EventCount != prev+1 {
				t.Fatalf("firing must add exactly one")
			}
		} else if r.EventCount != prev {
			t.Fatalf("event count changed without firing")
		}
		if r.OutOfBoundsCount >= p.Window {
			t.Fatalf("counter at rest reached window")
		}
		prev = r.EventCount
		p.OutOfBoundsCount = r.OutOfBoundsCount
		p.EventCount = r.EventCount
	}
	if fires != 4 || p.EventCount != 4 {
		t.Fatalf("expected 4 firings, got %d (count %d)", fires, p.EventCount)
	}
}

func TestScenarioThreeHighReadings(t *testing.T) {
	p, fired := feed(testProfile(3), 95, 95, 95)
	if fired[0] || fired[1] || !fired[2] {
		t.Fatalf("unexpected firing pattern %v", fired)
	}
	if p.OutOfBoundsCount != 0 || p.EventCount != 1 {
		t.Fatalf("unexpected counters %d/%d", p.OutOfBoundsCount, p.EventCount)
	}
}

func TestScenarioRecoveryBeforeWindow(t *testing.T) {
	p, fired := feed(testProfile(3), 95, 95, 50)
	for _, f := range fired {
		if f {
			t.Fatalf("unexpected firing")
		}
	}
	if p.OutOfBoundsCount != 0 || p.EventCount != 0 {
		t.Fatalf("unexpected counters %d/%d", p.OutOfBoundsCount, p.EventCount)
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	values := []float64{1, 2, 95, 95, 95, 95, 50, 0, 100, 100, 100, 10, 90}
	a, _ := feed(testProfile(3), values...)
	b, _ := feed(testProfile(3), values...)
	if a.Counters() != b.Counters() {
		t.Fatalf("replay diverged: %+v vs %+v", a.Counters(), b.Counters())
	}
}

func TestNonPositiveWindowTreatedAsOne(t *testing.T) {
	r := Evaluate(testProfile(0), 95)
	if !r.Fired {
		t.Fatalf("expected window 0 to behave like window 1")
	}
}
