package engine

import "printerwatch/internal/model"

// Result is the outcome of evaluating one reading against a profile.
type Result struct {
	OutOfBoundsCount int
	EventCount       int
	OutOfBounds      bool
	Fired            bool
}

// Evaluate applies the threshold-debounce rule to one reading. A reading
// equal to a bound is in bounds. The out-of-bounds counter never rests at or
// above the window: the reading that reaches it fires and resets to zero.
func Evaluate(profile model.DeviceProfile, value float64) Result {
	window := profile.Window
	if window < 1 {
		window = 1
	}
	outOfBounds := value < profile.Thresholds.Lower || value > profile.Thresholds.Upper

	count := 0
	if outOfBounds {
		count = profile.OutOfBoundsCount + 1
	}
	if outOfBounds && count >= window {
		return Result{
			OutOfBoundsCount: 0,
			EventCount:       profile.EventCount + 1,
			OutOfBounds:      true,
			Fired:            true,
		}
	}
	return Result{
		OutOfBoundsCount: count,
		EventCount:       profile.EventCount,
		OutOfBounds:      outOfBounds,
	}
}

func (r Result) Counters() model.Counters {
	return model.Counters{OutOfBoundsCount: r.OutOfBoundsCount, EventCount: r.EventCount}
}
