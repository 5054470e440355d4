package media

import "time"

// ClockRate90k is the MPEG timestamp clock rate.
const ClockRate90k = 90000

// UsTo90k converts microseconds to 90 kHz ticks.
func UsTo90k(us int64) int64 {
	return us * ClockRate90k / int64(time.Second/time.Microsecond)
}

// Ticks90kToUs converts 90 kHz ticks to microseconds.
func Ticks90kToUs(ticks int64) int64 {
	return ticks * int64(time.Second/time.Microsecond) / ClockRate90k
}

// TicksToUs converts ticks of an arbitrary timescale to microseconds.
func TicksToUs(ticks int64, timescale uint32) int64 {
	if timescale == 0 {
		return 0
	}
	return ticks * int64(time.Second/time.Microsecond) / int64(timescale)
}

// UsToDuration converts microseconds to a time.Duration.
func UsToDuration(us int64) time.Duration {
	return time.Duration(us) * time.Microsecond
}

// DurationToUs converts a time.Duration to microseconds.
func DurationToUs(d time.Duration) int64 {
	return d.Microseconds()
}

var timebase = time.Now()

// NanoTime returns monotonic nanoseconds since process start. Presentation
// deadlines on the playback path are expressed in this timebase.
func NanoTime() int64 {
	return int64(time.Since(timebase))
}
