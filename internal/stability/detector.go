// Package stability decides when a just-created segment file is safe to
// read. Capture writes segments incrementally, so reading too early is the
// dominant race in this kind of pipeline.
package stability

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/sorenh/minuteman/internal/audio"
)

// ErrTimeout is returned when a segment never stabilized within the
// deadline derived from its expected duration.
var ErrTimeout = errors.New("segment stability timeout")

// Prober measures the playable duration of an audio file.
type Prober func(path string) (time.Duration, error)

const (
	minFileSize = 1024

	minInterval = 100 * time.Millisecond
	maxInterval = 2 * time.Second

	minTimeout = 3 * time.Second
	maxTimeout = 2 * time.Minute
)

// Detector reports a segment Ready once its size and mtime hold steady
// across two observations and its measured duration reaches the expected
// duration, less tolerance. The duration check is one-sided: a short
// measurement means capture is still writing, while a long one is a
// finished segment that overshot the boundary. Poll interval and timeout
// both scale with the expected duration so short test segments are not
// penalized and long segments are not declared stale early.
type Detector struct {
	tolerance time.Duration

	probe Prober
	sleep func(time.Duration)
	now   func() time.Time
}

// New creates a detector with the given duration tolerance. A zero or
// negative tolerance falls back to 500ms.
func New(tolerance time.Duration) *Detector {
	if tolerance <= 0 {
		tolerance = 500 * time.Millisecond
	}
	return &Detector{
		tolerance: tolerance,
		probe: func(path string) (time.Duration, error) {
			info, err := audio.Probe(path)
			if err != nil {
				return 0, err
			}
			return info.Duration(), nil
		},
		sleep: time.Sleep,
		now:   time.Now,
	}
}

// Interval returns the poll interval for a segment of the given expected
// duration: 1/100th of the segment, clamped.
func (d *Detector) Interval(expected time.Duration) time.Duration {
	return clamp(expected/100, minInterval, maxInterval)
}

// Timeout returns the stability deadline for a segment of the given
// expected duration: half the segment, clamped.
func (d *Detector) Timeout(expected time.Duration) time.Duration {
	return clamp(expected/2, minTimeout, maxTimeout)
}

// WaitReady blocks until the segment file at path is stable and holds at
// least the expected duration of audio, less tolerance. It returns
// ErrTimeout if the deadline passes, or the context error on cancellation.
func (d *Detector) WaitReady(ctx context.Context, path string, expected time.Duration) error {
	interval := d.Interval(expected)
	deadline := d.now().Add(d.Timeout(expected))

	var lastSize int64 = -1
	var lastMod time.Time

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.now().After(deadline) {
			return ErrTimeout
		}

		fi, err := os.Stat(path)
		if err == nil && fi.Size() >= minFileSize {
			if fi.Size() == lastSize && fi.ModTime().Equal(lastMod) {
				// One-sided on purpose: never reject overlong segments.
				measured, perr := d.probe(path)
				if perr == nil && measured+d.tolerance >= expected {
					return nil
				}
			}
			lastSize = fi.Size()
			lastMod = fi.ModTime()
		}

		d.sleep(interval)
	}
}

func clamp(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
