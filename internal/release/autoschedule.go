package release

import (
	"math/rand"
	"time"
)

const (
	slotLen     = 5 * time.Minute
	morningHour = 6
)

// ScheduleConfig drives the automatic slot picker.
type ScheduleConfig struct {
	MinGap      time.Duration
	DaysAhead   int
	HourWeights []float64 // one weight per hour of day
	Location    *time.Location
}

func (c ScheduleConfig) withDefaults() ScheduleConfig {
	if c.MinGap <= 0 {
		c.MinGap = 5 * time.Minute
	}
	if c.DaysAhead <= 0 {
		c.DaysAhead = 2
	}
	if len(c.HourWeights) != 24 {
		c.HourWeights = DefaultHourWeights()
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// DefaultHourWeights favors evening hours and keeps the night quiet.
func DefaultHourWeights() []float64 {
	return []float64{
		0.3, 0.3, 0.3, 0.3, 0.3, 0.3, // 00-05
		0.5,                               // 06
		0.7, 0.7, 0.7, 0.7,                // 07-10
		0.8, 0.8, 0.8, 0.8, 0.8, 0.8, 0.8, // 11-17
		0.9, 0.9,                          // 18-19
		1.5, 1.5, 1.5,                     // 20-22
		1.3,                               // 23
	}
}

// AutoScheduler picks send slots on a 5-minute grid. Slots keep a
// minimum gap from everything already scheduled, and within a day the
// choice is random, weighted by hour so the channel posts when people
// read it.
type AutoScheduler struct {
	cfg  ScheduleConfig
	rand func() float64
}

func NewAutoScheduler(cfg ScheduleConfig) *AutoScheduler {
	return &AutoScheduler{cfg: cfg.withDefaults(), rand: rand.Float64}
}

// Pick returns a slot for a new release given every fire time already
// taken. Days are tried in order: today from just past now, later days
// from the morning. When every day inside the bound is packed, the
// fallback is the first slot past now plus the gap.
func (a *AutoScheduler) Pick(now time.Time, taken []time.Time) time.Time {
	now = now.In(a.cfg.Location)
	for day := 0; day < a.cfg.DaysAhead; day++ {
		d := now.AddDate(0, 0, day)
		var lb time.Time
		if day == 0 {
			lb = ceilSlot(now.Add(2 * time.Minute))
		} else {
			lb = time.Date(d.Year(), d.Month(), d.Day(), morningHour, 0, 0, 0, a.cfg.Location)
		}
		end := time.Date(d.Year(), d.Month(), d.Day(), 23, 55, 0, 0, a.cfg.Location)

		var slots []time.Time
		var weights []float64
		for c := lb; !c.After(end); c = c.Add(slotLen) {
			if !clears(c, taken, a.cfg.MinGap) {
				continue
			}
			slots = append(slots, c)
			weights = append(weights, a.cfg.HourWeights[c.Hour()])
		}
		if len(slots) > 0 {
			return slots[weightedIndex(weights, a.rand())]
		}
	}
	return ceilSlot(now.Add(a.cfg.MinGap))
}

func clears(c time.Time, taken []time.Time, gap time.Duration) bool {
	for _, t := range taken {
		d := c.Sub(t)
		if d < 0 {
			d = -d
		}
		if d < gap {
			return false
		}
	}
	return true
}

// ceilSlot rounds t up to the next 5-minute mark.
func ceilSlot(t time.Time) time.Time {
	r := t.Truncate(slotLen)
	if r.Before(t) {
		r = r.Add(slotLen)
	}
	return r
}

func weightedIndex(weights []float64, r float64) int {
	var sum float64
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 {
		return 0
	}
	x := r * sum
	for i, w := range weights {
		x -= w
		if x < 0 {
			return i
		}
	}
	return len(weights) - 1
}
