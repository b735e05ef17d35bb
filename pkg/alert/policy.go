// Package alert sounds audible cues for the lane state and obstacle distance.
package alert

import (
	"fmt"
	"time"

	"github.com/teslashibe/go-tactile/pkg/store"
)

// Pattern is one alert cycle: a tone followed by silence.
// A zero frequency means no tone, only the idle period.
type Pattern struct {
	Name        string
	FrequencyHz int
	Tone        time.Duration
	Idle        time.Duration
}

// Silent reports whether the pattern plays no tone.
func (p Pattern) Silent() bool {
	return p.FrequencyHz <= 0 || p.Tone <= 0
}

func (p Pattern) String() string {
	if p.Silent() {
		return fmt.Sprintf("%s(idle %v)", p.Name, p.Idle)
	}
	return fmt.Sprintf("%s(%dHz %v, idle %v)", p.Name, p.FrequencyHz, p.Tone, p.Idle)
}

// Reference patterns.
var (
	PatternStop     = Pattern{Name: "stop", FrequencyHz: 1000, Tone: 100 * time.Millisecond, Idle: 100 * time.Millisecond}
	PatternForward  = Pattern{Name: "forward", FrequencyHz: 700, Tone: 50 * time.Millisecond, Idle: 2 * time.Second}
	PatternNear     = Pattern{Name: "near", FrequencyHz: 900, Tone: 100 * time.Millisecond, Idle: 100 * time.Millisecond}
	PatternClose    = Pattern{Name: "close", FrequencyHz: 900, Tone: 100 * time.Millisecond, Idle: 500 * time.Millisecond}
	PatternApproach = Pattern{Name: "approach", FrequencyHz: 900, Tone: 100 * time.Millisecond, Idle: time.Second}
	PatternClear    = Pattern{Name: "clear", Idle: 200 * time.Millisecond}
)

// Band selects a pattern for obstacles nearer than BelowCM.
type Band struct {
	BelowCM float64
	Pattern Pattern
}

// Policy chooses the pattern for a snapshot. Lane cues outrank proximity;
// bands are checked in order and the first match wins.
type Policy struct {
	Stop    Pattern
	Forward Pattern
	Bands   []Band
	Clear   Pattern
}

// DefaultPolicy returns the reference priority table.
func DefaultPolicy() Policy {
	return Policy{
		Stop:    PatternStop,
		Forward: PatternForward,
		Bands: []Band{
			{BelowCM: 30, Pattern: PatternNear},
			{BelowCM: 70, Pattern: PatternClose},
			{BelowCM: 100, Pattern: PatternApproach},
		},
		Clear: PatternClear,
	}
}

// Select returns the pattern for this cycle. The distance bands are only
// consulted when the lane state carries no cue.
func (p Policy) Select(snap store.Snapshot) Pattern {
	switch snap.Lane {
	case store.LaneStop:
		return p.Stop
	case store.LaneGoForward:
		return p.Forward
	}
	return p.ForDistance(snap.MinDistance())
}

// ForDistance returns the proximity pattern for a distance.
func (p Policy) ForDistance(cm float64) Pattern {
	for _, b := range p.Bands {
		if cm < b.BelowCM {
			return b.Pattern
		}
	}
	return p.Clear
}
