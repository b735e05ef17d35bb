// Package store holds the latest sensor readings shared between the
// sensing tasks and the actuation controllers.
//
// Each field has exactly one writer: the ranging task publishes distances,
// the perception task publishes the lane state and the braking controller
// sets the brake state. Readers take whole snapshots.
package store

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// NoEcho is the distance reported when a rangefinder gets no echo.
// It is larger than any real reading so it never wins a minimum.
const NoEcho = 999.0

// DistanceReading is one published rangefinder result.
type DistanceReading struct {
	ValueCM float64   // Distance in centimeters, NoEcho on timeout
	Timeout bool      // No echo within the measurement window
	At      time.Time // When the reading was published (zero for the initial value)
}

// TimeoutReading returns the reading used for "no echo".
func TimeoutReading() DistanceReading {
	return DistanceReading{ValueCM: NoEcho, Timeout: true}
}

// Reading returns a successful reading, clamped non-negative and
// rounded to two decimals.
func Reading(cm float64) DistanceReading {
	if math.IsNaN(cm) || math.IsInf(cm, 0) {
		return TimeoutReading()
	}
	if cm < 0 {
		cm = 0
	}
	return DistanceReading{ValueCM: math.Round(cm*100) / 100}
}

// Effective returns the value used in comparisons. Timeouts always count as NoEcho.
func (r DistanceReading) Effective() float64 {
	if r.Timeout {
		return NoEcho
	}
	return r.ValueCM
}

func (r DistanceReading) String() string {
	if r.Timeout {
		return "timeout"
	}
	return fmt.Sprintf("%.2fcm", r.ValueCM)
}

// LaneState is the classified marking under the camera.
type LaneState int

const (
	LaneNone LaneState = iota
	LaneGoForward
	LaneStop
)

func (l LaneState) String() string {
	switch l {
	case LaneStop:
		return "STOP"
	case LaneGoForward:
		return "GO_FORWARD"
	default:
		return "NONE"
	}
}

// BrakeState is the mechanical brake position.
type BrakeState int

const (
	BrakeDisengaged BrakeState = iota
	BrakeEngaged
)

func (b BrakeState) String() string {
	if b == BrakeEngaged {
		return "ENGAGED"
	}
	return "DISENGAGED"
}

// Snapshot is an atomically captured copy of the store.
type Snapshot struct {
	Distance1 DistanceReading
	Distance2 DistanceReading
	Lane      LaneState
	Brake     BrakeState
}

// MinDistance returns the nearer of the two readings.
// A timeout only wins when both sensors timed out.
func (s Snapshot) MinDistance() float64 {
	return math.Min(s.Distance1.Effective(), s.Distance2.Effective())
}

// OldestDistance returns the older publish time of the two distance slots.
func (s Snapshot) OldestDistance() time.Time {
	if s.Distance1.At.Before(s.Distance2.At) {
		return s.Distance1.At
	}
	return s.Distance2.At
}

// Store is the synchronized source of truth for shared readings.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
}

// New creates a store holding the startup defaults: both distances
// timed out, no lane signal, brake released.
func New() *Store {
	return &Store{snap: Snapshot{
		Distance1: TimeoutReading(),
		Distance2: TimeoutReading(),
		Lane:      LaneNone,
		Brake:     BrakeDisengaged,
	}}
}

// PublishDistance replaces the reading for rangefinder slot 1 or 2.
// Any other slot is a programming error.
func (s *Store) PublishDistance(slot int, r DistanceReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch slot {
	case 1:
		s.snap.Distance1 = r
	case 2:
		s.snap.Distance2 = r
	default:
		panic(fmt.Sprintf("store: invalid distance slot %d", slot))
	}
}

// PublishLane replaces the lane state.
func (s *Store) PublishLane(l LaneState) {
	s.mu.Lock()
	s.snap.Lane = l
	s.mu.Unlock()
}

// SetBrake records the brake position. Only the braking controller calls this.
func (s *Store) SetBrake(b BrakeState) {
	s.mu.Lock()
	s.snap.Brake = b
	s.mu.Unlock()
}

// Snapshot returns a consistent copy of all fields.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}
