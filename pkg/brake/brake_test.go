package brake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-tactile/pkg/store"
)

func newTestController(act Actuator, s *store.Store) *Controller {
	cfg := DefaultConfig()
	cfg.Interval = 5 * time.Millisecond
	cfg.RetryBackoff = 20 * time.Millisecond
	return NewController(cfg, act, s, nil)
}

func TestStep_Transitions(t *testing.T) {
	act := NewMockActuator(nil)
	s := store.New()
	c := newTestController(act, s)

	assert.Equal(t, store.BrakeDisengaged, c.Current(), "initial state")

	assert.Equal(t, store.BrakeEngaged, c.Step(25))
	assert.Equal(t, store.BrakeEngaged, s.Snapshot().Brake)

	assert.Equal(t, store.BrakeDisengaged, c.Step(999))
	assert.Equal(t, store.BrakeDisengaged, s.Snapshot().Brake)

	assert.Equal(t, []string{"engage", "release"}, act.Commands())
}

func TestStep_ThresholdBoundary(t *testing.T) {
	act := NewMockActuator(nil)
	c := newTestController(act, store.New())

	c.Step(30)
	assert.Empty(t, act.Commands(), "30cm is not below the threshold")

	c.Step(29.99)
	c.Step(30)
	assert.Equal(t, []string{"engage", "release"}, act.Commands())
}

// expectedCommands computes the edge-triggered command list for a sequence.
func expectedCommands(seq []float64) []string {
	var out []string
	engaged := false
	for _, d := range seq {
		if !engaged && d < 30 {
			out = append(out, "engage")
			engaged = true
		} else if engaged && d >= 30 {
			out = append(out, "release")
			engaged = false
		}
	}
	return out
}

func TestStep_NoChatter(t *testing.T) {
	sequences := map[string][]float64{
		"sustained close": {25, 20, 10, 5, 29, 29.9},
		"sustained far":   {30, 50, 999, 100},
		"oscillating":     {29, 31, 29, 31, 29, 31},
		"runs":            {50, 25, 25, 25, 60, 60, 10, 10, 999},
		"boundary hover":  {29.99, 30, 29.99, 29.99, 30, 30},
		"all timeouts":    {999, 999, 999},
		"starts close":    {1, 2, 3},
		"single dip":      {100, 100, 5, 100, 100},
	}

	for name, seq := range sequences {
		t.Run(name, func(t *testing.T) {
			act := NewMockActuator(nil)
			c := newTestController(act, store.New())
			for _, d := range seq {
				c.Step(d)
			}
			want := expectedCommands(seq)
			if len(want) == 0 {
				assert.Empty(t, act.Commands())
				return
			}
			assert.Equal(t, want, act.Commands())
		})
	}
}

// Pseudo-random sequences: engage and release alternate and match the
// number of maximal runs on each side of the threshold.
func TestStep_NoChatter_Generated(t *testing.T) {
	seed := uint32(7)
	next := func() float64 {
		seed = seed*1664525 + 1013904223
		return float64(seed%800) / 10 // 0..80cm
	}

	for trial := 0; trial < 20; trial++ {
		act := NewMockActuator(nil)
		c := newTestController(act, store.New())
		seq := make([]float64, 200)
		for i := range seq {
			seq[i] = next()
			c.Step(seq[i])
		}
		require.Equal(t, expectedCommands(seq), act.Commands(), "trial %d", trial)

		cmds := act.Commands()
		for i := 1; i < len(cmds); i++ {
			require.NotEqual(t, cmds[i-1], cmds[i], "duplicate command at %d", i)
		}
	}
}

func TestEvaluate_UsesMinimumOfSnapshot(t *testing.T) {
	act := NewMockActuator(nil)
	s := store.New()
	c := newTestController(act, s)

	s.PublishDistance(1, store.Reading(25))
	s.PublishDistance(2, store.TimeoutReading())
	assert.Equal(t, store.BrakeEngaged, c.Evaluate())

	s.PublishDistance(1, store.TimeoutReading())
	assert.Equal(t, store.BrakeDisengaged, c.Evaluate())

	assert.Equal(t, 1, act.Count("engage"))
	assert.Equal(t, 1, act.Count("release"))
}

func TestStep_ActuatorFailureRetries(t *testing.T) {
	act := NewMockActuator(nil)
	act.FailNext(errors.New("servo not responding"))
	s := store.New()
	c := newTestController(act, s)
	now := time.Unix(100, 0)
	c.now = func() time.Time { return now }

	assert.Equal(t, store.BrakeDisengaged, c.Step(10), "failed engage keeps state")
	assert.Equal(t, store.BrakeDisengaged, s.Snapshot().Brake)

	now = now.Add(10 * time.Millisecond)
	assert.Equal(t, store.BrakeDisengaged, c.Step(10), "inside backoff nothing is retried")
	assert.Empty(t, act.Commands())

	now = now.Add(20 * time.Millisecond)
	assert.Equal(t, store.BrakeEngaged, c.Step(10), "retried after backoff")
	assert.Equal(t, []string{"engage"}, act.Commands())
}

// jammedIdleServo moves the horn on Engage but then reports an error, like
// a servo whose pulse went out before the idle write failed.
type jammedIdleServo struct {
	angle    float64
	failIdle bool
	releases int
}

func (j *jammedIdleServo) Engage() error {
	j.angle = 90
	if j.failIdle {
		return errors.New("servo idle: gpio write failed")
	}
	return nil
}

func (j *jammedIdleServo) Release() error {
	j.angle = 0
	j.releases++
	return nil
}

func TestStep_FailedEngageIsReleasedWhenClear(t *testing.T) {
	act := &jammedIdleServo{failIdle: true}
	s := store.New()
	c := newTestController(act, s)
	now := time.Unix(100, 0)
	c.now = func() time.Time { return now }

	assert.Equal(t, store.BrakeDisengaged, c.Step(10))
	assert.Equal(t, 90.0, act.angle, "the horn moved despite the error")

	now = now.Add(time.Second)
	c.Step(999)

	assert.Equal(t, 0.0, act.angle, "a far reading must release a brake left in an unknown position")
	assert.Equal(t, 1, act.releases)
	assert.Equal(t, store.BrakeDisengaged, s.Snapshot().Brake)

	now = now.Add(time.Second)
	c.Step(999)
	assert.Equal(t, 1, act.releases, "no further releases once the position is known")
}

func TestShutdown_ReleasesAfterFailedEngage(t *testing.T) {
	act := &jammedIdleServo{failIdle: true}
	c := newTestController(act, store.New())

	c.Step(10)
	require.Equal(t, 90.0, act.angle)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, 0.0, act.angle)
	assert.Equal(t, 1, act.releases)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, 1, act.releases, "second shutdown is a no-op")
}

func TestStep_FailedEngageThenSuccessfulRetry(t *testing.T) {
	act := &jammedIdleServo{failIdle: true}
	c := newTestController(act, store.New())
	now := time.Unix(100, 0)
	c.now = func() time.Time { return now }

	c.Step(10)
	act.failIdle = false
	now = now.Add(time.Second)
	assert.Equal(t, store.BrakeEngaged, c.Step(10))

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, 1, act.releases)
}

type panickingActuator struct{}

func (panickingActuator) Engage() error  { panic("gpio gone") }
func (panickingActuator) Release() error { return nil }

func TestStep_ActuatorPanicIsContained(t *testing.T) {
	c := newTestController(panickingActuator{}, store.New())
	assert.NotPanics(t, func() { c.Step(5) })
	assert.Equal(t, store.BrakeDisengaged, c.Current())
}

func TestShutdown_ReleasesOnceWhenEngaged(t *testing.T) {
	act := NewMockActuator(nil)
	s := store.New()
	c := newTestController(act, s)
	c.Step(10)

	require.NoError(t, c.Shutdown(context.Background()))
	require.NoError(t, c.Shutdown(context.Background()))

	assert.Equal(t, 1, act.Count("release"))
	assert.Equal(t, store.BrakeDisengaged, s.Snapshot().Brake)
}

func TestShutdown_NoopWhenDisengaged(t *testing.T) {
	act := NewMockActuator(nil)
	c := newTestController(act, store.New())

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Empty(t, act.Commands())
}

func TestShutdown_RetriesRelease(t *testing.T) {
	act := NewMockActuator(nil)
	c := newTestController(act, store.New())
	c.Step(10)
	act.FailNext(errors.New("busy"))

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, []string{"engage", "release"}, act.Commands())
}

func TestShutdown_GivesUpWithContext(t *testing.T) {
	act := NewMockActuator(nil)
	c := newTestController(act, store.New())
	c.Step(10)
	act.FailNext(errors.New("a"), errors.New("b"), errors.New("c"), errors.New("d"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.Shutdown(ctx)
	require.Error(t, err)
	assert.Equal(t, store.BrakeEngaged, c.Current())
}

func TestRun_ReactsToStore(t *testing.T) {
	act := NewMockActuator(nil)
	s := store.New()
	c := newTestController(act, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	s.PublishDistance(1, store.Reading(12))
	require.Eventually(t, func() bool { return s.Snapshot().Brake == store.BrakeEngaged }, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	s.PublishDistance(1, store.Reading(80))
	require.Eventually(t, func() bool { return s.Snapshot().Brake == store.BrakeDisengaged }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("brake controller did not stop within timeout")
	}

	assert.Equal(t, []string{"engage", "release"}, act.Commands())
}
