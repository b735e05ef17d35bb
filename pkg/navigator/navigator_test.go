package navigator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-tactile/pkg/alert"
	"github.com/teslashibe/go-tactile/pkg/brake"
	"github.com/teslashibe/go-tactile/pkg/perception"
	"github.com/teslashibe/go-tactile/pkg/ranging"
	"github.com/teslashibe/go-tactile/pkg/store"
)

// dial is a rangefinder whose reading the test can change while running.
// A negative value means no echo.
type dial struct {
	cm     atomic.Value
	closed atomic.Bool
}

func newDial(cm float64) *dial {
	d := &dial{}
	d.Set(cm)
	return d
}

func (d *dial) Set(cm float64) { d.cm.Store(cm) }

func (d *dial) Measure(ctx context.Context) (float64, error) {
	cm := d.cm.Load().(float64)
	if cm < 0 {
		return 0, ranging.ErrTimeout
	}
	return cm, nil
}

func (d *dial) Close() error {
	d.closed.Store(true)
	return nil
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Ranging.Period = 5 * time.Millisecond
	cfg.Ranging.MeasureTimeout = 5 * time.Millisecond
	cfg.Perception.Interval = 10 * time.Millisecond
	cfg.Brake.Interval = 5 * time.Millisecond
	cfg.Brake.RetryBackoff = 5 * time.Millisecond
	cfg.Alert.RetryBackoff = 5 * time.Millisecond
	cfg.ShutdownTimeout = 200 * time.Millisecond
	return cfg
}

type rig struct {
	nav        *Navigator
	first      *dial
	second     *dial
	classifier *perception.MockClassifier
	brakeAct   *brake.MockActuator
	alertAct   *alert.MockActuator

	cancel context.CancelFunc
	done   chan error
}

func startRig(t *testing.T, classifier *perception.MockClassifier, first, second float64) *rig {
	t.Helper()
	r := &rig{
		first:      newDial(first),
		second:     newDial(second),
		classifier: classifier,
		brakeAct:   brake.NewMockActuator(nil),
		alertAct:   alert.NewMockActuator(nil),
		done:       make(chan error, 1),
	}
	nav, err := New(fastConfig(), Collaborators{
		Rangefinders: [2]ranging.Rangefinder{r.first, r.second},
		Camera:       perception.NewStaticCamera([]byte{0xff, 0xd8}),
		Classifier:   classifier,
		Brake:        r.brakeAct,
		Alert:        r.alertAct,
	}, nil)
	require.NoError(t, err)
	r.nav = nav

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go func() { r.done <- nav.Run(ctx) }()
	t.Cleanup(func() { r.stop(t) })
	return r
}

func (r *rig) stop(t *testing.T) error {
	t.Helper()
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	r.cancel = nil
	select {
	case err := <-r.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("navigator did not stop")
		return nil
	}
}

func (r *rig) lastPattern() string {
	p, ok := r.nav.alert.Last()
	if !ok {
		return ""
	}
	return p.Name
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), Collaborators{}, nil)
	assert.ErrorIs(t, err, ErrMissingCollaborator)
}

func TestNavigator_ObstacleEngagesThenReleases(t *testing.T) {
	r := startRig(t, perception.NewMockClassifier(), 25, -1)

	require.Eventually(t, func() bool {
		return r.nav.Store().Snapshot().Brake == store.BrakeEngaged
	}, time.Second, 5*time.Millisecond, "brake should engage at 25cm")
	require.Eventually(t, func() bool { return r.lastPattern() == "near" },
		time.Second, 5*time.Millisecond)

	r.first.Set(-1)

	require.Eventually(t, func() bool {
		return r.nav.Store().Snapshot().Brake == store.BrakeDisengaged
	}, time.Second, 5*time.Millisecond, "brake should release when both sensors time out")

	assert.Equal(t, []string{"engage", "release"}, r.brakeAct.Commands())
}

func TestNavigator_LinearBlockStopsAndBrakes(t *testing.T) {
	classifier := perception.NewMockClassifier(perception.MockResult{
		Detections: []perception.Detection{{Label: perception.ClassLinearBlock, Confidence: 0.9}},
	})
	r := startRig(t, classifier, 10, -1)

	require.Eventually(t, func() bool {
		snap := r.nav.Store().Snapshot()
		return snap.Lane == store.LaneStop && snap.Brake == store.BrakeEngaged
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return r.lastPattern() == "stop" },
		time.Second, 5*time.Millisecond)

	for _, tone := range r.alertAct.Tones() {
		assert.NotEqual(t, 900, tone.FrequencyHz, "proximity tone must not sound while lane is Stop")
	}
}

func TestNavigator_ShutdownReleasesOnce(t *testing.T) {
	r := startRig(t, perception.NewMockClassifier(), 5, 5)

	require.Eventually(t, func() bool {
		return r.nav.Store().Snapshot().Brake == store.BrakeEngaged
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.stop(t))

	assert.Equal(t, 1, r.brakeAct.Count("engage"))
	assert.Equal(t, 1, r.brakeAct.Count("release"))
	assert.Equal(t, store.BrakeDisengaged, r.nav.Store().Snapshot().Brake)
	assert.True(t, r.first.closed.Load())
	assert.True(t, r.second.closed.Load())
}

func TestNavigator_ShutdownWithoutBrakeSendsNothing(t *testing.T) {
	r := startRig(t, perception.NewMockClassifier(), 200, 200)

	require.Eventually(t, func() bool {
		return r.nav.Store().Snapshot().Distance1.ValueCM == 200
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.stop(t))
	assert.Empty(t, r.brakeAct.Commands())
}

func TestNavigator_ClassifierFailureKeepsBraking(t *testing.T) {
	classifier := perception.NewMockClassifier(
		perception.MockResult{Err: errors.New("model crashed")},
		perception.MockResult{Panic: true},
	)
	r := startRig(t, classifier, 12, -1)

	require.Eventually(t, func() bool { return classifier.Calls() >= 3 },
		time.Second, 5*time.Millisecond)

	snap := r.nav.Store().Snapshot()
	assert.Equal(t, store.LaneNone, snap.Lane)
	assert.Equal(t, store.BrakeEngaged, snap.Brake)
}

// runCamera records that the navigator drove its capture loop.
type runCamera struct {
	*perception.StaticCamera
	mu      sync.Mutex
	started bool
	stopped bool
	closed  bool
}

func (c *runCamera) Run(ctx context.Context) error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	<-ctx.Done()
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	return errors.New("capture interrupted")
}

func (c *runCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		return errors.New("closed while capturing")
	}
	c.closed = true
	return nil
}

func TestNavigator_RunsAndClosesCamera(t *testing.T) {
	cam := &runCamera{StaticCamera: perception.NewStaticCamera(nil)}
	nav, err := New(fastConfig(), Collaborators{
		Rangefinders: [2]ranging.Rangefinder{newDial(-1), newDial(-1)},
		Camera:       cam,
		Classifier:   perception.NewMockClassifier(),
		Brake:        brake.NewMockActuator(nil),
		Alert:        alert.NewMockActuator(nil),
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, nav.Run(ctx), "a camera error must not fail the run")

	cam.mu.Lock()
	defer cam.mu.Unlock()
	assert.True(t, cam.started)
	assert.True(t, cam.closed, "camera is closed only after capture stops")
}

func TestNavigator_ShutdownReportsStuckBrake(t *testing.T) {
	brakeAct := brake.NewMockActuator(nil)
	nav, err := New(fastConfig(), Collaborators{
		Rangefinders: [2]ranging.Rangefinder{newDial(5), newDial(-1)},
		Camera:       perception.NewStaticCamera(nil),
		Classifier:   perception.NewMockClassifier(),
		Brake:        brakeAct,
		Alert:        alert.NewMockActuator(nil),
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- nav.Run(ctx) }()

	require.Eventually(t, func() bool {
		return nav.Store().Snapshot().Brake == store.BrakeEngaged
	}, time.Second, 5*time.Millisecond)

	stuck := make([]error, 100)
	for i := range stuck {
		stuck[i] = errors.New("servo jammed")
	}
	brakeAct.FailNext(stuck...)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("navigator did not stop")
	}
	assert.Equal(t, 0, brakeAct.Count("release"))
}

// wedged is a rangefinder whose driver never returns.
type wedged struct{ release chan struct{} }

func (w wedged) Measure(ctx context.Context) (float64, error) {
	<-w.release
	return 0, nil
}

func TestNavigator_WedgedSensorStillBrakesAndStops(t *testing.T) {
	w := wedged{release: make(chan struct{})}
	defer close(w.release)

	brakeAct := brake.NewMockActuator(nil)
	nav, err := New(fastConfig(), Collaborators{
		Rangefinders: [2]ranging.Rangefinder{w, newDial(12)},
		Camera:       perception.NewStaticCamera(nil),
		Classifier:   perception.NewMockClassifier(),
		Brake:        brakeAct,
		Alert:        alert.NewMockActuator(nil),
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- nav.Run(ctx) }()

	require.Eventually(t, func() bool {
		return nav.Store().Snapshot().Brake == store.BrakeEngaged
	}, time.Second, 5*time.Millisecond, "the live sensor must still reach the brake")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("navigator did not stop with a wedged sensor")
	}
	assert.Equal(t, 1, brakeAct.Count("release"))
}
