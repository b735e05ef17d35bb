package vision

import (
	"image"
	"strings"
	"testing"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-tactile/pkg/perception"
	"github.com/teslashibe/go-tactile/pkg/store"
)

func TestDefaultYOLOConfig(t *testing.T) {
	cfg := DefaultYOLOConfig()

	if len(cfg.ClassNames) != 2 {
		t.Fatalf("ClassNames: got %d, want 2", len(cfg.ClassNames))
	}
	// Class index order must match the model export: 0 tactile, 1 linear.
	if cfg.ClassNames[0] != perception.ClassTactileBlock {
		t.Errorf("class 0: got %q, want %q", cfg.ClassNames[0], perception.ClassTactileBlock)
	}
	if cfg.ClassNames[1] != perception.ClassLinearBlock {
		t.Errorf("class 1: got %q, want %q", cfg.ClassNames[1], perception.ClassLinearBlock)
	}
	if cfg.InputWidth != 640 || cfg.InputHeight != 640 {
		t.Errorf("input size: got %dx%d, want 640x640", cfg.InputWidth, cfg.InputHeight)
	}
}

func TestNewYOLO_MissingModel(t *testing.T) {
	cfg := DefaultYOLOConfig()
	cfg.ModelPath = "testdata/does-not-exist.onnx"

	_, err := NewYOLO(cfg)
	if err == nil {
		t.Fatal("expected error for missing model")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDefaultCameraConfig(t *testing.T) {
	cfg := DefaultCameraConfig()
	if cfg.FrameWidth != 640 || cfg.FrameHeight != 480 {
		t.Errorf("frame size: got %dx%d, want 640x480", cfg.FrameWidth, cfg.FrameHeight)
	}
}

// outputMat builds a [1, 6, anchors] tensor laid out like the paving model:
// cx, cy, w, h rows followed by one score row per class.
func outputMat(t *testing.T, anchors [][6]float32) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSizes([]int{1, 6, len(anchors)}, gocv.MatTypeCV32F)
	data, err := m.DataPtrFloat32()
	if err != nil {
		m.Close()
		t.Fatalf("DataPtrFloat32: %v", err)
	}
	for i, a := range anchors {
		for row, v := range a {
			data[row*len(anchors)+i] = v
		}
	}
	return m
}

func TestParseOutput_OverlappingClassesBothSurvive(t *testing.T) {
	d := &YOLOClassifier{config: DefaultYOLOConfig()}

	// Boxes 0 and 1 overlap with IoU 0.6. Box 2 duplicates box 0 with a
	// lower score, box 3 is below the detection floor.
	out := outputMat(t, [][6]float32{
		{100, 100, 100, 100, 0.9, 0.0},
		{125, 100, 100, 100, 0.0, 0.6},
		{102, 100, 100, 100, 0.5, 0.0},
		{400, 400, 50, 50, 0.1, 0.1},
	})
	defer out.Close()

	dets, err := d.parseOutput(out, 640, 640)
	if err != nil {
		t.Fatalf("parseOutput: %v", err)
	}

	got := map[string]float64{}
	for _, det := range dets {
		if _, dup := got[det.Label]; dup {
			t.Errorf("duplicate %q detection survived NMS", det.Label)
		}
		got[det.Label] = det.Confidence
	}
	if len(dets) != 2 {
		t.Fatalf("detections: got %v, want one per class", dets)
	}
	if c := got[perception.ClassTactileBlock]; c < 0.89 || c > 0.91 {
		t.Errorf("tactile confidence: got %v, want 0.9", c)
	}
	if c := got[perception.ClassLinearBlock]; c < 0.59 || c > 0.61 {
		t.Errorf("linear confidence: got %v, want 0.6", c)
	}

	lane := perception.DefaultPolicy().Evaluate(dets)
	if lane != store.LaneStop {
		t.Errorf("lane: got %v, want Stop", lane)
	}
}

func TestParseOutput_ClassCountMismatch(t *testing.T) {
	cfg := DefaultYOLOConfig()
	cfg.ClassNames = []string{perception.ClassTactileBlock}
	d := &YOLOClassifier{config: cfg}

	out := outputMat(t, [][6]float32{{100, 100, 10, 10, 0.9, 0}})
	defer out.Close()

	if _, err := d.parseOutput(out, 640, 640); err == nil {
		t.Fatal("expected error when the model and config disagree on classes")
	}
}

func TestNMSPerClass(t *testing.T) {
	boxes := []image.Rectangle{
		image.Rect(50, 50, 150, 150),
		image.Rect(75, 50, 175, 150),
		image.Rect(52, 50, 152, 150),
	}
	keep := nmsPerClass(boxes, []float32{0.9, 0.6, 0.5}, []int{0, 1, 0}, 0.25, 0.45)

	if len(keep) != 2 || keep[0] != 0 || keep[1] != 1 {
		t.Errorf("keep: got %v, want [0 1]", keep)
	}
}
