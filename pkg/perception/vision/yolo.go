// Package vision provides the OpenCV-backed camera and paving classifier.
package vision

import (
	"context"
	"fmt"
	"image"
	"os"
	"sort"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-tactile/pkg/perception"
)

// PavingClasses is the class order of the paving model's output.
var PavingClasses = []string{perception.ClassTactileBlock, perception.ClassLinearBlock}

// YOLOConfig holds classifier configuration.
type YOLOConfig struct {
	ModelPath        string
	ClassNames       []string
	ConfidenceThresh float32 // Candidates below this are dropped before NMS
	NMSThresh        float32
	InputWidth       int
	InputHeight      int
}

// DefaultYOLOConfig returns defaults for the paving model exported from YOLOv8.
func DefaultYOLOConfig() YOLOConfig {
	return YOLOConfig{
		ModelPath:        "models/best2.onnx",
		ClassNames:       PavingClasses,
		ConfidenceThresh: 0.25,
		NMSThresh:        0.45,
		InputWidth:       640,
		InputHeight:      640,
	}
}

// YOLOClassifier runs a YOLOv8 ONNX model through the OpenCV DNN module.
type YOLOClassifier struct {
	net       gocv.Net
	config    YOLOConfig
	mu        sync.Mutex
	inputSize image.Point
}

var _ perception.Classifier = (*YOLOClassifier)(nil)

// NewYOLO loads the model.
func NewYOLO(cfg YOLOConfig) (*YOLOClassifier, error) {
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}
	if len(cfg.ClassNames) == 0 {
		cfg.ClassNames = PavingClasses
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load YOLO model from %s", cfg.ModelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &YOLOClassifier{
		net:       net,
		config:    cfg,
		inputSize: image.Pt(cfg.InputWidth, cfg.InputHeight),
	}, nil
}

// Detect classifies a JPEG frame. The context is checked before the
// forward pass; a running pass cannot be interrupted.
func (d *YOLOClassifier) Detect(ctx context.Context, jpeg []byte) ([]perception.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := gocv.IMDecode(jpeg, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, fmt.Errorf("empty image")
	}

	blob := gocv.BlobFromImage(img, 1.0/255.0, d.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	return d.parseOutput(output, float32(img.Cols()), float32(img.Rows()))
}

// parseOutput reads the [1, 4+classes, anchors] YOLOv8 tensor and applies NMS.
func (d *YOLOClassifier) parseOutput(output gocv.Mat, imgW, imgH float32) ([]perception.Detection, error) {
	dims := output.Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
	attrs, anchors := dims[1], dims[2]
	numClasses := attrs - 4
	if numClasses != len(d.config.ClassNames) {
		return nil, fmt.Errorf("model has %d classes, configured %d", numClasses, len(d.config.ClassNames))
	}

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}

	var (
		boxes       []image.Rectangle
		confidences []float32
		classIDs    []int
	)
	sx := imgW / float32(d.config.InputWidth)
	sy := imgH / float32(d.config.InputHeight)

	for i := 0; i < anchors; i++ {
		best, bestID := float32(0), 0
		for c := 0; c < numClasses; c++ {
			if score := data[(4+c)*anchors+i]; score > best {
				best, bestID = score, c
			}
		}
		if best < d.config.ConfidenceThresh {
			continue
		}

		cx, cy := data[i], data[anchors+i]
		w, h := data[2*anchors+i], data[3*anchors+i]
		boxes = append(boxes, image.Rect(
			int((cx-w/2)*sx), int((cy-h/2)*sy),
			int((cx+w/2)*sx), int((cy+h/2)*sy),
		))
		confidences = append(confidences, best)
		classIDs = append(classIDs, bestID)
	}

	if len(boxes) == 0 {
		return nil, nil
	}

	indices := nmsPerClass(boxes, confidences, classIDs, d.config.ConfidenceThresh, d.config.NMSThresh)
	dets := make([]perception.Detection, 0, len(indices))
	for _, idx := range indices {
		dets = append(dets, perception.Detection{
			Label:      d.config.ClassNames[classIDs[idx]],
			Confidence: float64(confidences[idx]),
		})
	}
	return dets, nil
}

// nmsPerClass suppresses overlapping boxes only within the same class, so a
// linear block next to a tactile block is never hidden by it. The returned
// indices refer to the input slices, grouped by class ID.
func nmsPerClass(boxes []image.Rectangle, confidences []float32, classIDs []int, scoreThresh, nmsThresh float32) []int {
	byClass := make(map[int][]int)
	order := []int{}
	for i, id := range classIDs {
		if _, seen := byClass[id]; !seen {
			order = append(order, id)
		}
		byClass[id] = append(byClass[id], i)
	}
	sort.Ints(order)

	var keep []int
	for _, id := range order {
		members := byClass[id]
		b := make([]image.Rectangle, len(members))
		c := make([]float32, len(members))
		for j, idx := range members {
			b[j], c[j] = boxes[idx], confidences[idx]
		}
		for _, j := range gocv.NMSBoxes(b, c, scoreThresh, nmsThresh) {
			keep = append(keep, members[j])
		}
	}
	return keep
}

// Close releases the network.
func (d *YOLOClassifier) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
