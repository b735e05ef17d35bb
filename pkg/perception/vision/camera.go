package vision

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-tactile/internal/log"
	"github.com/teslashibe/go-tactile/pkg/perception"
)

// CameraConfig holds capture settings.
type CameraConfig struct {
	Device      string // Device index ("0") or path/URL
	Width       int    // Requested capture width
	Height      int    // Requested capture height
	FrameWidth  int    // Size frames are resized to before encoding
	FrameHeight int
}

// DefaultCameraConfig returns 640x480 capture from device 0.
func DefaultCameraConfig() CameraConfig {
	return CameraConfig{
		Device:      "0",
		Width:       640,
		Height:      480,
		FrameWidth:  640,
		FrameHeight: 480,
	}
}

// Camera continuously reads frames and keeps only the most recent one.
// A failed read ends capture; LatestFrame then reports no frame.
type Camera struct {
	cfg    CameraConfig
	cap    *gocv.VideoCapture
	logger *slog.Logger

	mu     sync.Mutex
	latest gocv.Mat
	has    bool
	failed bool
	frames uint64
}

var _ perception.Camera = (*Camera)(nil)

// OpenCamera opens the capture device.
func OpenCamera(cfg CameraConfig, logger *slog.Logger) (*Camera, error) {
	vc, err := gocv.OpenVideoCapture(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("open camera %s: %w", cfg.Device, err)
	}
	if cfg.Width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	}
	if cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	return &Camera{
		cfg:    cfg,
		cap:    vc,
		logger: log.OrDefault(logger).With("component", "camera"),
		latest: gocv.NewMat(),
	}, nil
}

// Run reads frames until ctx is cancelled or a read fails.
func (c *Camera) Run(ctx context.Context) error {
	img := gocv.NewMat()
	defer img.Close()

	c.logger.Info("camera capture started", "device", c.cfg.Device)
	for ctx.Err() == nil {
		if ok := c.cap.Read(&img); !ok || img.Empty() {
			c.mu.Lock()
			c.failed, c.has = true, false
			c.mu.Unlock()
			c.logger.Error("failed to capture frame, camera stopped", "frames", c.frameCount())
			return nil
		}

		c.mu.Lock()
		img.CopyTo(&c.latest)
		c.has = true
		c.frames++
		c.mu.Unlock()
	}
	c.logger.Info("camera capture stopped", "frames", c.frameCount())
	return nil
}

// LatestFrame returns the newest frame resized and JPEG encoded.
func (c *Camera) LatestFrame() ([]byte, bool) {
	c.mu.Lock()
	if !c.has || c.failed {
		c.mu.Unlock()
		return nil, false
	}
	frame := c.latest.Clone()
	c.mu.Unlock()
	defer frame.Close()

	if c.cfg.FrameWidth > 0 && c.cfg.FrameHeight > 0 &&
		(frame.Cols() != c.cfg.FrameWidth || frame.Rows() != c.cfg.FrameHeight) {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(frame, &resized, image.Pt(c.cfg.FrameWidth, c.cfg.FrameHeight), 0, 0, gocv.InterpolationLinear)
		resized.CopyTo(&frame)
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, frame)
	if err != nil {
		c.logger.Warn("encode frame", "error", err)
		return nil, false
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), true
}

func (c *Camera) frameCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Close releases the capture device.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest.Close()
	return c.cap.Close()
}
