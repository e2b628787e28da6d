package saliency

import (
	"image"
	"os"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-rl/images"
)

// DNNConfig configures a saliency network loaded through OpenCV's DNN module.
type DNNConfig struct {
	// ModelPath is the path to the saliency model (.onnx).
	ModelPath string
	// InputSize is the fixed spatial size the network was trained at.
	InputSize image.Point
	// MapThreshold is the fraction of the peak saliency a pixel must reach
	// to count as part of the salient region.
	MapThreshold float32
}

const defaultMapThreshold = 0.5

var defaultInputSize = image.Pt(128, 128)

func (c DNNConfig) withDefaults() DNNConfig {
	if c.InputSize.X == 0 || c.InputSize.Y == 0 {
		c.InputSize = defaultInputSize
	}
	if c.MapThreshold == 0 {
		c.MapThreshold = defaultMapThreshold
	}
	return c
}

// DNNRanker ranks regions with a pretrained saliency network. The network
// predicts a per-pixel saliency map; the candidate box is the tight bound of
// pixels above MapThreshold times the peak, scored by their mean saliency.
type DNNRanker struct {
	cfg DNNConfig
	net gocv.Net
	mu  sync.Mutex
}

// NewDNNRanker loads the saliency model.
func NewDNNRanker(cfg DNNConfig) (*DNNRanker, error) {
	cfg = cfg.withDefaults()
	if cfg.ModelPath == "" {
		return nil, errors.New("saliency: model path is required")
	}
	if cfg.MapThreshold < 0 || cfg.MapThreshold > 1 {
		return nil, errors.Errorf("saliency: map threshold must be in [0, 1], got %f", cfg.MapThreshold)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(err, "saliency: model %s", cfg.ModelPath)
	}

	net := gocv.ReadNet(cfg.ModelPath, "")
	if net.Empty() {
		return nil, errors.Errorf("saliency: failed to load model %s", cfg.ModelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendOpenCV)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &DNNRanker{cfg: cfg, net: net}, nil
}

// Rank runs the saliency network on img and returns at most one candidate:
// the bounding box of the salient region, in img's pixel coordinates.
func (r *DNNRanker) Rank(img image.Image) ([]Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, errors.Wrap(err, "saliency: converting image")
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0/255.0, r.cfg.InputSize, gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	r.net.SetInput(blob, "")
	out := r.net.Forward("")
	defer out.Close()

	// The map comes back as a 1x1xHxW blob; flatten to HxW.
	salMap := gocv.GetBlobChannel(out, 0, 0)
	defer salMap.Close()

	box, score, ok := salientBounds(salMap, r.cfg.MapThreshold)
	if !ok {
		return nil, nil
	}

	// Map from network resolution back to image pixels.
	bounds := img.Bounds()
	sx := float32(bounds.Dx()) / float32(salMap.Cols())
	sy := float32(bounds.Dy()) / float32(salMap.Rows())
	scaled := images.Box{
		X1: box.X1 * sx,
		Y1: box.Y1 * sy,
		X2: box.X2 * sx,
		Y2: box.Y2 * sy,
	}
	return []Candidate{{Box: scaled, Score: score}}, nil
}

// salientBounds finds the tight box around map pixels at or above threshold
// times the peak value, along with their mean saliency. ok is false for an
// all-zero map.
func salientBounds(salMap gocv.Mat, threshold float32) (images.Box, float32, bool) {
	rows, cols := salMap.Rows(), salMap.Cols()

	var peak float32
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			if v := salMap.GetFloatAt(y, x); v > peak {
				peak = v
			}
		}
	}
	if peak <= 0 {
		return images.Box{}, 0, false
	}

	cut := threshold * peak
	minX, minY := cols, rows
	maxX, maxY := -1, -1
	var sum float32
	var count int
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			v := salMap.GetFloatAt(y, x)
			if v < cut {
				continue
			}
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
			sum += v
			count++
		}
	}
	if maxX < 0 {
		return images.Box{}, 0, false
	}

	box := images.Box{
		X1: float32(minX),
		Y1: float32(minY),
		X2: float32(maxX + 1),
		Y2: float32(maxY + 1),
	}
	return box, sum / float32(count), true
}

// Close releases the network.
func (r *DNNRanker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.net.Close()
}
