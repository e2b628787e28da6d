package features

import (
	"image"
	"os"
	"sync"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig configures a frozen ONNX backbone used as the state embedder.
type ONNXConfig struct {
	// ModelPath is the path to the .onnx model file.
	ModelPath string
	// LibraryPath is the path to the onnxruntime shared library. Empty keeps
	// the runtime's default search behavior.
	LibraryPath string
	// InputName and OutputName are the tensor names of the backbone's image
	// input and embedding output.
	InputName  string
	OutputName string
	// InputSize is the square side length the region is resized to.
	InputSize int
	// OutputDim is the length of the embedding the model emits.
	OutputDim int
	// IntraOpThreads parallelizes within graph nodes; 0 uses the runtime
	// default.
	IntraOpThreads int
}

const (
	defaultInputSize = 224
	defaultInputName = "input"
	defaultOutName   = "output"
)

func (c ONNXConfig) withDefaults() ONNXConfig {
	if c.InputSize == 0 {
		c.InputSize = defaultInputSize
	}
	if c.InputName == "" {
		c.InputName = defaultInputName
	}
	if c.OutputName == "" {
		c.OutputName = defaultOutName
	}
	return c
}

var ortInit sync.Once

// ONNXExtractor embeds image regions with a pretrained ONNX backbone. The
// session owns fixed input/output tensors, so Embed serializes access with a
// mutex; parallel collection uses one extractor per worker.
type ONNXExtractor struct {
	cfg     ONNXConfig
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	mu      sync.Mutex
}

// NewONNXExtractor loads the backbone and allocates its session tensors.
func NewONNXExtractor(cfg ONNXConfig) (*ONNXExtractor, error) {
	cfg = cfg.withDefaults()
	if cfg.ModelPath == "" {
		return nil, errors.New("features: model path is required")
	}
	if cfg.OutputDim <= 0 {
		return nil, errors.Errorf("features: output dim must be positive, got %d", cfg.OutputDim)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(err, "features: model %s", cfg.ModelPath)
	}

	var initErr error
	ortInit.Do(func() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, errors.Wrap(initErr, "features: initializing onnxruntime")
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(cfg.InputSize), int64(cfg.InputSize)))
	if err != nil {
		return nil, errors.Wrap(err, "features: creating input tensor")
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.OutputDim)))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "features: creating output tensor")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrap(err, "features: creating session options")
	}
	defer options.Destroy()
	options.SetIntraOpNumThreads(cfg.IntraOpThreads)
	options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended)

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrapf(err, "features: creating session for %s", cfg.ModelPath)
	}

	return &ONNXExtractor{cfg: cfg, session: session, input: input, output: output}, nil
}

// Dim returns the embedding length.
func (e *ONNXExtractor) Dim() int { return e.cfg.OutputDim }

// Embed resizes the region to the backbone's input size, runs the session
// and copies out the embedding.
func (e *ONNXExtractor) Embed(region image.Image) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return nil, errors.New("features: extractor is closed")
	}
	if err := e.prepareInput(region); err != nil {
		return nil, err
	}
	if err := e.session.Run(); err != nil {
		return nil, errors.Wrap(err, "features: running backbone")
	}
	return append([]float32(nil), e.output.GetData()...), nil
}

// prepareInput fills the input tensor with the region in planar CHW layout,
// scaled to [0, 1].
func (e *ONNXExtractor) prepareInput(region image.Image) error {
	size := e.cfg.InputSize
	data := e.input.GetData()
	channelSize := size * size
	if len(data) < channelSize*3 {
		return errors.Errorf("features: input tensor holds %d floats, need %d", len(data), channelSize*3)
	}
	red := data[0:channelSize]
	green := data[channelSize : channelSize*2]
	blue := data[channelSize*2 : channelSize*3]

	img := resize.Resize(uint(size), uint(size), region, resize.Lanczos3)
	bounds := img.Bounds()
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(b>>8) / 255.0
			i++
		}
	}
	return nil
}

// Close releases the session and its tensors.
func (e *ONNXExtractor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.input != nil {
		e.input.Destroy()
		e.input = nil
	}
	if e.output != nil {
		e.output.Destroy()
		e.output = nil
	}
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	return nil
}
