package dqn

import (
	"encoding/gob"
	"io"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// SchemaVersion tags the checkpoint layout. Bump it whenever the encoded
// fields change shape or meaning.
const SchemaVersion = 1

// Checkpoint is the persisted training state: both weight sets plus the
// run's global step and epsilon, fingerprinted so a checkpoint trained for
// a different action space or state dimension is rejected on load instead
// of being silently misapplied.
type Checkpoint struct {
	Schema     int
	Arch       Arch
	InputDim   int
	NumActions int
	Hidden     []int

	GlobalStep int
	Epsilon    float32

	Policy []WeightBlob
	Target []WeightBlob
}

// WeightBlob is one weight tensor in serializable form.
type WeightBlob struct {
	Shape []int
	Data  []float32
}

// BlobsFromTensors flattens weight tensors for encoding.
func BlobsFromTensors(weights []*tensor.Dense) []WeightBlob {
	blobs := make([]WeightBlob, len(weights))
	for i, w := range weights {
		blobs[i] = WeightBlob{
			Shape: append([]int(nil), w.Shape()...),
			Data:  append([]float32(nil), w.Data().([]float32)...),
		}
	}
	return blobs
}

// TensorsFromBlobs rebuilds weight tensors from their encoded form.
func TensorsFromBlobs(blobs []WeightBlob) ([]*tensor.Dense, error) {
	weights := make([]*tensor.Dense, len(blobs))
	for i, b := range blobs {
		n := 1
		for _, d := range b.Shape {
			n *= d
		}
		if n != len(b.Data) {
			return nil, errors.Errorf("dqn: weight %d has %d values for shape %v", i, len(b.Data), b.Shape)
		}
		weights[i] = tensor.New(
			tensor.WithShape(b.Shape...),
			tensor.WithBacking(append([]float32(nil), b.Data...)),
		)
	}
	return weights, nil
}

// WriteCheckpoint encodes cp to w.
func WriteCheckpoint(w io.Writer, cp *Checkpoint) error {
	cp.Schema = SchemaVersion
	if len(cp.Hidden) == 0 {
		cp.Hidden = defaultHidden
	}
	if err := gob.NewEncoder(w).Encode(cp); err != nil {
		return errors.Wrap(err, "dqn: encoding checkpoint")
	}
	return nil
}

// ReadCheckpoint decodes a checkpoint and validates it against the network
// configuration it is about to be applied to.
func ReadCheckpoint(r io.Reader, cfg Config) (*Checkpoint, error) {
	var cp Checkpoint
	if err := gob.NewDecoder(r).Decode(&cp); err != nil {
		return nil, errors.Wrap(err, "dqn: decoding checkpoint")
	}
	if cp.Schema != SchemaVersion {
		return nil, errors.Errorf("dqn: checkpoint schema %d, want %d", cp.Schema, SchemaVersion)
	}
	cfg = cfg.withDefaults()
	if cp.InputDim != cfg.InputDim {
		return nil, errors.Errorf("dqn: checkpoint input dim %d, network wants %d", cp.InputDim, cfg.InputDim)
	}
	if cp.NumActions != cfg.NumActions {
		return nil, errors.Errorf("dqn: checkpoint action count %d, network wants %d", cp.NumActions, cfg.NumActions)
	}
	if cp.Arch != cfg.Arch {
		return nil, errors.Errorf("dqn: checkpoint architecture %q, network wants %q", cp.Arch, cfg.Arch)
	}
	if !equalHidden(cp.Hidden, cfg.Hidden) {
		return nil, errors.Errorf("dqn: checkpoint hidden layers %v, network wants %v", cp.Hidden, cfg.Hidden)
	}
	return &cp, nil
}

func equalHidden(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
