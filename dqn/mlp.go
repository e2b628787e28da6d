package dqn

import (
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// mlp is the gorgonia-backed Network. The canonical weights live as plain
// tensors; expression graphs (one per batch size for prediction, one for
// training) bind them with Let before every run, so a weight update made
// through any program is immediately visible to all of them.
type mlp struct {
	cfg     Config
	weights []*tensor.Dense

	predictProgs map[int]*program
	trainProg    *program
}

// program is a compiled forward (and optionally backward) pass for one
// fixed batch size.
type program struct {
	g       *G.ExprGraph
	x       *G.Node
	mask    *G.Node
	targets *G.Node
	pred    *G.Node
	loss    *G.Node
	wNodes  []*G.Node
	vm      G.VM
	solver  G.Solver
	batch   int
}

func newMLP(cfg Config) (*mlp, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))

	m := &mlp{
		cfg:          cfg,
		predictProgs: make(map[int]*program),
	}
	for _, d := range m.layerDims() {
		w := tensor.New(
			tensor.WithShape(d.in, d.out),
			tensor.WithBacking(glorotUniform(rng, d.in, d.out)),
		)
		b := tensor.New(
			tensor.WithShape(1, d.out),
			tensor.WithBacking(make([]float32, d.out)),
		)
		m.weights = append(m.weights, w, b)
	}
	return m, nil
}

type layerDim struct{ in, out int }

// layerDims lists the dense layers in weight order. The dueling variant
// appends its value and advantage heads after the shared trunk.
func (m *mlp) layerDims() []layerDim {
	var dims []layerDim
	prev := m.cfg.InputDim
	for _, h := range m.cfg.Hidden {
		dims = append(dims, layerDim{prev, h})
		prev = h
	}
	if m.cfg.Arch == ArchDueling {
		dims = append(dims, layerDim{prev, 1})              // value head
		dims = append(dims, layerDim{prev, m.cfg.NumActions}) // advantage head
	} else {
		dims = append(dims, layerDim{prev, m.cfg.NumActions})
	}
	return dims
}

// buildForward wires the Q-value graph for one batch size and returns the
// prediction node of shape (batch, numActions).
func (m *mlp) buildForward(g *G.ExprGraph, x *G.Node, wNodes []*G.Node, batch int) (*G.Node, error) {
	h := x
	nTrunk := len(m.cfg.Hidden)

	dense := func(in *G.Node, w, b *G.Node) (*G.Node, error) {
		wx, err := G.Mul(in, w)
		if err != nil {
			return nil, err
		}
		return G.BroadcastAdd(wx, b, nil, []byte{0})
	}

	for i := 0; i < nTrunk; i++ {
		out, err := dense(h, wNodes[2*i], wNodes[2*i+1])
		if err != nil {
			return nil, errors.Wrapf(err, "trunk layer %d", i)
		}
		h, err = G.Rectify(out)
		if err != nil {
			return nil, errors.Wrapf(err, "trunk layer %d", i)
		}
	}

	if m.cfg.Arch != ArchDueling {
		out, err := dense(h, wNodes[2*nTrunk], wNodes[2*nTrunk+1])
		return out, errors.Wrap(err, "output layer")
	}

	val, err := dense(h, wNodes[2*nTrunk], wNodes[2*nTrunk+1])
	if err != nil {
		return nil, errors.Wrap(err, "value head")
	}
	adv, err := dense(h, wNodes[2*nTrunk+2], wNodes[2*nTrunk+3])
	if err != nil {
		return nil, errors.Wrap(err, "advantage head")
	}

	// Q = V + A - mean(A): subtracting the advantage mean pins the split
	// between the two streams, otherwise V and A are unidentifiable.
	meanAdv, err := G.Mean(adv, 1)
	if err != nil {
		return nil, errors.Wrap(err, "advantage mean")
	}
	meanAdv, err = G.Reshape(meanAdv, tensor.Shape{batch, 1})
	if err != nil {
		return nil, errors.Wrap(err, "advantage mean reshape")
	}
	centered, err := G.BroadcastSub(adv, meanAdv, nil, []byte{1})
	if err != nil {
		return nil, errors.Wrap(err, "centering advantages")
	}
	return G.BroadcastAdd(centered, val, nil, []byte{1})
}

func (m *mlp) weightNodes(g *G.ExprGraph) []*G.Node {
	nodes := make([]*G.Node, len(m.weights))
	for i, w := range m.weights {
		nodes[i] = G.NewMatrix(g, tensor.Float32,
			G.WithShape(w.Shape()[0], w.Shape()[1]),
			G.WithName(fmt.Sprintf("w%d", i)),
		)
	}
	return nodes
}

func (m *mlp) bindWeights(p *program) error {
	for i, wn := range p.wNodes {
		if err := G.Let(wn, m.weights[i]); err != nil {
			return errors.Wrapf(err, "binding weight %d", i)
		}
	}
	return nil
}

func (m *mlp) predictProgram(batch int) (*program, error) {
	if p, ok := m.predictProgs[batch]; ok {
		return p, nil
	}

	g := G.NewGraph()
	x := G.NewMatrix(g, tensor.Float32, G.WithShape(batch, m.cfg.InputDim), G.WithName("states"))
	wNodes := m.weightNodes(g)
	pred, err := m.buildForward(g, x, wNodes, batch)
	if err != nil {
		return nil, err
	}

	p := &program{
		g:      g,
		x:      x,
		pred:   pred,
		wNodes: wNodes,
		vm:     G.NewTapeMachine(g),
		batch:  batch,
	}
	m.predictProgs[batch] = p
	return p, nil
}

func (m *mlp) trainProgram(batch int) (*program, error) {
	if m.trainProg != nil && m.trainProg.batch == batch {
		return m.trainProg, nil
	}
	if m.trainProg != nil {
		// A batch-size change rebuilds the program and resets the Adam
		// moment estimates.
		m.trainProg.vm.Close()
		m.trainProg = nil
	}

	g := G.NewGraph()
	x := G.NewMatrix(g, tensor.Float32, G.WithShape(batch, m.cfg.InputDim), G.WithName("states"))
	mask := G.NewMatrix(g, tensor.Float32, G.WithShape(batch, m.cfg.NumActions), G.WithName("actions"))
	targets := G.NewVector(g, tensor.Float32, G.WithShape(batch), G.WithName("targets"))

	wNodes := m.weightNodes(g)
	pred, err := m.buildForward(g, x, wNodes, batch)
	if err != nil {
		return nil, err
	}
	loss, err := m.buildHuberLoss(pred, mask, targets)
	if err != nil {
		return nil, err
	}
	if _, err := G.Grad(loss, wNodes...); err != nil {
		return nil, errors.Wrap(err, "building gradients")
	}

	m.trainProg = &program{
		g:       g,
		x:       x,
		mask:    mask,
		targets: targets,
		pred:    pred,
		loss:    loss,
		wNodes:  wNodes,
		vm:      G.NewTapeMachine(g, G.BindDualValues(wNodes...)),
		solver: G.NewAdamSolver(
			G.WithLearnRate(m.cfg.LearningRate),
			G.WithBatchSize(float64(batch)),
		),
		batch: batch,
	}
	return m.trainProg, nil
}

// buildHuberLoss selects each row's predicted value for the taken action via
// the one-hot mask and applies a Huber penalty against the Bellman target:
// quadratic within delta of the target, linear beyond it, so occasional
// reward spikes do not blow up the gradient.
func (m *mlp) buildHuberLoss(pred, mask, targets *G.Node) (*G.Node, error) {
	selected, err := G.HadamardProd(pred, mask)
	if err != nil {
		return nil, errors.Wrap(err, "masking predictions")
	}
	qTaken, err := G.Sum(selected, 1)
	if err != nil {
		return nil, errors.Wrap(err, "reducing masked predictions")
	}
	diff, err := G.Sub(qTaken, targets)
	if err != nil {
		return nil, errors.Wrap(err, "residual")
	}
	absDiff, err := G.Abs(diff)
	if err != nil {
		return nil, errors.Wrap(err, "absolute residual")
	}

	delta := G.NewConstant(m.cfg.HuberDelta)
	half := G.NewConstant(float32(0.5))
	one := G.NewConstant(float32(1))

	sq, err := G.Square(diff)
	if err != nil {
		return nil, err
	}
	quadratic, err := G.Mul(half, sq)
	if err != nil {
		return nil, err
	}
	scaled, err := G.Mul(delta, absDiff)
	if err != nil {
		return nil, err
	}
	linear, err := G.Sub(scaled, G.NewConstant(0.5*m.cfg.HuberDelta*m.cfg.HuberDelta))
	if err != nil {
		return nil, err
	}

	inQuad, err := G.Lt(absDiff, delta, true)
	if err != nil {
		return nil, errors.Wrap(err, "loss region mask")
	}
	inLin, err := G.Sub(one, inQuad)
	if err != nil {
		return nil, err
	}
	quadPart, err := G.HadamardProd(inQuad, quadratic)
	if err != nil {
		return nil, err
	}
	linPart, err := G.HadamardProd(inLin, linear)
	if err != nil {
		return nil, err
	}
	elem, err := G.Add(quadPart, linPart)
	if err != nil {
		return nil, err
	}
	return G.Mean(elem)
}

// Predict implements Network.
func (m *mlp) Predict(states [][]float32) ([][]float32, error) {
	if err := m.checkStates(states); err != nil {
		return nil, err
	}
	p, err := m.predictProgram(len(states))
	if err != nil {
		return nil, err
	}

	if err := G.Let(p.x, m.statesTensor(states)); err != nil {
		return nil, errors.Wrap(err, "binding states")
	}
	if err := m.bindWeights(p); err != nil {
		return nil, err
	}
	p.vm.Reset()
	if err := p.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "forward pass")
	}

	dense, ok := p.pred.Value().(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("dqn: unexpected prediction value %T", p.pred.Value())
	}
	flat := dense.Data().([]float32)

	out := make([][]float32, len(states))
	for i := range out {
		row := make([]float32, m.cfg.NumActions)
		copy(row, flat[i*m.cfg.NumActions:(i+1)*m.cfg.NumActions])
		out[i] = row
	}
	return out, nil
}

// Fit implements Network.
func (m *mlp) Fit(states [][]float32, actions []int, targets []float32) (float32, error) {
	if err := m.checkStates(states); err != nil {
		return 0, err
	}
	batch := len(states)
	if len(actions) != batch || len(targets) != batch {
		return 0, errors.Errorf("dqn: batch size mismatch: %d states, %d actions, %d targets",
			batch, len(actions), len(targets))
	}
	for i, a := range actions {
		if a < 0 || a >= m.cfg.NumActions {
			return 0, errors.Errorf("dqn: action %d out of range at batch index %d", a, i)
		}
	}

	p, err := m.trainProgram(batch)
	if err != nil {
		return 0, err
	}

	maskData := make([]float32, batch*m.cfg.NumActions)
	for i, a := range actions {
		maskData[i*m.cfg.NumActions+a] = 1
	}
	maskT := tensor.New(tensor.WithShape(batch, m.cfg.NumActions), tensor.WithBacking(maskData))
	targT := tensor.New(tensor.WithShape(batch), tensor.WithBacking(append([]float32(nil), targets...)))

	if err := G.Let(p.x, m.statesTensor(states)); err != nil {
		return 0, errors.Wrap(err, "binding states")
	}
	if err := G.Let(p.mask, maskT); err != nil {
		return 0, errors.Wrap(err, "binding actions")
	}
	if err := G.Let(p.targets, targT); err != nil {
		return 0, errors.Wrap(err, "binding targets")
	}
	if err := m.bindWeights(p); err != nil {
		return 0, err
	}

	p.vm.Reset()
	if err := p.vm.RunAll(); err != nil {
		return 0, errors.Wrap(err, "training pass")
	}

	loss, ok := p.loss.Value().Data().(float32)
	if !ok {
		return 0, errors.Errorf("dqn: unexpected loss value %T", p.loss.Value().Data())
	}
	if math32.IsNaN(loss) || math32.IsInf(loss, 0) {
		// Weights have not been stepped yet; the caller keeps its last
		// good checkpoint.
		return loss, errors.Wrapf(ErrDiverged, "loss=%f", loss)
	}

	if err := p.solver.Step(G.NodesToValueGrads(p.wNodes)); err != nil {
		return 0, errors.Wrap(err, "solver step")
	}
	return loss, nil
}

// Weights implements Network.
func (m *mlp) Weights() []*tensor.Dense {
	out := make([]*tensor.Dense, len(m.weights))
	for i, w := range m.weights {
		out[i] = w.Clone().(*tensor.Dense)
	}
	return out
}

// SetWeights implements Network.
func (m *mlp) SetWeights(weights []*tensor.Dense) error {
	if len(weights) != len(m.weights) {
		return errors.Errorf("dqn: weight count mismatch: got %d, want %d", len(weights), len(m.weights))
	}
	for i, src := range weights {
		dst := m.weights[i]
		if !src.Shape().Eq(dst.Shape()) {
			return errors.Errorf("dqn: weight %d shape mismatch: got %v, want %v", i, src.Shape(), dst.Shape())
		}
		copy(dst.Data().([]float32), src.Data().([]float32))
	}
	return nil
}

// InputDim implements Network.
func (m *mlp) InputDim() int { return m.cfg.InputDim }

// NumActions implements Network.
func (m *mlp) NumActions() int { return m.cfg.NumActions }

// Close implements Network.
func (m *mlp) Close() error {
	for _, p := range m.predictProgs {
		p.vm.Close()
	}
	m.predictProgs = make(map[int]*program)
	if m.trainProg != nil {
		m.trainProg.vm.Close()
		m.trainProg = nil
	}
	return nil
}

func (m *mlp) checkStates(states [][]float32) error {
	if len(states) == 0 {
		return errors.New("dqn: empty state batch")
	}
	for i, s := range states {
		if len(s) != m.cfg.InputDim {
			return errors.Errorf("dqn: state %d has dim %d, want %d", i, len(s), m.cfg.InputDim)
		}
	}
	return nil
}

func (m *mlp) statesTensor(states [][]float32) *tensor.Dense {
	flat := make([]float32, 0, len(states)*m.cfg.InputDim)
	for _, s := range states {
		flat = append(flat, s...)
	}
	return tensor.New(tensor.WithShape(len(states), m.cfg.InputDim), tensor.WithBacking(flat))
}
