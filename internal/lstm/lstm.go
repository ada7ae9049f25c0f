// Package lstm is the gorgonia implementation of model.State: an embedding
// layer feeding a single LSTM layer unrolled over the input window, then a
// dense softmax over the vocabulary. Training uses batched cross-entropy
// with the Adam solver.
package lstm

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"nextword/internal/dataset"
	"nextword/internal/model"
	"nextword/internal/tensorio"
)

// gates of the LSTM cell
var gates = []string{"i", "f", "o", "c"}

// Model owns the parameter tensors. Graphs are rebuilt from them on demand,
// so restoring weights only has to swap tensors.
type Model struct {
	spec   model.Spec
	names  []string
	params map[string]*tensor.Dense

	train *graph
	infer *graph
	// infer was built from older weights
	stale bool
}

// New is a model.Factory.
func New(spec model.Spec) (model.State, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	m := &Model{spec: spec, params: make(map[string]*tensor.Dense)}
	rng := rand.New(rand.NewSource(spec.Seed))
	v, e, h := spec.VocabSize, spec.EmbeddingDim, spec.HiddenDim

	m.add("embed", glorot(rng, v, e))
	for _, g := range gates {
		m.add("wx_"+g, glorot(rng, e, h))
		m.add("wh_"+g, glorot(rng, h, h))
		m.add("b_"+g, zeros(1, h))
	}
	m.add("wy", glorot(rng, h, v))
	m.add("by", zeros(1, v))
	return m, nil
}

func (m *Model) add(name string, t *tensor.Dense) {
	m.names = append(m.names, name)
	m.params[name] = t
}

func (m *Model) Spec() model.Spec { return m.spec }

func glorot(rng *rand.Rand, rows, cols int) *tensor.Dense {
	limit := math.Sqrt(6.0 / float64(rows+cols))
	back := make([]float64, rows*cols)
	for i := range back {
		back[i] = (rng.Float64()*2 - 1) * limit
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(back))
}

func zeros(rows, cols int) *tensor.Dense {
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(make([]float64, rows*cols)))
}

func filled(rows, cols int, v float64) *tensor.Dense {
	back := make([]float64, rows*cols)
	for i := range back {
		back[i] = v
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(back))
}

// graph is one unrolled computation over a fixed batch size.
type graph struct {
	g       *gorgonia.ExprGraph
	batch   int
	inputs  []*gorgonia.Node
	targets *gorgonia.Node
	probs   *gorgonia.Node
	cost    *gorgonia.Node
	learn   []*gorgonia.Node
	vm      gorgonia.VM
	solver  gorgonia.Solver
}

func (gr *graph) close() {
	if gr != nil && gr.vm != nil {
		gr.vm.Close()
	}
}

func (m *Model) build(batch int, training bool) (*graph, error) {
	g := gorgonia.NewGraph()
	gr := &graph{g: g, batch: batch}
	v, h := m.spec.VocabSize, m.spec.HiddenDim

	nodes := make(map[string]*gorgonia.Node, len(m.names))
	for _, name := range m.names {
		p := m.params[name]
		n := gorgonia.NewMatrix(g, tensor.Float64,
			gorgonia.WithShape(p.Shape()...),
			gorgonia.WithName(name),
			gorgonia.WithValue(p.Clone().(*tensor.Dense)))
		nodes[name] = n
		gr.learn = append(gr.learn, n)
	}

	ones := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(batch, 1), gorgonia.WithName("ones"), gorgonia.WithValue(filled(batch, 1, 1)))
	hid := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(batch, h), gorgonia.WithName("h0"), gorgonia.WithValue(zeros(batch, h)))
	cell := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(batch, h), gorgonia.WithName("c0"), gorgonia.WithValue(zeros(batch, h)))

	// affine computes x*W + 1*b, with the ones column standing in for a
	// broadcast of the bias row over the batch.
	affine := func(x, w, b *gorgonia.Node) (*gorgonia.Node, error) {
		xw, err := gorgonia.Mul(x, w)
		if err != nil {
			return nil, err
		}
		bias, err := gorgonia.Mul(ones, b)
		if err != nil {
			return nil, err
		}
		return gorgonia.Add(xw, bias)
	}

	for t := 0; t < m.spec.InputWidth; t++ {
		x := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(batch, v), gorgonia.WithName(fmt.Sprintf("x_%d", t)))
		gr.inputs = append(gr.inputs, x)

		emb, err := gorgonia.Mul(x, nodes["embed"])
		if err != nil {
			return nil, fmt.Errorf("embedding step %d: %w", t, err)
		}

		pre := make(map[string]*gorgonia.Node, len(gates))
		for _, gate := range gates {
			a, err := affine(emb, nodes["wx_"+gate], nodes["b_"+gate])
			if err != nil {
				return nil, fmt.Errorf("gate %s step %d: %w", gate, t, err)
			}
			hw, err := gorgonia.Mul(hid, nodes["wh_"+gate])
			if err != nil {
				return nil, fmt.Errorf("gate %s step %d: %w", gate, t, err)
			}
			if pre[gate], err = gorgonia.Add(a, hw); err != nil {
				return nil, fmt.Errorf("gate %s step %d: %w", gate, t, err)
			}
		}

		in := gorgonia.Must(gorgonia.Sigmoid(pre["i"]))
		forget := gorgonia.Must(gorgonia.Sigmoid(pre["f"]))
		out := gorgonia.Must(gorgonia.Sigmoid(pre["o"]))
		cand := gorgonia.Must(gorgonia.Tanh(pre["c"]))

		cell = gorgonia.Must(gorgonia.Add(
			gorgonia.Must(gorgonia.HadamardProd(forget, cell)),
			gorgonia.Must(gorgonia.HadamardProd(in, cand)),
		))
		hid = gorgonia.Must(gorgonia.HadamardProd(out, gorgonia.Must(gorgonia.Tanh(cell))))
	}

	logits, err := affine(hid, nodes["wy"], nodes["by"])
	if err != nil {
		return nil, fmt.Errorf("output layer: %w", err)
	}
	if gr.probs, err = gorgonia.SoftMax(logits); err != nil {
		return nil, fmt.Errorf("softmax: %w", err)
	}

	if !training {
		gr.vm = gorgonia.NewTapeMachine(g)
		return gr, nil
	}

	// cost = -sum(log(p + eps) * y), with y one-hot rows pre-scaled by 1/batch
	gr.targets = gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(batch, v), gorgonia.WithName("targets"))
	eps := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(batch, v), gorgonia.WithName("eps"), gorgonia.WithValue(filled(batch, v, 1e-9)))
	logp := gorgonia.Must(gorgonia.Log(gorgonia.Must(gorgonia.Add(gr.probs, eps))))
	gr.cost = gorgonia.Must(gorgonia.Neg(gorgonia.Must(gorgonia.Sum(gorgonia.Must(gorgonia.HadamardProd(logp, gr.targets))))))

	if _, err := gorgonia.Grad(gr.cost, gr.learn...); err != nil {
		return nil, fmt.Errorf("gradient: %w", err)
	}
	gr.vm = gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(gr.learn...))
	gr.solver = gorgonia.NewAdamSolver(gorgonia.WithLearnRate(m.spec.LearningRate))
	return gr, nil
}

// oneHot encodes ids as the rows of a (len(ids), vocab) matrix holding scale
// at each id.
func (m *Model) oneHot(ids []int, scale float64) (*tensor.Dense, error) {
	v := m.spec.VocabSize
	back := make([]float64, len(ids)*v)
	for r, id := range ids {
		if id < 0 || id >= v {
			return nil, fmt.Errorf("token id %d outside vocabulary of %d", id, v)
		}
		back[r*v+id] = scale
	}
	return tensor.New(tensor.WithShape(len(ids), v), tensor.WithBacking(back)), nil
}

func (m *Model) bind(gr *graph, ctxs [][]int) error {
	col := make([]int, len(ctxs))
	for t, x := range gr.inputs {
		for r, c := range ctxs {
			if len(c) != m.spec.InputWidth {
				return fmt.Errorf("input width %d, model expects %d", len(c), m.spec.InputWidth)
			}
			col[r] = c[t]
		}
		oh, err := m.oneHot(col, 1)
		if err != nil {
			return err
		}
		if err := gorgonia.Let(x, oh); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) TrainEpoch(ctx context.Context, features [][]int, labels []int, rng *rand.Rand) (float64, error) {
	if len(features) != len(labels) {
		return 0, fmt.Errorf("%d feature rows but %d labels", len(features), len(labels))
	}
	if len(features) == 0 {
		return 0, fmt.Errorf("no training examples")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(m.spec.Seed))
	}
	batch := m.spec.BatchSize
	if batch > len(features) {
		batch = len(features)
	}
	if m.train == nil || m.train.batch != batch {
		m.train.close()
		gr, err := m.build(batch, true)
		if err != nil {
			return 0, model.Faultf("build training graph: %v", err)
		}
		m.train = gr
	}
	gr := m.train

	var lossSum float64
	batches := dataset.MakeBatches(features, labels, batch, rng)
	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := m.bind(gr, b.Contexts); err != nil {
			return 0, model.Faultf("batch %d: %v", i, err)
		}
		y, err := m.oneHot(b.Targets, 1/float64(batch))
		if err != nil {
			return 0, model.Faultf("batch %d: %v", i, err)
		}
		if err := gorgonia.Let(gr.targets, y); err != nil {
			return 0, model.Faultf("batch %d: %v", i, err)
		}
		if err := gr.vm.RunAll(); err != nil {
			return 0, model.Faultf("batch %d forward/backward: %v", i, err)
		}
		loss, ok := gr.cost.Value().Data().(float64)
		if !ok || math.IsNaN(loss) || math.IsInf(loss, 0) {
			return 0, model.Faultf("batch %d produced loss %v", i, gr.cost.Value())
		}
		if err := gr.solver.Step(gorgonia.NodesToValueGrads(gr.learn)); err != nil {
			return 0, model.Faultf("batch %d solver step: %v", i, err)
		}
		gr.vm.Reset()
		lossSum += loss
	}

	m.sync()
	return lossSum / float64(len(batches)), nil
}

// sync copies the trained weights out of the training graph.
func (m *Model) sync() {
	if m.train == nil {
		return
	}
	for _, n := range m.train.learn {
		if d, ok := n.Value().(*tensor.Dense); ok {
			m.params[n.Name()] = d.Clone().(*tensor.Dense)
		}
	}
	m.stale = true
}

func (m *Model) Predict(ctx context.Context, input []int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.infer == nil || m.stale {
		m.infer.close()
		gr, err := m.build(1, false)
		if err != nil {
			return nil, model.Faultf("build inference graph: %v", err)
		}
		m.infer, m.stale = gr, false
	}
	gr := m.infer
	defer gr.vm.Reset()

	if err := m.bind(gr, [][]int{input}); err != nil {
		return nil, model.Faultf("predict: %v", err)
	}
	if err := gr.vm.RunAll(); err != nil {
		return nil, model.Faultf("predict forward: %v", err)
	}
	probs, ok := gr.probs.Value().Data().([]float64)
	if !ok {
		return nil, model.Faultf("unexpected output %T", gr.probs.Value().Data())
	}
	return append([]float64(nil), probs...), nil
}

func (m *Model) Serialize() ([]byte, error) {
	ts := make([]tensorio.Tensor, 0, len(m.names))
	for _, name := range m.names {
		p := m.params[name]
		ts = append(ts, tensorio.Tensor{
			Name:  name,
			Shape: append([]int(nil), p.Shape()...),
			Data:  append([]float64(nil), p.Data().([]float64)...),
		})
	}
	return tensorio.Marshal(ts)
}

// Deserialize replaces every parameter. Shapes must match the model spec.
// Optimizer moments are not part of the snapshot and restart from zero.
func (m *Model) Deserialize(data []byte) error {
	ts, err := tensorio.Unmarshal(data)
	if err != nil {
		return err
	}
	loaded := make(map[string]*tensor.Dense, len(ts))
	for _, t := range ts {
		cur, ok := m.params[t.Name]
		if !ok {
			return fmt.Errorf("unknown parameter %q", t.Name)
		}
		if !cur.Shape().Eq(tensor.Shape(t.Shape)) {
			return fmt.Errorf("parameter %q has shape %v, model expects %v", t.Name, t.Shape, cur.Shape())
		}
		loaded[t.Name] = tensor.New(tensor.WithShape(t.Shape...), tensor.WithBacking(t.Data))
	}
	if len(loaded) != len(m.params) {
		return fmt.Errorf("snapshot holds %d parameters, model has %d", len(loaded), len(m.params))
	}

	m.params = loaded
	m.train.close()
	m.infer.close()
	m.train, m.infer, m.stale = nil, nil, false
	return nil
}
