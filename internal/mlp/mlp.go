// Package mlp is a dependency-free model.State: the input window is embedded,
// concatenated, passed through one ReLU hidden layer and a softmax output.
// Forward, backward and Adam are written out by hand, which keeps it fast on
// small vocabularies where building a graph costs more than the arithmetic.
package mlp

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"nextword/internal/dataset"
	"nextword/internal/model"
	"nextword/internal/tensorio"
)

type adamCfg struct {
	beta1, beta2, eps float64
	clip              float64
	l2                float64
}

var defaultAdam = adamCfg{beta1: 0.9, beta2: 0.999, eps: 1e-8, clip: 1.0, l2: 1e-5}

type params struct {
	Embed [][]float64
	W1    [][]float64
	B1    []float64
	W2    [][]float64
	B2    []float64
}

type moments struct {
	m, v *params
	t    int
}

type cache struct {
	contexts [][]int
	embCat   [][]float64
	hPre     [][]float64
	hAct     [][]float64
}

type Model struct {
	spec model.Spec
	p    *params
	mom  *moments
	adam adamCfg
}

// New is a model.Factory.
func New(spec model.Spec) (model.State, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(spec.Seed))
	v, d, w, h := spec.VocabSize, spec.EmbeddingDim, spec.InputWidth, spec.HiddenDim
	p := &params{
		Embed: randMat(rng, v, d, 0.05),
		W1:    randMat(rng, d*w, h, 1/math.Sqrt(float64(d*w))),
		B1:    make([]float64, h),
		W2:    randMat(rng, h, v, 1/math.Sqrt(float64(h))),
		B2:    make([]float64, v),
	}
	return &Model{spec: spec, p: p, mom: newMoments(p), adam: defaultAdam}, nil
}

func (m *Model) Spec() model.Spec { return m.spec }

func randMat(rng *rand.Rand, rows, cols int, scale float64) [][]float64 {
	out := zerosMat(rows, cols)
	for i := range out {
		for j := range out[i] {
			out[i][j] = (rng.Float64()*2 - 1) * scale
		}
	}
	return out
}

func zerosMat(rows, cols int) [][]float64 {
	out := make([][]float64, rows)
	for i := range out {
		out[i] = make([]float64, cols)
	}
	return out
}

func zerosLike(p *params) *params {
	return &params{
		Embed: zerosMat(len(p.Embed), len(p.Embed[0])),
		W1:    zerosMat(len(p.W1), len(p.W1[0])),
		B1:    make([]float64, len(p.B1)),
		W2:    zerosMat(len(p.W2), len(p.W2[0])),
		B2:    make([]float64, len(p.B2)),
	}
}

func newMoments(p *params) *moments {
	return &moments{m: zerosLike(p), v: zerosLike(p)}
}

// matVec computes v·m for m with len(v) rows.
func matVec(m [][]float64, v []float64) []float64 {
	out := make([]float64, len(m[0]))
	for i, row := range m {
		vi := v[i]
		for j := range out {
			out[j] += row[j] * vi
		}
	}
	return out
}

func addVec(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}

func relu(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		if x > 0 {
			out[i] = x
		}
	}
	return out
}

func softmax(logits []float64) []float64 {
	maxv := math.Inf(-1)
	for _, v := range logits {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = math.Exp(v - maxv)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func (m *Model) checkIDs(ctx []int) error {
	if len(ctx) != m.spec.InputWidth {
		return fmt.Errorf("input width %d, model expects %d", len(ctx), m.spec.InputWidth)
	}
	for _, id := range ctx {
		if id < 0 || id >= m.spec.VocabSize {
			return fmt.Errorf("id %d outside vocabulary of %d", id, m.spec.VocabSize)
		}
	}
	return nil
}

func (m *Model) forward(contexts [][]int) (cache, [][]float64) {
	d, w := m.spec.EmbeddingDim, m.spec.InputWidth
	c := cache{contexts: contexts}
	logits := make([][]float64, len(contexts))
	for i, ids := range contexts {
		x := make([]float64, w*d)
		for k, id := range ids {
			copy(x[k*d:(k+1)*d], m.p.Embed[id])
		}
		h := addVec(matVec(m.p.W1, x), m.p.B1)
		a := relu(h)
		c.embCat = append(c.embCat, x)
		c.hPre = append(c.hPre, h)
		c.hAct = append(c.hAct, a)
		logits[i] = addVec(matVec(m.p.W2, a), m.p.B2)
	}
	return c, logits
}

// xent returns the mean cross-entropy and its gradient with respect to the
// logits, already divided by the batch size.
func xent(logits [][]float64, targets []int) (float64, [][]float64) {
	n := float64(len(targets))
	var total float64
	dlog := make([][]float64, len(targets))
	for i, t := range targets {
		p := softmax(logits[i])
		total += -math.Log(math.Max(1e-12, p[t]))
		p[t] -= 1
		for j := range p {
			p[j] /= n
		}
		dlog[i] = p
	}
	return total / n, dlog
}

func (m *Model) backward(c cache, dout [][]float64) *params {
	d, w, h, v := m.spec.EmbeddingDim, m.spec.InputWidth, m.spec.HiddenDim, m.spec.VocabSize
	g := zerosLike(m.p)

	for i := range dout {
		dH := make([]float64, h)
		for j := 0; j < v; j++ {
			g.B2[j] += dout[i][j]
		}
		for k := 0; k < h; k++ {
			var sum float64
			for j := 0; j < v; j++ {
				g.W2[k][j] += c.hAct[i][k] * dout[i][j]
				sum += m.p.W2[k][j] * dout[i][j]
			}
			if c.hPre[i][k] > 0 {
				dH[k] = sum
			}
		}

		for k := 0; k < h; k++ {
			g.B1[k] += dH[k]
		}
		dX := make([]float64, w*d)
		for r := 0; r < w*d; r++ {
			xr := c.embCat[i][r]
			var sum float64
			for k := 0; k < h; k++ {
				g.W1[r][k] += xr * dH[k]
				sum += m.p.W1[r][k] * dH[k]
			}
			dX[r] = sum
		}
		for pos, id := range c.contexts[i] {
			for k := 0; k < d; k++ {
				g.Embed[id][k] += dX[pos*d+k]
			}
		}
	}

	if m.adam.l2 > 0 {
		for i := range m.p.W1 {
			for j := range m.p.W1[i] {
				g.W1[i][j] += m.adam.l2 * m.p.W1[i][j]
			}
		}
		for i := range m.p.W2 {
			for j := range m.p.W2[i] {
				g.W2[i][j] += m.adam.l2 * m.p.W2[i][j]
			}
		}
	}
	return g
}

func (m *Model) step(g *params) {
	cfg, mom, lr := m.adam, m.mom, m.spec.LearningRate
	mom.t++
	b1t := 1 - math.Pow(cfg.beta1, float64(mom.t))
	b2t := 1 - math.Pow(cfg.beta2, float64(mom.t))

	clip := func(x float64) float64 {
		return math.Max(-cfg.clip, math.Min(cfg.clip, x))
	}
	updVec := func(w, mw, vw, gw []float64) {
		for i := range w {
			gi := clip(gw[i])
			mw[i] = cfg.beta1*mw[i] + (1-cfg.beta1)*gi
			vw[i] = cfg.beta2*vw[i] + (1-cfg.beta2)*gi*gi
			w[i] -= lr * (mw[i] / b1t) / (math.Sqrt(vw[i]/b2t) + cfg.eps)
		}
	}
	updMat := func(w, mw, vw, gw [][]float64) {
		for i := range w {
			updVec(w[i], mw[i], vw[i], gw[i])
		}
	}

	updMat(m.p.Embed, mom.m.Embed, mom.v.Embed, g.Embed)
	updMat(m.p.W1, mom.m.W1, mom.v.W1, g.W1)
	updVec(m.p.B1, mom.m.B1, mom.v.B1, g.B1)
	updMat(m.p.W2, mom.m.W2, mom.v.W2, g.W2)
	updVec(m.p.B2, mom.m.B2, mom.v.B2, g.B2)
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
	for i, f := range features {
		if err := m.checkIDs(f); err != nil {
			return 0, model.Faultf("example %d: %v", i, err)
		}
		if labels[i] <= 0 || labels[i] >= m.spec.VocabSize {
			return 0, model.Faultf("example %d: label %d outside vocabulary", i, labels[i])
		}
	}

	var lossSum float64
	batches := dataset.MakeBatches(features, labels, m.spec.BatchSize, rng)
	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		c, logits := m.forward(b.Contexts)
		loss, dlog := xent(logits, b.Targets)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return 0, model.Faultf("batch %d produced loss %v", i, loss)
		}
		m.step(m.backward(c, dlog))
		lossSum += loss
	}
	return lossSum / float64(len(batches)), nil
}

func (m *Model) Predict(ctx context.Context, input []int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkIDs(input); err != nil {
		return nil, model.Faultf("predict: %v", err)
	}
	_, logits := m.forward([][]int{input})
	return softmax(logits[0]), nil
}

func (m *Model) tensors() []tensorio.Tensor {
	mat := func(name string, a [][]float64) tensorio.Tensor {
		t := tensorio.Tensor{Name: name, Shape: []int{len(a), len(a[0])}}
		for _, row := range a {
			t.Data = append(t.Data, row...)
		}
		return t
	}
	vec := func(name string, a []float64) tensorio.Tensor {
		return tensorio.Tensor{Name: name, Shape: []int{1, len(a)}, Data: append([]float64(nil), a...)}
	}
	return []tensorio.Tensor{
		mat("embed", m.p.Embed),
		mat("w1", m.p.W1),
		vec("b1", m.p.B1),
		mat("w2", m.p.W2),
		vec("b2", m.p.B2),
	}
}

func (m *Model) Serialize() ([]byte, error) {
	return tensorio.Marshal(m.tensors())
}

// Deserialize replaces every parameter. Shapes must match the model spec.
// Adam moments restart from zero.
func (m *Model) Deserialize(data []byte) error {
	ts, err := tensorio.Unmarshal(data)
	if err != nil {
		return err
	}
	want := make(map[string][]int)
	for _, t := range m.tensors() {
		want[t.Name] = t.Shape
	}
	got := make(map[string]tensorio.Tensor, len(ts))
	for _, t := range ts {
		shape, ok := want[t.Name]
		if !ok {
			return fmt.Errorf("unknown parameter %q", t.Name)
		}
		if len(t.Shape) != 2 || t.Shape[0] != shape[0] || t.Shape[1] != shape[1] {
			return fmt.Errorf("parameter %q has shape %v, model expects %v", t.Name, t.Shape, shape)
		}
		got[t.Name] = t
	}
	if len(got) != len(want) {
		return fmt.Errorf("snapshot holds %d parameters, model has %d", len(got), len(want))
	}

	rows := func(t tensorio.Tensor) [][]float64 {
		out := make([][]float64, t.Shape[0])
		for i := range out {
			out[i] = append([]float64(nil), t.Data[i*t.Shape[1]:(i+1)*t.Shape[1]]...)
		}
		return out
	}
	m.p = &params{
		Embed: rows(got["embed"]),
		W1:    rows(got["w1"]),
		B1:    got["b1"].Data,
		W2:    rows(got["w2"]),
		B2:    got["b2"].Data,
	}
	m.mom = newMoments(m.p)
	return nil
}
