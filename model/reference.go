package model

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// normEpsilon is the smallest critic input-gradient norm that is
// differentiated; below it the penalty gradient is treated as zero.
const normEpsilon = 1e-12

// initStdDev is the standard deviation of the weight initialisation.
const initStdDev = 0.02

// Reference is a small conditional model with closed-form gradients.
//
// Generator partition: an embedding encoder producing the mean and log
// standard deviation of the conditioning distribution, and a one layer tanh
// generator fed with z and a reparameterised conditioning sample.
//
// Critic partition: a projection critic
//
//	D(x, e) = x.wx + (x P).e + e.we + b
//
// whose input gradient wx + P e depends on the caption but not on the image,
// so the gradient penalty is computed exactly at every interpolation point.
type Reference struct {
	dims Dims

	meanW, meanB *Parameter
	stdW, stdB   *Parameter
	genNoise     *Parameter
	genCond      *Parameter
	genBias      *Parameter

	imageW *Parameter
	proj   *Parameter
	embedW *Parameter
	bias   *Parameter
}

type forwardCache struct {
	cond      *mat.Dense // reparameterised conditioning sample
	std       *mat.Dense // exp(log_std)
	inputGrad *mat.Dense // dD/dx per row
	xhat      *mat.Dense
}

// NewReference builds a reference model with N(0, 0.02) weights and zero
// biases drawn from seed.
func NewReference(d Dims, seed uint64) (*Reference, error) {
	if d.Image < 1 || d.Embedding < 1 || d.Condition < 1 || d.Noise < 1 {
		return nil, fmt.Errorf("model dimensions must be positive, got %+v", d)
	}

	dist := distuv.Normal{Mu: 0, Sigma: initStdDev, Src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
	weight := func(name string, part Partition, rows, cols int) *Parameter {
		data := make([]float64, rows*cols)
		for i := range data {
			data[i] = dist.Rand()
		}
		return &Parameter{Name: name, Partition: part, Value: mat.NewDense(rows, cols, data)}
	}
	zeros := func(name string, part Partition, rows, cols int) *Parameter {
		return &Parameter{Name: name, Partition: part, Value: mat.NewDense(rows, cols, nil)}
	}

	return &Reference{
		dims: d,

		meanW:    weight("generator/embed_mean_w", Generator, d.Embedding, d.Condition),
		meanB:    zeros("generator/embed_mean_b", Generator, 1, d.Condition),
		stdW:     weight("generator/embed_log_std_w", Generator, d.Embedding, d.Condition),
		stdB:     zeros("generator/embed_log_std_b", Generator, 1, d.Condition),
		genNoise: weight("generator/noise_w", Generator, d.Noise, d.Image),
		genCond:  weight("generator/condition_w", Generator, d.Condition, d.Image),
		genBias:  zeros("generator/output_b", Generator, 1, d.Image),

		imageW: weight("critic/image_w", Critic, d.Image, 1),
		proj:   weight("critic/projection", Critic, d.Image, d.Embedding),
		embedW: weight("critic/embed_w", Critic, d.Embedding, 1),
		bias:   zeros("critic/bias", Critic, 1, 1),
	}, nil
}

func (r *Reference) Dims() Dims {
	return r.dims
}

func (r *Reference) Parameters(p Partition) []*Parameter {
	switch p {
	case Critic:
		return []*Parameter{r.imageW, r.proj, r.embedW, r.bias}
	case Generator:
		return []*Parameter{r.meanW, r.meanB, r.stdW, r.stdB, r.genNoise, r.genCond, r.genBias}
	default:
		return nil
	}
}

func (r *Reference) Forward(in *Inputs) (*Outputs, error) {
	if err := in.Validate(r.dims); err != nil {
		return nil, fmt.Errorf("invalid inputs: %w", err)
	}

	n := in.BatchSize()
	mean := affine(in.Embed, r.meanW.Value, r.meanB.Value)
	logStd := affine(in.Embed, r.stdW.Value, r.stdB.Value)
	std := exp(logStd)

	cond := mat.NewDense(n, r.dims.Condition, nil)
	cond.MulElem(std, in.Eps)
	cond.Add(cond, mean)

	gen := r.generate(in.Z, cond)
	inputGrad, norms := r.inputGradient(in.Embed)

	cache := &forwardCache{cond: cond, std: std, inputGrad: inputGrad}
	out := &Outputs{
		Synthetic:   r.scores(gen, in.Embed),
		Generated:   gen,
		EmbedMean:   mean,
		EmbedLogStd: logStd,
		Aux:         cache,
	}

	if in.HasReal() {
		cache.xhat = interpolate(in.Real, gen, in.Alpha)
		out.RealMatch = r.scores(in.Real, in.Embed)
		out.RealMismatch = r.scores(in.Wrong, in.Embed)
		out.Interpolated = r.scores(cache.xhat, in.Embed)
		out.InterpGradNorm = norms
	}

	return out, nil
}

func (r *Reference) Backward(in *Inputs, out *Outputs, adj *Adjoints, p Partition) ([]*mat.Dense, error) {
	cache, ok := out.Aux.(*forwardCache)
	if !ok {
		return nil, fmt.Errorf("outputs were not produced by the reference model")
	}
	if adj == nil {
		adj = &Adjoints{}
	}

	switch p {
	case Critic:
		return r.backwardCritic(in, out, cache, adj)
	case Generator:
		return r.backwardGenerator(in, out, cache, adj)
	default:
		return nil, fmt.Errorf("unknown partition %v", p)
	}
}

func (r *Reference) Sample(z, embed *mat.Dense) (*mat.Dense, error) {
	zr, zc := z.Dims()
	er, ec := embed.Dims()
	if zc != r.dims.Noise {
		return nil, fmt.Errorf("noise has width %d, expected %d", zc, r.dims.Noise)
	}
	if ec != r.dims.Embedding {
		return nil, fmt.Errorf("embedding has width %d, expected %d", ec, r.dims.Embedding)
	}
	if zr != er {
		return nil, fmt.Errorf("noise batch %d does not match embedding batch %d", zr, er)
	}

	// Inference conditions on the distribution mean.
	mean := affine(embed, r.meanW.Value, r.meanB.Value)
	return r.generate(z, mean), nil
}

func (r *Reference) generate(z, cond *mat.Dense) *mat.Dense {
	var pre, condTerm mat.Dense
	pre.Mul(z, r.genNoise.Value)
	condTerm.Mul(cond, r.genCond.Value)
	pre.Add(&pre, &condTerm)
	addRow(&pre, r.genBias.Value)
	return tanh(&pre)
}

func (r *Reference) scores(x, embed *mat.Dense) []float64 {
	n, _ := x.Dims()
	var xw, xp, ew mat.Dense
	xw.Mul(x, r.imageW.Value)
	xp.Mul(x, r.proj.Value)
	ew.Mul(embed, r.embedW.Value)
	b := r.bias.Value.At(0, 0)

	out := make([]float64, n)
	for i := range out {
		out[i] = xw.At(i, 0) + floats.Dot(xp.RawRowView(i), embed.RawRowView(i)) + ew.At(i, 0) + b
	}
	return out
}

// inputGradient returns dD/dx = wx + P e for every row and its L2 norm.
func (r *Reference) inputGradient(embed *mat.Dense) (*mat.Dense, []float64) {
	n, _ := embed.Dims()
	var grad mat.Dense
	grad.Mul(embed, r.proj.Value.T())

	wx := mat.Col(nil, 0, r.imageW.Value)
	norms := make([]float64, n)
	for i := 0; i < n; i++ {
		row := grad.RawRowView(i)
		floats.Add(row, wx)
		norms[i] = floats.Norm(row, 2)
	}
	return &grad, norms
}

func (r *Reference) backwardCritic(in *Inputs, out *Outputs, cache *forwardCache, adj *Adjoints) ([]*mat.Dense, error) {
	n := in.BatchSize()

	// Every critic score is linear in (wx, P) through its image row, so
	// the image-side gradient is a weighted sum of rows.
	weighted := mat.NewDense(n, r.dims.Image, nil)
	scoreAdj := make([]float64, n)
	accumulate := func(x *mat.Dense, a []float64) error {
		if a == nil {
			return nil
		}
		if x == nil {
			return fmt.Errorf("critic adjoint given for an output the forward pass did not compute")
		}
		for i := 0; i < n; i++ {
			if a[i] == 0 {
				continue
			}
			floats.AddScaled(weighted.RawRowView(i), a[i], x.RawRowView(i))
			scoreAdj[i] += a[i]
		}
		return nil
	}
	if err := accumulate(in.Real, adj.RealMatch); err != nil {
		return nil, err
	}
	if err := accumulate(in.Wrong, adj.RealMismatch); err != nil {
		return nil, err
	}
	if err := accumulate(out.Generated, adj.Synthetic); err != nil {
		return nil, err
	}
	if err := accumulate(cache.xhat, adj.Interpolated); err != nil {
		return nil, err
	}

	// d||wx + P e||/d(wx, P) = u/||u|| (outer e for P).
	if adj.InterpGradNorm != nil {
		if out.InterpGradNorm == nil {
			return nil, fmt.Errorf("gradient norm adjoint given without a critic pass")
		}
		for i := 0; i < n; i++ {
			norm := out.InterpGradNorm[i]
			if norm < normEpsilon || adj.InterpGradNorm[i] == 0 {
				continue
			}
			floats.AddScaled(weighted.RawRowView(i), adj.InterpGradNorm[i]/norm, cache.inputGrad.RawRowView(i))
		}
	}

	imageW := mat.NewDense(r.dims.Image, 1, colSum(weighted).RawRowView(0))
	var proj, embedW mat.Dense
	proj.Mul(weighted.T(), in.Embed)
	embedW.Mul(in.Embed.T(), mat.NewDense(n, 1, scoreAdj))
	bias := mat.NewDense(1, 1, []float64{floats.Sum(scoreAdj)})

	return []*mat.Dense{imageW, &proj, &embedW, bias}, nil
}

func (r *Reference) backwardGenerator(in *Inputs, out *Outputs, cache *forwardCache, adj *Adjoints) ([]*mat.Dense, error) {
	n := in.BatchSize()

	// dD(G)/dG is the critic input gradient of the row.
	dGen := mat.NewDense(n, r.dims.Image, nil)
	for i := 0; i < n; i++ {
		row := dGen.RawRowView(i)
		if adj.Synthetic != nil {
			floats.AddScaled(row, adj.Synthetic[i], cache.inputGrad.RawRowView(i))
		}
		if adj.Interpolated != nil && cache.xhat != nil {
			floats.AddScaled(row, adj.Interpolated[i]*(1-in.Alpha[i]), cache.inputGrad.RawRowView(i))
		}
	}

	dPre := mat.NewDense(n, r.dims.Image, nil)
	dPre.Apply(func(i, j int, v float64) float64 {
		g := out.Generated.At(i, j)
		return v * (1 - g*g)
	}, dGen)

	var dNoise, dCondW, dCond mat.Dense
	dNoise.Mul(in.Z.T(), dPre)
	dCondW.Mul(cache.cond.T(), dPre)
	dCond.Mul(dPre, r.genCond.Value.T())

	dMean := mat.DenseCopyOf(&dCond)
	if adj.EmbedMean != nil {
		dMean.Add(dMean, adj.EmbedMean)
	}

	dLogStd := mat.NewDense(n, r.dims.Condition, nil)
	dLogStd.MulElem(&dCond, cache.std)
	dLogStd.MulElem(dLogStd, in.Eps)
	if adj.EmbedLogStd != nil {
		dLogStd.Add(dLogStd, adj.EmbedLogStd)
	}

	var dMeanW, dStdW mat.Dense
	dMeanW.Mul(in.Embed.T(), dMean)
	dStdW.Mul(in.Embed.T(), dLogStd)

	return []*mat.Dense{
		&dMeanW, colSum(dMean),
		&dStdW, colSum(dLogStd),
		&dNoise, &dCondW, colSum(dPre),
	}, nil
}
