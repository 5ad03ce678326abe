package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-wgancls/model"
)

// LossCoefficients weights the auxiliary loss terms.
type LossCoefficients struct {
	Mismatch        float64 // alpha, on the mismatched real score
	GradientPenalty float64 // lambda, on the interpolation gradient penalty
	KL              float64 // on the conditioning distribution KL term
}

// CriticTerms are the components of the critic loss.
type CriticTerms struct {
	Wasserstein     float64 // mean(synthetic) - mean(real_match)
	Mismatch        float64 // mean(real_mismatch)
	GradientPenalty float64 // mean((||grad|| - 1)^2)
	Total           float64
}

// Finite reports whether every term is a finite number.
func (t CriticTerms) Finite() bool {
	return allFinite(t.Wasserstein, t.Mismatch, t.GradientPenalty, t.Total)
}

// GeneratorTerms are the components of the generator loss.
type GeneratorTerms struct {
	Adversarial float64 // -mean(synthetic)
	KL          float64
	Total       float64
}

// Finite reports whether every term is a finite number.
func (t GeneratorTerms) Finite() bool {
	return allFinite(t.Adversarial, t.KL, t.Total)
}

// CriticLoss composes
//
//	total = mean(Ds) - mean(Dr) + alpha*mean(Dw) + lambda*mean((||g||-1)^2)
//
// and returns the derivative of total with respect to each critic output.
func CriticLoss(out *model.Outputs, c LossCoefficients) (CriticTerms, *model.Adjoints, error) {
	n := len(out.RealMatch)
	if n == 0 {
		return CriticTerms{}, nil, fmt.Errorf("critic loss needs real scores")
	}
	for name, s := range map[string][]float64{
		"real_mismatch":    out.RealMismatch,
		"synthetic":        out.Synthetic,
		"interp_grad_norm": out.InterpGradNorm,
	} {
		if len(s) != n {
			return CriticTerms{}, nil, fmt.Errorf("%s has %d scores, expected %d", name, len(s), n)
		}
	}

	inv := 1 / float64(n)
	var terms CriticTerms
	terms.Wasserstein = mean(out.Synthetic) - mean(out.RealMatch)
	terms.Mismatch = mean(out.RealMismatch)

	gpAdj := make([]float64, n)
	for i, g := range out.InterpGradNorm {
		d := g - 1
		terms.GradientPenalty += d * d * inv
		gpAdj[i] = c.GradientPenalty * 2 * d * inv
	}
	terms.Total = terms.Wasserstein + c.Mismatch*terms.Mismatch + c.GradientPenalty*terms.GradientPenalty

	adj := &model.Adjoints{
		RealMatch:      filled(n, -inv),
		RealMismatch:   filled(n, c.Mismatch*inv),
		Synthetic:      filled(n, inv),
		InterpGradNorm: gpAdj,
	}
	return terms, adj, nil
}

// GeneratorLoss composes
//
//	total = -mean(Ds) + k*mean(-log_std + 0.5*(exp(2*log_std) + mean^2 - 1))
//
// where the KL mean runs over every element of the conditioning
// distribution.
func GeneratorLoss(out *model.Outputs, c LossCoefficients) (GeneratorTerms, *model.Adjoints, error) {
	n := len(out.Synthetic)
	if n == 0 {
		return GeneratorTerms{}, nil, fmt.Errorf("generator loss needs synthetic scores")
	}
	if out.EmbedMean == nil || out.EmbedLogStd == nil {
		return GeneratorTerms{}, nil, fmt.Errorf("generator loss needs the conditioning distribution")
	}
	r, cols := out.EmbedMean.Dims()
	if lr, lc := out.EmbedLogStd.Dims(); lr != r || lc != cols {
		return GeneratorTerms{}, nil, fmt.Errorf("embedding mean %dx%d and log std %dx%d differ", r, cols, lr, lc)
	}

	var terms GeneratorTerms
	terms.Adversarial = -mean(out.Synthetic)

	kl, meanAdj, logStdAdj := klDivergence(out.EmbedMean, out.EmbedLogStd, c.KL)
	terms.KL = kl
	terms.Total = terms.Adversarial + c.KL*terms.KL

	adj := &model.Adjoints{
		Synthetic:   filled(n, -1/float64(n)),
		EmbedMean:   meanAdj,
		EmbedLogStd: logStdAdj,
	}
	return terms, adj, nil
}

// klDivergence returns the mean KL divergence of N(mu, exp(ls)^2) from
// N(0, 1) and its derivatives scaled by weight.
func klDivergence(mu, logStd *mat.Dense, weight float64) (float64, *mat.Dense, *mat.Dense) {
	r, c := mu.Dims()
	inv := 1 / float64(r*c)
	dMu := mat.NewDense(r, c, nil)
	dLs := mat.NewDense(r, c, nil)

	var kl float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m, ls := mu.At(i, j), logStd.At(i, j)
			e := math.Exp(2 * ls)
			kl += (-ls + 0.5*(e+m*m-1)) * inv
			dMu.Set(i, j, weight*m*inv)
			dLs.Set(i, j, weight*(e-1)*inv)
		}
	}
	return kl, dMu, dLs
}

func mean(x []float64) float64 {
	return floats.Sum(x) / float64(len(x))
}

func filled(n int, v float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func allFinite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// gradientsFinite reports whether every gradient entry is finite.
func gradientsFinite(grads []*mat.Dense) bool {
	for _, g := range grads {
		r, c := g.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				v := g.At(i, j)
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return false
				}
			}
		}
	}
	return true
}
