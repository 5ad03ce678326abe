package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// affine returns x*w with the 1xk row b added to every row.
func affine(x, w, b *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(x, w)
	addRow(&out, b)
	return &out
}

// addRow adds the 1xk row vector b to every row of m in place.
func addRow(m, b *mat.Dense) {
	r, _ := m.Dims()
	row := b.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(m.RawRowView(i), row)
	}
}

// colSum returns the column sums of m as a 1xk matrix.
func colSum(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(1, c, nil)
	dst := out.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(dst, m.RawRowView(i))
	}
	return out
}

// interpolate returns alpha[i]*a[i] + (1-alpha[i])*b[i] row by row.
func interpolate(a, b *mat.Dense, alpha []float64) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		dst := out.RawRowView(i)
		floats.ScaleTo(dst, alpha[i], a.RawRowView(i))
		floats.AddScaled(dst, 1-alpha[i], b.RawRowView(i))
	}
	return out
}

func tanh(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, m)
	return out
}

func exp(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, v float64) float64 { return math.Exp(v) }, m)
	return out
}
