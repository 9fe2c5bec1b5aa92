package forecast

import "math"

// mat2 is a 2x2 matrix; the filter never needs anything larger.
type mat2 [2][2]float64

var transition = mat2{{1, 1}, {0, 1}}

func diag(a, b float64) mat2 { return mat2{{a, 0}, {0, b}} }

func (m mat2) mul(o mat2) mat2 {
	return mat2{
		{m[0][0]*o[0][0] + m[0][1]*o[1][0], m[0][0]*o[0][1] + m[0][1]*o[1][1]},
		{m[1][0]*o[0][0] + m[1][1]*o[1][0], m[1][0]*o[0][1] + m[1][1]*o[1][1]},
	}
}

func (m mat2) t() mat2 { return mat2{{m[0][0], m[1][0]}, {m[0][1], m[1][1]}} }

func (m mat2) add(o mat2) mat2 {
	return mat2{{m[0][0] + o[0][0], m[0][1] + o[0][1]}, {m[1][0] + o[1][0], m[1][1] + o[1][1]}}
}

func (m mat2) scale(k float64) mat2 {
	return mat2{{m[0][0] * k, m[0][1] * k}, {m[1][0] * k, m[1][1] * k}}
}

func (m mat2) apply(v [2]float64) [2]float64 {
	return [2]float64{m[0][0]*v[0] + m[0][1]*v[1], m[1][0]*v[0] + m[1][1]*v[1]}
}

// sandwich returns m * p * mᵀ.
func (m mat2) sandwich(p mat2) mat2 { return m.mul(p).mul(m.t()) }

func (m mat2) symmetrize() mat2 {
	off := (m[0][1] + m[1][0]) / 2
	return mat2{{m[0][0], off}, {off, m[1][1]}}
}

func (m mat2) trace() float64 { return m[0][0] + m[1][1] }

// psd reports whether a symmetric 2x2 matrix is finite and positive semi-definite
// within a relative tolerance.
func (m mat2) psd() bool {
	for _, row := range m {
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	tol := 1e-12 * math.Max(1, math.Abs(m.trace()))
	if m[0][0] < -tol || m[1][1] < -tol {
		return false
	}
	det := m[0][0]*m[1][1] - m[0][1]*m[1][0]
	return det >= -tol*tol
}

// power returns Fⁿ for the constant-velocity transition.
func transitionPow(n int) mat2 { return mat2{{1, float64(n)}, {0, 1}} }
