// integrals.go --  This file is part of goAGF2.
//
//	goAGF2 is distributed in the hope that it will be useful,
//	but WITHOUT ANY WARRANTY; without even the implied warranty
//	of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//	See the GNU General Public License for more details.
//
//	You should have received a copy of the GNU General Public License
//	along with this program.  If not, see http://www.gnu.org/licenses/
//
// ------------------------------------------------
package agf2

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Integrals is the two-electron repulsion integral provider over the active
// orbital space. The layout is chosen once at construction: a dense
// four-index tensor or a three-index density-fitted factorisation. Both must
// yield numerically equivalent contractions downstream.
type Integrals interface {
	// NOrb is the size of the active orbital space the integrals index.
	NOrb() int
	// Validate checks internal shape consistency against n orbitals.
	Validate(n int) error
}

// Dense4C holds the full rank-4 tensor (ij|kl) in chemist notation, flattened
// with l fastest.
type Dense4C struct {
	N int
	V []float64
}

// NewDense4C wraps a flat (ij|kl) tensor over n orbitals.
func NewDense4C(n int, v []float64) (*Dense4C, error) {
	d := &Dense4C{N: n, V: v}
	if err := d.Validate(n); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dense4C) NOrb() int { return d.N }

func (d *Dense4C) Validate(n int) error {
	if d.N != n || len(d.V) != n*n*n*n {
		return &ShapeError{"Dense4C", fmt.Sprintf("%d^4", n), fmt.Sprintf("N=%d len=%d", d.N, len(d.V))}
	}
	return checkFinite("Dense4C", d.V)
}

// At returns (ij|kl).
func (d *Dense4C) At(i, j, k, l int) float64 {
	n := d.N
	return d.V[((i*n+j)*n+k)*n+l]
}

// DF3C holds the three-index factorisation L[q,i,j] with
// (ij|kl) = sum_q L[q,i,j] L[q,k,l]. Rows (q) are streamed in bounded blocks
// so the equivalent four-index tensor is never materialised implicitly.
type DF3C struct {
	NAux int
	N    int
	L    []float64
	// BlockSize bounds the number of auxiliary rows handed out per block;
	// zero means all rows at once.
	BlockSize int
}

// NewDF3C wraps a flat L[q,i,j] factorisation, j fastest.
func NewDF3C(naux, n int, l []float64) (*DF3C, error) {
	d := &DF3C{NAux: naux, N: n, L: l}
	if err := d.Validate(n); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DF3C) NOrb() int { return d.N }

func (d *DF3C) Validate(n int) error {
	if d.N != n || len(d.L) != d.NAux*n*n {
		return &ShapeError{"DF3C", fmt.Sprintf("naux*%d^2", n), fmt.Sprintf("naux=%d len=%d", d.NAux, len(d.L))}
	}
	return checkFinite("DF3C", d.L)
}

// ForEachBlock yields contiguous auxiliary-row blocks [q0, q0+rows) of the
// factorisation, bounding peak memory for the consumer.
func (d *DF3C) ForEachBlock(fn func(q0, rows int, block []float64) error) error {
	step := d.BlockSize
	if step <= 0 || step > d.NAux {
		step = d.NAux
	}
	nn := d.N * d.N
	for q0 := 0; q0 < d.NAux; q0 += step {
		rows := step
		if q0+rows > d.NAux {
			rows = d.NAux - q0
		}
		if err := fn(q0, rows, d.L[q0*nn:(q0+rows)*nn]); err != nil {
			return err
		}
	}
	return nil
}

// contractAxis contracts axis `axis` of the flat tensor t (row-major with
// dims) with the columns of c, returning the new tensor and dims. The
// contracted axis keeps its position with the new length.
func contractAxis(t []float64, dims []int, axis int, c *mat.Dense) ([]float64, []int) {
	rows, cols := c.Dims()
	if dims[axis] != rows {
		panic(fmt.Sprintf("contractAxis: axis %d has %d, coefficients have %d rows", axis, dims[axis], rows))
	}

	outer := 1
	for i := 0; i < axis; i++ {
		outer *= dims[i]
	}
	inner := 1
	for i := axis + 1; i < len(dims); i++ {
		inner *= dims[i]
	}

	outDims := append([]int(nil), dims...)
	outDims[axis] = cols
	out := make([]float64, outer*cols*inner)

	for o := 0; o < outer; o++ {
		for b := 0; b < cols; b++ {
			for s := 0; s < rows; s++ {
				csb := c.At(s, b)
				if csb == 0 {
					continue
				}
				src := (o*rows + s) * inner
				dst := (o*cols + b) * inner
				for in := 0; in < inner; in++ {
					out[dst+in] += t[src+in] * csb
				}
			}
		}
	}
	return out, outDims
}

// sliceAxis0 restricts the leading axis of a flat tensor to [lo, hi).
func sliceAxis0(t []float64, dims []int, lo, hi int) ([]float64, []int) {
	inner := 1
	for _, d := range dims[1:] {
		inner *= d
	}
	outDims := append([]int(nil), dims...)
	outDims[0] = hi - lo
	return t[lo*inner : hi*inner], outDims
}

// transform4c rotates the last three indices of an (xq|rs) tensor by cj, ck,
// cl. The first index is either rotated by cx or, when cx is nil, kept in the
// orbital basis restricted to [xlo, xhi). Result layout is x, j, k, l with l
// fastest.
func transform4c(d *Dense4C, cx *mat.Dense, xlo, xhi int, cj, ck, cl *mat.Dense) ([]float64, []int) {
	dims := []int{d.N, d.N, d.N, d.N}
	var t []float64
	if cx != nil {
		t, dims = contractAxis(d.V, dims, 0, cx)
	} else {
		t, dims = sliceAxis0(d.V, dims, xlo, xhi)
	}
	t, dims = contractAxis(t, dims, 1, cj)
	t, dims = contractAxis(t, dims, 2, ck)
	t, dims = contractAxis(t, dims, 3, cl)
	return t, dims
}

// transform3c half-transforms the factorisation: Q[q,a,b] =
// sum_{ij} L[q,i,j] ci[i,a] cj[j,b]. ci may be nil to keep the first index in
// the orbital basis restricted to [xlo, xhi).
func transform3c(d *DF3C, ci *mat.Dense, xlo, xhi int, cj *mat.Dense) ([]float64, []int) {
	na := xhi - xlo
	if ci != nil {
		_, na = ci.Dims()
	}
	_, nb := cj.Dims()
	out := make([]float64, d.NAux*na*nb)

	_ = d.ForEachBlock(func(q0, rows int, block []float64) error {
		for q := 0; q < rows; q++ {
			lq := mat.NewDense(d.N, d.N, block[q*d.N*d.N:(q+1)*d.N*d.N])
			var full mat.Dense
			if ci != nil {
				var half mat.Dense
				half.Mul(ci.T(), lq)
				full.Mul(&half, cj)
			} else {
				full.Mul(lq.Slice(xlo, xhi, 0, d.N), cj)
			}
			dst := out[(q0+q)*na*nb : (q0+q+1)*na*nb]
			for a := 0; a < na; a++ {
				for b := 0; b < nb; b++ {
					dst[a*nb+b] = full.At(a, b)
				}
			}
		}
		return nil
	})
	return out, []int{d.NAux, na, nb}
}
