// diis.go --  This file is part of goAGF2.
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
	"gonum.org/v1/gonum/mat"
)

// DIIS implements direct inversion in the iterative subspace on flat float64
// vectors. Residuals default to successive differences. A singular B matrix
// is a soft failure: the input vector is returned unextrapolated.
type DIIS struct {
	space    int
	minSpace int
	vecs     [][]float64
	errs     [][]float64
	last     []float64
}

func NewDIIS(space, minSpace int) *DIIS {
	if space < 1 {
		space = 1
	}
	if minSpace < 1 {
		minSpace = 1
	}
	return &DIIS{space: space, minSpace: minSpace}
}

// Update pushes x into the history and returns the extrapolated vector.
func (d *DIIS) Update(x []float64) []float64 {
	if d.last == nil {
		d.last = append([]float64(nil), x...)
		return append([]float64(nil), x...)
	}

	res := make([]float64, len(x))
	for i := range x {
		res[i] = x[i] - d.last[i]
	}
	d.vecs = append(d.vecs, append([]float64(nil), x...))
	d.errs = append(d.errs, res)
	if len(d.vecs) > d.space {
		d.vecs = d.vecs[1:]
		d.errs = d.errs[1:]
	}
	d.last = append([]float64(nil), x...)

	nv := len(d.vecs)
	if nv < d.minSpace || nv < 2 {
		return append([]float64(nil), x...)
	}

	// bordered B matrix: B[i][j] = <r_i, r_j>, last row/col = -1
	dim := nv + 1
	b := mat.NewDense(dim, dim, nil)
	for i := 0; i < nv; i++ {
		for j := 0; j < nv; j++ {
			s := 0.0
			for k := range d.errs[i] {
				s += d.errs[i][k] * d.errs[j][k]
			}
			b.Set(i, j, s)
		}
		b.Set(i, nv, -1)
		b.Set(nv, i, -1)
	}

	rhs := mat.NewVecDense(dim, nil)
	rhs.SetVec(nv, -1)

	var lu mat.LU
	lu.Factorize(b)
	var coefs mat.VecDense
	if err := lu.SolveVecTo(&coefs, false, rhs); err != nil {
		return append([]float64(nil), x...)
	}

	out := make([]float64, len(x))
	for j := 0; j < nv; j++ {
		c := coefs.AtVec(j)
		for k := range out {
			out[k] += c * d.vecs[j][k]
		}
	}
	d.last = append([]float64(nil), out...)
	return out
}
