// fragment.go --  This file is part of goAGF2.
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
package eagf2

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// projectorTol separates occupied from null eigenvalues of a projector.
const projectorTol = 1e-10

// Fragment is a subspace of the physical orbital space treated as an
// embedding fragment. Coeff holds orthonormal columns over the active
// orbital basis. SymParent, when set, marks the fragment as symmetry
// related to another: its cluster solution is reused rather than
// recomputed.
type Fragment struct {
	ID        int
	Name      string
	Coeff     *mat.Dense
	SymParent *Fragment
	SymFactor float64
}

// Nfrag is the number of fragment orbitals.
func (f *Fragment) Nfrag() int {
	_, n := f.Coeff.Dims()
	return n
}

func (f *Fragment) String() string {
	return fmt.Sprintf("Fragment(%d: %s, n=%d)", f.ID, f.Name, f.Nfrag())
}

// validate checks the coefficient block against the active dimension and
// requires orthonormal columns.
func (f *Fragment) validate(nact int) error {
	rows, cols := f.Coeff.Dims()
	if rows != nact || cols == 0 || cols > nact {
		return fmt.Errorf("fragment %q: coefficients are %dx%d, want %dxn with 0 < n <= %d",
			f.Name, rows, cols, nact, nact)
	}
	var ctc mat.Dense
	ctc.Mul(f.Coeff.T(), f.Coeff)
	for i := 0; i < cols; i++ {
		for j := 0; j < cols; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if d := ctc.At(i, j) - want; d > 1e-8 || d < -1e-8 {
				return fmt.Errorf("fragment %q: coefficient columns are not orthonormal", f.Name)
			}
		}
	}
	return nil
}

// fragmentProjector embeds the fragment subspace into the combined
// physical plus auxiliary frame of dimension ndim, occupying the leading
// physical block.
func (f *Fragment) fragmentProjector(ndim int) *mat.Dense {
	p := mat.NewDense(ndim, ndim, nil)
	nact, _ := f.Coeff.Dims()
	var cc mat.Dense
	cc.Mul(f.Coeff, f.Coeff.T())
	for i := 0; i < nact; i++ {
		for j := 0; j < nact; j++ {
			p.Set(i, j, cc.At(i, j))
		}
	}
	return p
}

// orthNull splits a symmetric projector into an orthonormal basis of its
// range and of its null space.
func orthNull(p *mat.Dense) (cRange, cNull *mat.Dense, err error) {
	n, _ := p.Dims()
	var eig mat.EigenSym
	if !eig.Factorize(mat.NewSymDense(n, symmetrizedData(p)), true) {
		return nil, nil, fmt.Errorf("projector eigendecomposition failed")
	}
	w := eig.Values(nil)
	var v mat.Dense
	eig.VectorsTo(&v)

	var rangeIdx, nullIdx []int
	for i, wi := range w {
		if wi > projectorTol {
			rangeIdx = append(rangeIdx, i)
		} else {
			nullIdx = append(nullIdx, i)
		}
	}
	return pickColumns(&v, rangeIdx), pickColumns(&v, nullIdx), nil
}

func pickColumns(v *mat.Dense, idx []int) *mat.Dense {
	n, _ := v.Dims()
	if len(idx) == 0 {
		return nil
	}
	out := mat.NewDense(n, len(idx), nil)
	for col, i := range idx {
		for row := 0; row < n; row++ {
			out.Set(row, col, v.At(row, i))
		}
	}
	return out
}

func symmetrizedData(m *mat.Dense) []float64 {
	n, _ := m.Dims()
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = 0.5 * (m.At(i, j) + m.At(j, i))
		}
	}
	return out
}

func hstack(a, b *mat.Dense) *mat.Dense {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	n, ca := a.Dims()
	_, cb := b.Dims()
	out := mat.NewDense(n, ca+cb, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < ca; j++ {
			out.Set(i, j, a.At(i, j))
		}
		for j := 0; j < cb; j++ {
			out.Set(i, ca+j, b.At(i, j))
		}
	}
	return out
}

// DemocraticPartition symmetrically assigns shared weight between the
// fragment projector p1 and the full-cluster projector p2:
//
//	M' = (p1 M p2^T + p2 M p1^T) / 2
func DemocraticPartition(moms []*mat.Dense, p1, p2 *mat.Dense) []*mat.Dense {
	out := make([]*mat.Dense, len(moms))
	for n, m := range moms {
		var a, b mat.Dense
		a.Mul(p1, m)
		a.Mul(mat.DenseCopyOf(&a), p2.T())
		b.Mul(p2, m)
		b.Mul(mat.DenseCopyOf(&b), p1.T())
		a.Add(&a, &b)
		a.Scale(0.5, &a)
		out[n] = mat.DenseCopyOf(&a)
	}
	return out
}
