// rdm.go --  This file is part of goAGF2.
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

// MakeRDM1 returns the one-particle density matrix of the current
// propagator. withFrozen embeds the active block into the full MO frame
// with reference occupations on the frozen diagonal.
func (r *RAGF2) MakeRDM1(withFrozen bool) *mat.Dense {
	act := r.gf.MakeRDM1()
	if !withFrozen {
		return act
	}
	return r.embedRDM1(act)
}

// MakeRDM2 returns an approximate two-particle density matrix over the
// active space. The compression of the auxiliary space makes this
// inexact, so it is gated behind Options.AllowApproxRDM2.
func (r *RAGF2) MakeRDM2() (*Dense4C, error) {
	if !r.opts.AllowApproxRDM2 {
		return nil, fmt.Errorf("two-particle density is approximate under pole compression; set allow_approx_rdm2 to accept it")
	}

	var eri *Dense4C
	switch v := r.eri.(type) {
	case *Dense4C:
		eri = v
	case *DF3C:
		r.log.Warn("two-particle density does not support the factorised layout, assembling the four-index tensor")
		eri = v.ToDense4C()
	default:
		return nil, fmt.Errorf("unsupported integral layout %T", r.eri)
	}

	gfOcc, gfVir := r.gf.Occupied(), r.gf.Virtual()
	if gfOcc.Naux() == 0 || gfVir.Naux() == 0 {
		return nil, fmt.Errorf("propagator must carry both occupied and virtual poles")
	}
	ci, ca := gfOcc.Coupling(), gfVir.Coupling()
	ei, ea := gfOcc.Energy(), gfVir.Energy()
	ni, na := gfOcc.Naux(), gfVir.Naux()

	dims := []int{eri.N, eri.N, eri.N, eri.N}
	t2, dims := contractAxis(eri.V, dims, 0, ci)
	t2, dims = contractAxis(t2, dims, 1, ca)
	t2, dims = contractAxis(t2, dims, 2, ci)
	t2, dims = contractAxis(t2, dims, 3, ca)

	for i := 0; i < ni; i++ {
		for a := 0; a < na; a++ {
			eia := ei[i] - ea[a]
			for j := 0; j < ni; j++ {
				for b := 0; b < na; b++ {
					ejb := ei[j] - ea[b]
					idx := ((i*na+a)*ni+j)*na + b
					t2[idx] /= eia + ejb
				}
			}
		}
	}

	ciT := mat.DenseCopyOf(ci.T())
	caT := mat.DenseCopyOf(ca.T())
	t2, dims = contractAxis(t2, dims, 0, ciT)
	t2, dims = contractAxis(t2, dims, 1, caT)
	t2, dims = contractAxis(t2, dims, 2, ciT)
	t2, _ = contractAxis(t2, dims, 3, caT)

	return &Dense4C{N: eri.N, V: t2}, nil
}

// ToDense4C assembles the four-index tensor (ij|kl) = sum_q L_qij L_qkl.
func (d *DF3C) ToDense4C() *Dense4C {
	n := d.N
	nn := n * n
	out := make([]float64, nn*nn)
	_ = d.ForEachBlock(func(q0, rows int, block []float64) error {
		for q := 0; q < rows; q++ {
			lq := block[q*nn : (q+1)*nn]
			for ij := 0; ij < nn; ij++ {
				if lq[ij] == 0 {
					continue
				}
				for kl := 0; kl < nn; kl++ {
					out[ij*nn+kl] += lq[ij] * lq[kl]
				}
			}
		}
		return nil
	})
	return &Dense4C{N: n, V: out}
}
