// testmodel_test.go --  This file is part of goAGF2.
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
	"math"

	"gonum.org/v1/gonum/mat"
)

// The two-site model with on-site repulsion dimerU and hopping 1 is the
// workhorse fixture: its orbital basis diagonalises the one-body part and
// every repulsion integral is dimerU/2 when the index parity is even, zero
// otherwise. Sector moments, poles and the second-order energy all have
// closed forms.
const dimerU = 2.0

func dimerMeanField() *MeanField {
	s := 1.0 / math.Sqrt2
	return &MeanField{
		MOEnergy: []float64{-1.0 + dimerU/2, 1.0 + dimerU/2},
		MOCoeff:  mat.NewDense(2, 2, []float64{s, s, s, -s}),
		MOOcc:    []float64{2.0, 0.0},
		Ovlp:     mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
		Hcore:    mat.NewDense(2, 2, []float64{0, -1, -1, 0}),
		ENuc:     0.0,
		ETot:     -1.0,
	}
}

// dimerERI is the dense (ij|kl) tensor of the model in its orbital basis.
func dimerERI() *Dense4C {
	v := make([]float64, 16)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			for k := 0; k < 2; k++ {
				for l := 0; l < 2; l++ {
					if (i+j+k+l)%2 == 0 {
						v[((i*2+j)*2+k)*2+l] = dimerU / 2
					}
				}
			}
		}
	}
	return &Dense4C{N: 2, V: v}
}

// dimerDF is the exact two-vector factorisation of dimerERI: one vector per
// site, L[s,i,j] = sqrt(U) C_si C_sj.
func dimerDF() *DF3C {
	su := math.Sqrt(dimerU)
	s := 1.0 / math.Sqrt2
	c := [][]float64{{s, s}, {s, -s}}
	l := make([]float64, 2*2*2)
	for q := 0; q < 2; q++ {
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				l[(q*2+i)*2+j] = su * c[q][i] * c[q][j]
			}
		}
	}
	return &DF3C{NAux: 2, N: 2, L: l}
}

// embedDimerMeanField carries the same model in a three-function atomic
// frame: the two orbitals are orthonormal vectors in R^3, so the coefficient
// matrix is rectangular while every orbital-frame quantity matches
// dimerMeanField exactly. The third frame direction carries an arbitrary
// core level that the orbital basis never sees.
func embedDimerMeanField() *MeanField {
	r3, r2, r6 := 1/math.Sqrt(3), 1/math.Sqrt2, 1/math.Sqrt(6)
	frame := [][]float64{
		{r3, r3, r3},
		{r2, -r2, 0},
		{r6, r6, -2 * r6},
	}

	hcore := mat.NewDense(3, 3, nil)
	for k, w := range []float64{-1.0, 1.0, 7.0} {
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				hcore.Set(i, j, hcore.At(i, j)+w*frame[k][i]*frame[k][j])
			}
		}
	}

	coeff := mat.NewDense(3, 2, nil)
	for i := 0; i < 3; i++ {
		coeff.Set(i, 0, frame[0][i])
		coeff.Set(i, 1, frame[1][i])
	}

	return &MeanField{
		MOEnergy: []float64{-1.0 + dimerU/2, 1.0 + dimerU/2},
		MOCoeff:  coeff,
		MOOcc:    []float64{2.0, 0.0},
		Ovlp:     mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}),
		Hcore:    hcore,
		ENuc:     0.0,
		ETot:     -1.0,
	}
}

func dimerSolver(eri Integrals, opts *Options) (*RAGF2, error) {
	if eri == nil {
		eri = dimerERI()
	}
	return NewRAGF2(dimerMeanField(), eri, 0, 0, opts, nil)
}

func matsClose(a, b *mat.Dense, tol float64) bool {
	ra, ca := a.Dims()
	rb, cb := b.Dims()
	if ra != rb || ca != cb {
		return false
	}
	for i := 0; i < ra; i++ {
		for j := 0; j < ca; j++ {
			if math.Abs(a.At(i, j)-b.At(i, j)) > tol {
				return false
			}
		}
	}
	return true
}
