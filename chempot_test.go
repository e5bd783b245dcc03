// chempot_test.go --  This file is part of goAGF2.
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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func identityDense(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1.0)
	}
	return m
}

func TestBinsearchChempotExact(t *testing.T) {
	w := []float64{-2.0, -1.0, 1.0, 2.0}
	v := identityDense(4)

	mu, nerr := binsearchChempot(w, v, 4, 4.0)
	assert.InDelta(t, 0.0, mu, 1e-15, "potential sits midway between HOMO and LUMO")
	assert.InDelta(t, 0.0, nerr, 1e-15)
}

func TestBinsearchChempotOddTarget(t *testing.T) {
	w := []float64{-2.0, -1.0, 1.0, 2.0}
	v := identityDense(4)

	// three electrons cannot be matched; the error reports the residual
	_, nerr := binsearchChempot(w, v, 4, 3.0)
	assert.InDelta(t, 1.0, math.Abs(nerr), 1e-15)
}

func TestBinsearchChempotEmptySpectrum(t *testing.T) {
	mu, nerr := binsearchChempot(nil, nil, 0, 2.0)
	assert.Equal(t, 0.0, mu)
	assert.Equal(t, -2.0, nerr)
}

func TestBracketBisectFindsRoot(t *testing.T) {
	res := bracketBisect(func(x float64) float64 { return x - 0.3 }, 0.0, 0.1, 1e-12, 10, 100)
	require.True(t, res.found)
	assert.InDelta(t, 0.3, res.x, 1e-9)
}

func TestBracketBisectStepFunction(t *testing.T) {
	// discrete electron counts produce step-shaped residuals; the search
	// must settle on the jump
	f := func(x float64) float64 {
		if x < 0.7 {
			return -1.0
		}
		return 1.0
	}
	res := bracketBisect(f, 0.0, 0.1, 1e-12, 10, 200)
	require.True(t, res.found)
	assert.InDelta(t, 0.7, res.x, 1e-6)
}

func TestBracketBisectExhaustsBudget(t *testing.T) {
	res := bracketBisect(func(x float64) float64 { return 1.0 }, 0.0, 0.1, 1e-12, 3, 100)
	assert.False(t, res.found)
	assert.Less(t, res.lo, res.hi)
}

func TestSolveDysonAgainstDirect(t *testing.T) {
	fock := mat.NewDense(2, 2, []float64{0.0, 0.0, 0.0, 2.0})
	se := NewSelfEnergy(2, []float64{-2.0}, mat.NewDense(2, 1, []float64{0, 1}), 1.0)

	w, v, err := SolveDyson(se, fock)
	require.NoError(t, err)
	require.Len(t, w, 3)

	direct := mat.NewDense(3, 3, []float64{
		0, 0, 0,
		0, 2, 1,
		0, 1, -2,
	})
	wd, _, err := eigSym(direct)
	require.NoError(t, err)
	for i := range w {
		assert.InDelta(t, wd[i], w[i], 1e-12)
	}

	// eigenvectors stay orthonormal
	var vtv mat.Dense
	vtv.Mul(v.T(), v)
	assert.True(t, matsClose(&vtv, identityDense(3), 1e-12))
}

func TestSolveDysonRejectsNaN(t *testing.T) {
	fock := mat.NewDense(1, 1, []float64{math.NaN()})
	se := EmptySelfEnergy(1, 0.0)
	_, _, err := SolveDyson(se, fock)
	assert.Error(t, err)
}

func TestMinimizeChempotHitsTarget(t *testing.T) {
	// one orbital hybridising with one auxiliary pole: the physical weight
	// below the potential moves continuously with the auxiliary shift,
	// so one electron is representable exactly at some shift
	fock := mat.NewDense(1, 1, []float64{0.0})
	se := NewSelfEnergy(1, []float64{0.5}, mat.NewDense(1, 1, []float64{0.3}), 0.0)

	out, err := minimizeChempot(se, fock, 1.0, 1e-6, 200, 30)
	require.NoError(t, err)

	w, v, err := SolveDyson(out, fock)
	require.NoError(t, err)
	_, nerr := binsearchChempot(w, v, 1, 1.0)
	assert.LessOrEqual(t, math.Abs(nerr), 1e-5)
}

func TestMinimizeChempotEmptySE(t *testing.T) {
	se := EmptySelfEnergy(2, 0.0)
	out, err := minimizeChempot(se, identityDense(2), 2.0, 1e-6, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Naux())
}
