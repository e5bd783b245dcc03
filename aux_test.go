// aux_test.go --  This file is part of goAGF2.
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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func testPoleSet() *SelfEnergy {
	energy := []float64{-2.0, -1.0, 1.0, 2.0}
	coupling := mat.NewDense(2, 4, []float64{
		0.3, -0.1, 0.5, 0.2,
		0.4, 0.2, -0.3, 0.6,
	})
	return NewSelfEnergy(2, energy, coupling, 0.0)
}

func TestCombineSplitRoundTrip(t *testing.T) {
	se := testPoleSet()
	back := Combine(se.Occupied(), se.Virtual())

	require.Equal(t, se.Naux(), back.Naux())
	assert.Equal(t, se.Energy(), back.Energy())
	assert.True(t, matsClose(se.Coupling(), back.Coupling(), 1e-15))
	assert.Equal(t, se.Chempot(), back.Chempot())
}

func TestOccupiedVirtualPartition(t *testing.T) {
	se := testPoleSet()
	occ, vir := se.Occupied(), se.Virtual()

	assert.Equal(t, 2, occ.Naux())
	assert.Equal(t, 2, vir.Naux())
	for _, e := range occ.Energy() {
		assert.Less(t, e, se.Chempot())
	}
	for _, e := range vir.Energy() {
		assert.GreaterOrEqual(t, e, se.Chempot())
	}

	// a pole exactly at the chemical potential counts as virtual
	border := NewSelfEnergy(1, []float64{0.0}, mat.NewDense(1, 1, []float64{1}), 0.0)
	assert.Equal(t, 0, border.Occupied().Naux())
	assert.Equal(t, 1, border.Virtual().Naux())
}

func TestRemoveUncoupledIdempotent(t *testing.T) {
	energy := []float64{-1.0, 0.5, 1.5}
	coupling := mat.NewDense(2, 3, []float64{
		0.5, 1e-9, 0.3,
		0.2, 1e-9, -0.4,
	})
	se := NewSelfEnergy(2, energy, coupling, 0.0)

	once := se.RemoveUncoupled(1e-12)
	assert.Equal(t, 2, once.Naux())

	twice := once.RemoveUncoupled(1e-12)
	assert.Equal(t, once.Naux(), twice.Naux())
	assert.Equal(t, once.Energy(), twice.Energy())
}

func TestPoleSetImmutability(t *testing.T) {
	se := testPoleSet()
	e0 := append([]float64(nil), se.Energy()...)

	shifted := se.ShiftAux(0.5)
	assert.Equal(t, e0, se.Energy(), "ShiftAux must not mutate the receiver")
	assert.InDelta(t, e0[0]-0.5, shifted.Energy()[0], 1e-15)

	rezeroed := se.WithChempot(3.0)
	assert.Equal(t, 0.0, se.Chempot())
	assert.Equal(t, 3.0, rezeroed.Chempot())
}

func TestMomentSymmetry(t *testing.T) {
	se := testPoleSet()
	for n := 0; n < 4; n++ {
		m := se.Moment(n)
		var diff mat.Dense
		diff.Sub(m, m.T())
		assert.InDelta(t, 0.0, mat.Norm(&diff, 2), 1e-14, "moment %d must be symmetric", n)
	}
}

func TestMomentZerothPositive(t *testing.T) {
	se := testPoleSet()
	w, _, err := eigSym(se.Moment(0))
	require.NoError(t, err)
	for _, x := range w {
		assert.GreaterOrEqual(t, x, -1e-14)
	}
}

func TestEmptyPoleSet(t *testing.T) {
	se := EmptySelfEnergy(3, 0.1)
	assert.Equal(t, 0, se.Naux())
	assert.Equal(t, 3, se.Nphys())
	assert.Nil(t, se.Coupling())

	m := se.Moment(0)
	r, c := m.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, 0.0, mat.Norm(m, 2))
}

func TestGreensFunctionRDM1(t *testing.T) {
	// two poles below the potential, identity coupling: rdm1 = 2 I on the
	// occupied columns
	coupling := mat.NewDense(2, 3, []float64{
		1, 0, 0,
		0, 1, 0,
	})
	gf := NewGreensFunction(2, []float64{-1.0, -0.5, 1.0}, coupling, 0.0)

	dm := gf.MakeRDM1()
	assert.True(t, matsClose(dm, mat.NewDense(2, 2, []float64{2, 0, 0, 2}), 1e-15))
	assert.InDelta(t, 4.0, gf.NelecBelow(), 1e-15)
}
