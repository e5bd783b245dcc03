// moments_test.go --  This file is part of goAGF2.
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
	"go.uber.org/goleak"
	"gonum.org/v1/gonum/mat"
)

// The model's hole sector couples only the antibonding orbital with weight
// U/2 at pole 2 e_occ - e_vir; the particle sector mirrors it on the bonding
// orbital at 2 e_vir - e_occ.
func TestSectorMomentsAnalytic(t *testing.T) {
	r, err := dimerSolver(nil, nil)
	require.NoError(t, err)
	gf := r.InitGreensFunction()

	tOcc, tVir, err := r.BuildSectorMoments(gf, nil)
	require.NoError(t, err)

	eOcc := 2*r.space.Energy[0] - r.space.Energy[1] // 2h1p pole
	eVir := 2*r.space.Energy[1] - r.space.Energy[0] // 1h2p pole

	assert.True(t, matsClose(tOcc[0], mat.NewDense(2, 2, []float64{0, 0, 0, 1}), 1e-12))
	var scaled mat.Dense
	scaled.Scale(eOcc, tOcc[0])
	assert.True(t, matsClose(tOcc[1], &scaled, 1e-12))

	assert.True(t, matsClose(tVir[0], mat.NewDense(2, 2, []float64{1, 0, 0, 0}), 1e-12))
	scaled.Scale(eVir, tVir[0])
	assert.True(t, matsClose(tVir[1], &scaled, 1e-12))
}

// With opposite-spin scaling 2 and same-spin scaling 0 the particle zeroth
// moment doubles: tr t0 = 2 v^2 for a single coupling element v.
func TestParticleSectorScaledCoupling(t *testing.T) {
	opts := DefaultOptions()
	opts.OSFactor = 2.0
	opts.SSFactor = 0.0
	r, err := dimerSolver(nil, opts)
	require.NoError(t, err)

	_, tVir, err := r.BuildSectorMoments(r.InitGreensFunction(), nil)
	require.NoError(t, err)

	v := dimerU / 2
	assert.InDelta(t, 2*v*v, mat.Trace(tVir[0]), 1e-12)
	assert.True(t, matsClose(tVir[0], mat.NewDense(2, 2, []float64{2 * v * v, 0, 0, 0}), 1e-12))
}

func TestSectorMomentsDenseVsDF(t *testing.T) {
	rd, err := dimerSolver(dimerERI(), nil)
	require.NoError(t, err)
	rf, err := dimerSolver(dimerDF(), nil)
	require.NoError(t, err)

	gf := rd.InitGreensFunction()
	tdOcc, tdVir, err := rd.BuildSectorMoments(gf, nil)
	require.NoError(t, err)
	tfOcc, tfVir, err := rf.BuildSectorMoments(gf, nil)
	require.NoError(t, err)

	for n := range tdOcc {
		assert.True(t, matsClose(tdOcc[n], tfOcc[n], 1e-10), "occupied moment %d differs between layouts", n)
		assert.True(t, matsClose(tdVir[n], tfVir[n], 1e-10), "virtual moment %d differs between layouts", n)
	}
}

func TestSectorMomentsDiagonal(t *testing.T) {
	opts := DefaultOptions()
	opts.DiagonalSE = true
	rdiag, err := dimerSolver(nil, opts)
	require.NoError(t, err)
	rfull, err := dimerSolver(nil, nil)
	require.NoError(t, err)

	gf := rfull.InitGreensFunction()
	dOcc, _, err := rdiag.BuildSectorMoments(gf, nil)
	require.NoError(t, err)
	fOcc, _, err := rfull.BuildSectorMoments(gf, nil)
	require.NoError(t, err)

	for n := range dOcc {
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				if i == j {
					assert.InDelta(t, fOcc[n].At(i, i), dOcc[n].At(i, i), 1e-12)
				} else {
					assert.Equal(t, 0.0, dOcc[n].At(i, j))
				}
			}
		}
	}
}

// The fan-out over outer indices must neither change the result nor leak
// goroutines.
func TestSectorMomentsWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)

	eo := []float64{-0.9, -0.4, -0.1}
	ev := []float64{0.3, 0.8}
	np, ni, na := 3, 3, 2

	tensor := make([]float64, np*ni*ni*na)
	for i := range tensor {
		// deterministic pseudo-random fill
		tensor[i] = float64((i*2654435761)%1000)/1000.0 - 0.5
	}
	sec := &denseSector{t: tensor, np: np, ni: ni, nj: ni, na: na}

	serial := buildSectorMoments(eo, ev, sec, momentParams{nmom: 2, osFactor: 1, ssFactor: 1, workers: 1})
	fanned := buildSectorMoments(eo, ev, sec, momentParams{nmom: 2, osFactor: 1, ssFactor: 1, workers: 4})

	for n := range serial {
		assert.True(t, matsClose(serial[n], fanned[n], 1e-12), "moment %d differs with workers", n)
	}
}

func TestNonDysonSectors(t *testing.T) {
	opts := DefaultOptions()
	opts.NonDyson = true
	r, err := dimerSolver(nil, opts)
	require.NoError(t, err)

	tOcc, tVir, err := r.BuildSectorMoments(r.InitGreensFunction(), nil)
	require.NoError(t, err)

	// hole moments live entirely in the occupied block, particle moments in
	// the virtual block
	assert.Equal(t, 0.0, tOcc[0].At(1, 1))
	assert.Equal(t, 0.0, tVir[0].At(0, 0))
}
