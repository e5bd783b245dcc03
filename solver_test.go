// solver_test.go --  This file is part of goAGF2.
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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNewRAGF2Validation(t *testing.T) {
	_, err := NewRAGF2(dimerMeanField(), nil, 0, 0, nil, nil)
	assert.Error(t, err, "missing integrals must be rejected")

	_, err = NewRAGF2(dimerMeanField(), &Dense4C{N: 3, V: make([]float64, 81)}, 0, 0, nil, nil)
	assert.Error(t, err, "integral dimension mismatch must be rejected")

	_, err = NewRAGF2(dimerMeanField(), dimerERI(), 1, 0, nil, nil)
	assert.Error(t, err, "frozen orbitals without a Veff hook must be rejected")
}

func TestInitGreensFunction(t *testing.T) {
	r, err := dimerSolver(nil, nil)
	require.NoError(t, err)

	gf := r.InitGreensFunction()
	assert.Equal(t, 2, gf.Naux())
	assert.InDelta(t, 1.0, gf.Chempot(), 1e-15, "potential midway between HOMO and LUMO")
	assert.InDelta(t, 2.0, gf.NelecBelow(), 1e-15)
}

func TestEnergyMP2Dimer(t *testing.T) {
	r, err := dimerSolver(nil, nil)
	require.NoError(t, err)

	se, err := r.BuildSelfEnergy(r.InitGreensFunction())
	require.NoError(t, err)

	// (ia|jb)[2(ia|jb) - (ib|ja)] / (2 e_i - 2 e_a) with a single pair
	v := dimerU / 2
	want := v * v / (2 * (r.space.Energy[0] - r.space.Energy[1]))
	assert.InDelta(t, want, r.EnergyMP2(se), 1e-10)
}

func TestEnergy1BodyAtReference(t *testing.T) {
	r, err := dimerSolver(nil, nil)
	require.NoError(t, err)

	e1b, err := r.Energy1Body(r.InitGreensFunction())
	require.NoError(t, err)
	assert.InDelta(t, dimerMeanField().ETot, e1b, 1e-12,
		"the uncorrelated propagator must reproduce the reference energy")
}

func TestDysonPolesAgainstDirect(t *testing.T) {
	opts := DefaultOptions()
	opts.OSFactor = 2.0
	opts.SSFactor = 0.0
	r, err := dimerSolver(nil, opts)
	require.NoError(t, err)

	gf := r.InitGreensFunction()
	se, err := r.BuildSelfEnergy(gf)
	require.NoError(t, err)

	fock := mat.NewDense(2, 2, nil)
	for i, e := range r.space.ActiveEnergy() {
		fock.Set(i, i, e)
	}
	w, _, err := SolveDyson(se, fock)
	require.NoError(t, err)

	// each orbital couples to one pole with squared strength 2 v^2; the
	// Dyson eigenvalues follow from direct 2x2 diagonalisation
	v2 := 2.0 * (dimerU / 2) * (dimerU / 2)
	e0, e1 := r.space.Energy[0], r.space.Energy[1]
	eOcc, eVir := 2*e0-e1, 2*e1-e0

	direct := []float64{}
	for _, pair := range [][2]float64{{e0, eVir}, {e1, eOcc}} {
		tr, det := pair[0]+pair[1], pair[0]*pair[1]-v2
		disc := math.Sqrt(tr*tr - 4*det)
		direct = append(direct, 0.5*(tr-disc), 0.5*(tr+disc))
	}
	for _, de := range direct {
		found := false
		for _, we := range w {
			if math.Abs(we-de) < 1e-9 {
				found = true
			}
		}
		assert.True(t, found, "expected Dyson pole at %.6f, spectrum %v", de, w)
	}
}

func TestFockLoopParticleNumber(t *testing.T) {
	r, err := dimerSolver(nil, nil)
	require.NoError(t, err)

	gf := r.InitGreensFunction()
	se, err := r.BuildSelfEnergy(gf)
	require.NoError(t, err)

	res, err := r.FockLoop(gf, se, nil)
	require.NoError(t, err)
	require.True(t, res.Converged)
	assert.InDelta(t, 2.0, res.GF.NelecBelow(), r.opts.ConvTolNelec*10)
}

func TestFockLoopDegeneratePath(t *testing.T) {
	opts := DefaultOptions()
	opts.FockLoop = false
	r, err := dimerSolver(nil, opts)
	require.NoError(t, err)

	gf := r.InitGreensFunction()
	se, err := r.BuildSelfEnergy(gf)
	require.NoError(t, err)

	res, err := r.FockLoop(gf, se, nil)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Equal(t, gf.Nphys(), res.GF.Nphys())
}

func TestKernelDimer(t *testing.T) {
	r, err := dimerSolver(nil, nil)
	require.NoError(t, err)

	res, err := r.Kernel()
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.Less(t, res.ETot, dimerMeanField().ETot, "correlation must lower the energy")
	assert.Less(t, res.ECorr, 0.0)
	assert.False(t, math.IsNaN(res.IP))
	assert.False(t, math.IsNaN(res.EA))
	assert.Greater(t, res.IP, 0.0)
	assert.Greater(t, res.GF.Naux(), 2, "auxiliaries must appear in the propagator")

	// particle number survives the full self-consistency
	assert.InDelta(t, 2.0, res.GF.NelecBelow(), 1e-5)
}

// A reference with more basis functions than orbitals is valid input; the
// one-body transform and the full self-consistency must match the square
// frame, since the extra frame direction is invisible to the orbital basis.
func TestKernelRectangularReference(t *testing.T) {
	rect, err := NewRAGF2(embedDimerMeanField(), dimerERI(), 0, 0, nil, nil)
	require.NoError(t, err)

	want := mat.NewDense(2, 2, []float64{-1, 0, 0, 1})
	assert.True(t, matsClose(rect.h1e, want, 1e-12), "transformed core hamiltonian")

	square, err := dimerSolver(nil, nil)
	require.NoError(t, err)

	resR, err := rect.Kernel()
	require.NoError(t, err)
	resS, err := square.Kernel()
	require.NoError(t, err)

	require.True(t, resR.Converged)
	assert.InDelta(t, resS.ETot, resR.ETot, 1e-6)
	assert.InDelta(t, resS.IP, resR.IP, 1e-6)
}

// With orthonormal orbitals and a linear Veff hook the atomic-basis Fock
// route reduces to fock = h1e + 0.5 rdm1, rectangular coefficients included.
func TestFockViaVeffRectangular(t *testing.T) {
	mf := embedDimerMeanField()
	mf.Veff = func(dm *mat.Dense) *mat.Dense {
		var v mat.Dense
		v.Scale(0.5, dm)
		return &v
	}
	opts := DefaultOptions()
	opts.FockBasis = "ao"

	r, err := NewRAGF2(mf, dimerERI(), 0, 0, opts, nil)
	require.NoError(t, err)

	fock, err := r.getFockFromRDM(mat.NewDense(2, 2, []float64{2, 0, 0, 0}))
	require.NoError(t, err)

	want := mat.NewDense(2, 2, []float64{0, 0, 0, 1})
	assert.True(t, matsClose(fock, want, 1e-12))
}

// Freezing the occupied orbital of the rectangular reference exercises the
// frozen-density potential in the atomic frame. The frozen density lives
// entirely on the first orbital, so its potential vanishes on the active one.
func TestFrozenVeffRectangular(t *testing.T) {
	mf := embedDimerMeanField()
	mf.Veff = func(dm *mat.Dense) *mat.Dense {
		var v mat.Dense
		v.Scale(0.5, dm)
		return &v
	}
	eri := &Dense4C{N: 1, V: []float64{dimerU / 2}}

	r, err := NewRAGF2(mf, eri, 1, 0, nil, nil)
	require.NoError(t, err)

	require.NotNil(t, r.veffFrozen)
	assert.InDelta(t, 0.0, r.veffFrozen.At(0, 0), 1e-14)
	assert.InDelta(t, 1.0, r.h1eAct().At(0, 0), 1e-12)
}

func TestKernelTerminationBudget(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxCycle = 2
	opts.ConvTol = 0.0 // unattainable
	r, err := dimerSolver(nil, opts)
	require.NoError(t, err)

	res, err := r.Kernel()
	require.NoError(t, err, "cycle exhaustion is a soft failure")
	assert.False(t, res.Converged)
}

func TestKernelDFMatchesDense(t *testing.T) {
	rd, err := dimerSolver(dimerERI(), nil)
	require.NoError(t, err)
	rf, err := dimerSolver(dimerDF(), nil)
	require.NoError(t, err)

	resD, err := rd.Kernel()
	require.NoError(t, err)
	resF, err := rf.Kernel()
	require.NoError(t, err)

	assert.InDelta(t, resD.ETot, resF.ETot, 1e-6)
	assert.InDelta(t, resD.IP, resF.IP, 1e-6)
}

func TestCheckpointRoundTrip(t *testing.T) {
	r, err := dimerSolver(nil, nil)
	require.NoError(t, err)
	res, err := r.Kernel()
	require.NoError(t, err)

	fname := filepath.Join(t.TempDir(), "restart.yaml")
	require.NoError(t, r.Snapshot().Save(fname))

	chk, err := LoadCheckpoint(fname)
	require.NoError(t, err)

	r2, err := dimerSolver(nil, nil)
	require.NoError(t, err)
	require.NoError(t, r2.Restore(chk))

	assert.Equal(t, res.Converged, r2.Converged())
	assert.InDelta(t, res.ETot, r2.ETot(), 1e-12)
	assert.Equal(t, res.GF.Naux(), r2.GreensFunctionPoles().Naux())
	assert.InDelta(t, res.GF.Chempot(), r2.GreensFunctionPoles().Chempot(), 1e-12)
}

func TestMakeRDM2Gated(t *testing.T) {
	r, err := dimerSolver(nil, nil)
	require.NoError(t, err)
	_, err = r.Kernel()
	require.NoError(t, err)

	_, err = r.MakeRDM2()
	assert.Error(t, err, "approximate 2-RDM must be opt-in")

	r.opts.AllowApproxRDM2 = true
	rdm2, err := r.MakeRDM2()
	require.NoError(t, err)
	assert.Equal(t, 2, rdm2.N)
	require.NoError(t, checkFinite("rdm2", rdm2.V))
}

func TestMakeRDM1Embedding(t *testing.T) {
	r, err := dimerSolver(nil, nil)
	require.NoError(t, err)
	_, err = r.Kernel()
	require.NoError(t, err)

	act := r.MakeRDM1(false)
	full := r.MakeRDM1(true)
	assert.True(t, matsClose(act, full, 1e-15), "no frozen orbitals: both frames agree")
	assert.InDelta(t, 2.0, mat.Trace(full), 1e-5)
}
