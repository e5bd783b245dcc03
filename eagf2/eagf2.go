// eagf2.go --  This file is part of goAGF2.
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

// Package eagf2 runs the fragment-embedded variant of the auxiliary
// second-order solver: sector moments are built per fragment cluster,
// democratically partitioned, and recombined into a single self-energy
// before each Dyson and Fock update.
package eagf2

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"

	agf2 "example.com/goagf2"
)

// ErrNoFragments is returned by Kernel when no fragments were defined.
var ErrNoFragments = errors.New("no fragments defined for calculation")

// Options extends the solver options with embedding controls.
type Options struct {
	agf2.Options `yaml:",inline"`

	// Strict turns soft input warnings (non-orthogonal orbitals,
	// non-integer fragment electron counts) into errors.
	Strict bool `yaml:"strict"`
	// OrthogonalMOTol is the largest tolerated deviation of C^T S C from
	// identity before the input orbitals are rejected.
	OrthogonalMOTol float64 `yaml:"orthogonal_mo_tol"`
}

// DefaultOptions mirrors the solver defaults with embedding additions.
func DefaultOptions() *Options {
	return &Options{
		Options:         *agf2.DefaultOptions(),
		OrthogonalMOTol: 1e-10,
	}
}

// Results is the outcome record of an embedded run.
type Results struct {
	Converged bool
	ECorr     float64
	E1b       float64
	E2b       float64
	ETot      float64
	IP        float64
	EA        float64
	GF        *agf2.GreensFunction
	SE        *agf2.SelfEnergy
}

// clusterResult memoizes a fragment cluster solution for reuse by
// symmetry-related fragments.
type clusterResult struct {
	cActive *mat.Dense
	tOcc    []*mat.Dense
	tVir    []*mat.Dense
}

// EAGF2 is the embedded driver. Fragments partition the physical space;
// every outer iteration rebuilds the self-energy from per-fragment
// cluster moments.
type EAGF2 struct {
	opts   *Options
	log    *zap.Logger
	mf     *agf2.MeanField
	solver *agf2.RAGF2
	frags  []*Fragment

	clusterResults map[int]*clusterResult
	results        *Results
	e1b, e2b       float64
}

// NewEAGF2 wraps a mean-field reference and integral provider in an
// embedded driver. Frozen orbitals are not supported in the embedded
// variant; fragments must span the full active space between them.
func NewEAGF2(mf *agf2.MeanField, eri agf2.Integrals, opts *Options, log *zap.Logger) (*EAGF2, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if log == nil {
		log = zap.NewNop()
	}

	solver, err := agf2.NewRAGF2(mf, eri, 0, 0, &opts.Options, log)
	if err != nil {
		return nil, err
	}

	e := &EAGF2{
		opts:           opts,
		log:            log,
		mf:             mf,
		solver:         solver,
		clusterResults: make(map[int]*clusterResult),
	}
	if err := e.checkOrthogonality(); err != nil {
		return nil, err
	}
	return e, nil
}

// checkOrthogonality measures max |C^T S C - 1| of the input orbitals.
func (e *EAGF2) checkOrthogonality() error {
	var cts mat.Dense
	cts.Mul(e.mf.MOCoeff.T(), e.mf.Ovlp)
	var ctsc mat.Dense
	ctsc.Mul(&cts, e.mf.MOCoeff)

	n, _ := ctsc.Dims()
	nonorth := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if d := math.Abs(ctsc.At(i, j) - want); d > nonorth {
				nonorth = d
			}
		}
	}
	e.log.Info("Max non-orthogonality of input orbitals", zap.Float64("value", nonorth))
	if nonorth > e.opts.OrthogonalMOTol {
		if e.opts.Strict {
			return fmt.Errorf("input orbitals are not orthogonal: %.2e > %.2e", nonorth, e.opts.OrthogonalMOTol)
		}
		e.log.Warn("Input orbitals exceed orthogonality tolerance", zap.Float64("value", nonorth))
	}
	return nil
}

// AddFragment registers a fragment spanned by orthonormal columns of
// coeff over the active orbital basis.
func (e *EAGF2) AddFragment(name string, coeff *mat.Dense) (*Fragment, error) {
	f := &Fragment{
		ID:        len(e.frags),
		Name:      name,
		Coeff:     mat.DenseCopyOf(coeff),
		SymFactor: 1.0,
	}
	if err := f.validate(e.solver.Space().NAct()); err != nil {
		return nil, err
	}
	e.frags = append(e.frags, f)
	e.log.Info("Added fragment", zap.Int("id", f.ID), zap.String("name", name), zap.Int("norb", f.Nfrag()))
	return f, nil
}

// AddSymmetricFragment registers a fragment whose cluster solution is
// taken from parent rather than recomputed.
func (e *EAGF2) AddSymmetricFragment(name string, coeff *mat.Dense, parent *Fragment) (*Fragment, error) {
	f, err := e.AddFragment(name, coeff)
	if err != nil {
		return nil, err
	}
	f.SymParent = parent
	return f, nil
}

// Fragments lists the registered fragments.
func (e *EAGF2) Fragments() []*Fragment { return e.frags }

// fragmentNelec is the mean-field electron count carried by the fragment
// subspace.
func (e *EAGF2) fragmentNelec(f *Fragment) float64 {
	lo, _ := e.solver.Space().ActiveRange()
	nact, nfrag := f.Coeff.Dims()
	n := 0.0
	for i := 0; i < nact; i++ {
		occ := e.mf.MOOcc[lo+i]
		if occ == 0 {
			continue
		}
		for k := 0; k < nfrag; k++ {
			c := f.Coeff.At(i, k)
			n += occ * c * c
		}
	}
	return n
}

// clusterKernel builds the sector moments of a fragment cluster. The
// cluster spans the combined physical and auxiliary space; its physical
// rows rotate the moment contraction.
func (e *EAGF2) clusterKernel(gf *agf2.GreensFunction, cActive *mat.Dense) (*clusterResult, error) {
	nact := e.solver.Space().NAct()
	_, ncl := cActive.Dims()
	cphys := mat.DenseCopyOf(cActive.Slice(0, nact, 0, ncl))

	tOcc, tVir, err := e.solver.BuildSectorMoments(gf, cphys)
	if err != nil {
		return nil, err
	}
	return &clusterResult{cActive: cActive, tOcc: tOcc, tVir: tVir}, nil
}

// projInto expresses the projector of subspace c in the cluster frame:
// (cActive^T c)(cActive^T c)^T.
func projInto(cActive, c *mat.Dense) *mat.Dense {
	var t mat.Dense
	t.Mul(cActive.T(), c)
	var p mat.Dense
	p.Mul(&t, t.T())
	return mat.DenseCopyOf(&p)
}

// Kernel runs the embedded self-consistency.
func (e *EAGF2) Kernel() (*Results, error) {
	if len(e.frags) == 0 {
		return nil, ErrNoFragments
	}

	nelecFrags := 0.0
	for _, f := range e.frags {
		nelecFrags += f.SymFactor * e.fragmentNelec(f)
	}
	e.log.Info("Mean-field electrons over all fragments", zap.Float64("nelec", nelecFrags))
	if d := math.Abs(nelecFrags - math.Round(nelecFrags)); d > 1e-4 {
		if e.opts.Strict {
			return nil, fmt.Errorf("fragment electron count %.8f is not an integer", nelecFrags)
		}
		e.log.Warn("Number of fragment electrons not integer", zap.Float64("nelec", nelecFrags))
	}

	nact := e.solver.Space().NAct()
	nmom := e.opts.NmomTotal()

	gf0 := e.solver.InitGreensFunction()
	se := agf2.EmptySelfEnergy(nact, gf0.Chempot())

	fockMO := mat.NewDense(nact, nact, nil)
	for i, en := range e.solver.Space().ActiveEnergy() {
		fockMO.Set(i, i, en)
	}
	fock := mat.DenseCopyOf(fockMO)

	d := agf2.NewDIIS(e.opts.DIISSpace, e.opts.DIISMinSpace)
	e.e1b = e.mf.ETot
	e.e2b = 0.0
	converged := false

	var gf *agf2.GreensFunction

	for niter := 0; niter <= e.opts.MaxCycle; niter++ {
		e.log.Info("Iteration", zap.Int("cycle", niter))

		sePrev := se
		ePrev := e.e1b + e.e2b

		// propagator the clusters are built against
		gfAux, err := e.solver.DysonGreensFunction(se, fock)
		if err != nil {
			return nil, err
		}

		momsOcc := zeroMoments(nmom, nact)
		momsVir := zeroMoments(nmom, nact)

		for _, frag := range e.frags {
			ndim := nact + se.Naux()
			pFrag := frag.fragmentProjector(ndim)
			cFrag, cEnv, err := orthNull(pFrag)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", frag, err)
			}
			cFull := hstack(cFrag, cEnv)

			var res *clusterResult
			if frag.SymParent == nil {
				res, err = e.clusterKernel(gfAux, cFull)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", frag, err)
				}
				e.clusterResults[frag.ID] = res
			} else {
				e.log.Info("Fragment is symmetry related", zap.Int("id", frag.ID), zap.Int("parent", frag.SymParent.ID))
				res = e.clusterResults[frag.SymParent.ID]
				if res == nil {
					return nil, fmt.Errorf("%s: parent cluster has not been solved", frag)
				}
			}

			p1 := projInto(res.cActive, cFrag)
			p2 := projInto(res.cActive, cFull)
			mOcc := DemocraticPartition(res.tOcc, p1, p2)
			mVir := DemocraticPartition(res.tVir, p1, p2)

			_, ncl := res.cActive.Dims()
			cp := mat.DenseCopyOf(res.cActive.Slice(0, nact, 0, ncl))
			accumulateRotated(momsOcc, mOcc, cp)
			accumulateRotated(momsVir, mVir, cp)
		}

		seOcc, err := agf2.BuildSEFromMoments(momsOcc, gfAux.Chempot(), e.opts.WeightTol, e.log)
		if err != nil {
			return nil, fmt.Errorf("occupied self-energy: %w", err)
		}
		seVir, err := agf2.BuildSEFromMoments(momsVir, gfAux.Chempot(), e.opts.WeightTol, e.log)
		if err != nil {
			return nil, fmt.Errorf("virtual self-energy: %w", err)
		}
		se, err = e.solver.CombineSE(seOcc, seVir, gfAux)
		if err != nil {
			return nil, err
		}

		if niter != 0 {
			se, err = e.solver.RunDIIS(se, gfAux, d, sePrev)
			if err != nil {
				return nil, err
			}
		}

		gfNew, err := e.solver.DysonGreensFunction(se, fockMO)
		if err != nil {
			return nil, err
		}
		loopRes, err := e.solver.FockLoop(gfNew, se, mat.DenseCopyOf(fockMO))
		if err != nil {
			return nil, err
		}
		gf, se, fock = loopRes.GF, loopRes.SE, loopRes.Fock
		gf = gf.RemoveUncoupled(1e-12)
		e.solver.SetState(gf, se)

		e.e1b, err = e.solver.Energy1Body(gf)
		if err != nil {
			return nil, err
		}
		e.e2b = e.solver.Energy2Body(gf, se)
		e.log.Info("Energies",
			zap.Float64("e_1b", e.e1b),
			zap.Float64("e_2b", e.e2b),
			zap.Float64("e_tot", e.e1b+e.e2b),
		)

		deltas := e.solver.ConvergenceDeltas(se, sePrev, e.e1b+e.e2b, ePrev)
		e.log.Info("Convergence deltas",
			zap.Float64("energy", deltas.DeltaE),
			zap.Float64("moment0", deltas.DeltaT0),
			zap.Float64("moment1", deltas.DeltaT1),
		)
		if deltas.Met(&e.opts.Options) {
			converged = true
			break
		}
	}

	ip, ea := math.NaN(), math.NaN()
	if occ := gf.Occupied(); occ.Naux() > 0 {
		ip = -slices.Max(occ.Energy())
	}
	if vir := gf.Virtual(); vir.Naux() > 0 {
		ea = slices.Min(vir.Energy())
	}

	e.results = &Results{
		Converged: converged,
		ECorr:     e.e1b + e.e2b - e.mf.ETot,
		E1b:       e.e1b,
		E2b:       e.e2b,
		ETot:      e.e1b + e.e2b,
		IP:        ip,
		EA:        ea,
		GF:        gf,
		SE:        se,
	}
	if converged {
		e.log.Info("Converged")
	} else {
		e.log.Warn("Not converged", zap.Int("max_cycle", e.opts.MaxCycle))
	}
	return e.results, nil
}

// Results returns the record of the last Kernel call, nil before it.
func (e *EAGF2) Results() *Results { return e.results }

func zeroMoments(nmom, n int) []*mat.Dense {
	out := make([]*mat.Dense, nmom)
	for i := range out {
		out[i] = mat.NewDense(n, n, nil)
	}
	return out
}

// accumulateRotated adds cp m cp^T to each destination moment.
func accumulateRotated(dst, m []*mat.Dense, cp *mat.Dense) {
	for n := range dst {
		var half mat.Dense
		half.Mul(cp, m[n])
		var t mat.Dense
		t.Mul(&half, cp.T())
		dst[n].Add(dst[n], &t)
	}
}
