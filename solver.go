// solver.go --  This file is part of goAGF2.
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
	"math"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"
)

// RAGF2 is the restricted auxiliary second-order Green's function solver:
// a nested fixed point alternating self-energy construction with a
// particle-conserving Fock loop, DIIS-accelerated.
type RAGF2 struct {
	opts  *Options
	log   *zap.Logger
	mf    *MeanField
	space *OrbitalSpace
	eri   Integrals

	h1e        *mat.Dense // full MO basis
	veffFrozen *mat.Dense // active block, nil without frozen orbitals

	gf *GreensFunction
	se *SelfEnergy

	eInit     float64
	e1b       float64
	e2b       float64
	converged bool
}

// NewRAGF2 validates the collaborator inputs and assembles a solver. eri
// must be supplied in the active orbital basis. A nil logger disables
// logging; a nil options pointer selects the defaults.
func NewRAGF2(mf *MeanField, eri Integrals, frozenOcc, frozenVir int, opts *Options, log *zap.Logger) (*RAGF2, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if log == nil {
		log = zap.NewNop()
	}

	space, err := NewOrbitalSpace(mf, frozenOcc, frozenVir)
	if err != nil {
		return nil, err
	}
	if eri == nil {
		return nil, fmt.Errorf("integral provider is required")
	}
	if err := eri.Validate(space.NAct()); err != nil {
		return nil, err
	}

	r := &RAGF2{
		opts:  opts,
		log:   log,
		mf:    mf,
		space: space,
		eri:   eri,
		e1b:   mf.ETot,
	}

	var cth mat.Dense
	cth.Mul(space.Coeff.T(), mf.Hcore)
	var h1e mat.Dense
	h1e.Mul(&cth, space.Coeff)
	r.h1e = mat.DenseCopyOf(&h1e)

	if space.NFroz() > 0 {
		if err := r.buildFrozenVeff(); err != nil {
			return nil, err
		}
	}

	log.Info("Initialized RAGF2",
		zap.Int("nmo", space.NMO),
		zap.Int("nocc", space.NOcc),
		zap.Int("nact", space.NAct()),
		zap.Int("nfroz", space.NFroz()),
	)
	return r, nil
}

// buildFrozenVeff computes the effective potential of the frozen density.
func (r *RAGF2) buildFrozenVeff() error {
	if r.mf.Veff == nil {
		return fmt.Errorf("frozen orbitals require a Veff hook on the mean-field reference")
	}
	nao, _ := r.space.Coeff.Dims()
	cFocc := r.space.Coeff.Slice(0, nao, 0, r.space.FrozenOcc)

	var dm mat.Dense
	dm.Mul(cFocc, cFocc.T())
	dm.Scale(2.0, &dm)

	veffAO := r.mf.Veff(&dm)
	var ctv mat.Dense
	ctv.Mul(r.space.Coeff.T(), veffAO)
	var veff mat.Dense
	veff.Mul(&ctv, r.space.Coeff)

	lo, hi := r.space.ActiveRange()
	r.veffFrozen = mat.DenseCopyOf(veff.Slice(lo, hi, lo, hi))
	return nil
}

func (r *RAGF2) h1eAct() *mat.Dense {
	lo, hi := r.space.ActiveRange()
	return mat.DenseCopyOf(r.h1e.Slice(lo, hi, lo, hi))
}

// embedRDM1 places the active density matrix into the full MO frame, frozen
// blocks taken from the reference occupations.
func (r *RAGF2) embedRDM1(act *mat.Dense) *mat.Dense {
	full := mat.NewDense(r.space.NMO, r.space.NMO, nil)
	for i, o := range r.mf.MOOcc {
		full.Set(i, i, o)
	}
	lo, _ := r.space.ActiveRange()
	nact := r.space.NAct()
	for i := 0; i < nact; i++ {
		for j := 0; j < nact; j++ {
			full.Set(lo+i, lo+j, act.At(i, j))
		}
	}
	return full
}

// embedFock places the active Fock matrix into the full MO frame, frozen
// diagonal taken from the orbital energies.
func (r *RAGF2) embedFock(act *mat.Dense) *mat.Dense {
	full := mat.NewDense(r.space.NMO, r.space.NMO, nil)
	for i, e := range r.space.Energy {
		full.Set(i, i, e)
	}
	lo, _ := r.space.ActiveRange()
	nact := r.space.NAct()
	for i := 0; i < nact; i++ {
		for j := 0; j < nact; j++ {
			full.Set(lo+i, lo+j, act.At(i, j))
		}
	}
	return full
}

// InitGreensFunction builds the non-interacting propagator: bare active
// orbital energies, identity coupling, chemical potential midway between
// HOMO and LUMO.
func (r *RAGF2) InitGreensFunction() *GreensFunction {
	var homo, lumo float64
	homo, lumo = math.Inf(-1), math.Inf(1)
	for i, e := range r.space.Energy {
		if r.mf.MOOcc[i] > 0 {
			if e > homo {
				homo = e
			}
		} else if e < lumo {
			lumo = e
		}
	}
	mu := 0.5 * (homo + lumo)

	nact := r.space.NAct()
	ident := mat.NewDense(nact, nact, nil)
	for i := 0; i < nact; i++ {
		ident.Set(i, i, 1.0)
	}
	gf := NewGreensFunction(nact, r.space.ActiveEnergy(), ident, mu)
	r.log.Debug("Built G0", zap.Float64("chempot", mu), zap.Float64("nelec", gf.NelecBelow()))
	return gf
}

// BuildSectorMoments contracts the hole (2h1p) and particle (1h2p) sector
// moments for the current propagator. cphys, when non-nil, rotates the
// physical index into a cluster frame of its column space; it implies the
// full-Dyson layout.
func (r *RAGF2) BuildSectorMoments(gf *GreensFunction, cphys *mat.Dense) (tOcc, tVir []*mat.Dense, err error) {
	nact := r.space.NAct()
	nmom := r.opts.NmomTotal()

	gfOcc, gfVir := gf.Occupied(), gf.Virtual()
	if gfOcc.Naux() == 0 || gfVir.Naux() == 0 {
		return nil, nil, fmt.Errorf("propagator must carry both occupied and virtual poles")
	}
	ci, ca := gfOcc.Coupling(), gfVir.Coupling()
	ei, ea := gfOcc.Energy(), gfVir.Energy()

	nphys := nact
	if cphys != nil {
		_, nphys = cphys.Dims()
	}

	xoLo, xoHi, xvLo, xvHi := 0, nact, 0, nact
	if r.opts.NonDyson && cphys == nil {
		xoHi = r.space.NOccAct()
		xvLo = r.space.NOccAct()
	}

	p := momentParams{
		nmom:     nmom,
		osFactor: r.opts.OSFactor,
		ssFactor: r.opts.SSFactor,
		diagonal: r.opts.DiagonalSE,
		workers:  r.opts.Workers,
	}

	var occSec, virSec sectorIntegrals
	switch eri := r.eri.(type) {
	case *Dense4C:
		tO, dO := transform4c(eri, cphys, xoLo, xoHi, ci, ci, ca)
		occSec = &denseSector{t: tO, np: dO[0], ni: dO[1], nj: dO[2], na: dO[3]}
		tV, dV := transform4c(eri, cphys, xvLo, xvHi, ca, ca, ci)
		virSec = &denseSector{t: tV, np: dV[0], ni: dV[1], nj: dV[2], na: dV[3]}
	case *DF3C:
		qxi, dxi := transform3c(eri, cphys, xoLo, xoHi, ci)
		qja, dja := transform3c(eri, ci, 0, 0, ca)
		occSec = &dfSector{qxi: qxi, qja: qja, naux: eri.NAux,
			np: dxi[1], ni: dxi[2], nj: dja[1], na: dja[2]}
		qxa, dxa := transform3c(eri, cphys, xvLo, xvHi, ca)
		qbi := swap12(qja, dja)
		virSec = &dfSector{qxi: qxa, qja: qbi, naux: eri.NAux,
			np: dxa[1], ni: dxa[2], nj: dja[2], na: dja[1]}
	default:
		return nil, nil, fmt.Errorf("unsupported integral layout %T", r.eri)
	}

	tOccRaw := buildSectorMoments(ei, ea, occSec, p)
	tVirRaw := buildSectorMoments(ea, ei, virSec, p)

	// embed sector blocks into the physical frame
	tOcc = embedMoments(tOccRaw, nphys, xoLo, cphys != nil)
	tVir = embedMoments(tVirRaw, nphys, xvLo, cphys != nil)

	for n := range tOcc {
		r.log.Debug("moment trace",
			zap.Int("order", n),
			zap.Float64("occupied", mat.Trace(tOcc[n])),
			zap.Float64("virtual", mat.Trace(tVir[n])),
		)
	}
	return tOcc, tVir, nil
}

// embedMoments pads sector moments back to the physical dimension when the
// disjoint (non-Dyson) slicing was in effect.
func embedMoments(t []*mat.Dense, nphys, lo int, rotated bool) []*mat.Dense {
	n, _ := t[0].Dims()
	if rotated || n == nphys {
		return t
	}
	out := make([]*mat.Dense, len(t))
	for k := range t {
		out[k] = mat.NewDense(nphys, nphys, nil)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				out[k].Set(lo+i, lo+j, t[k].At(i, j))
			}
		}
	}
	return out
}

// swap12 transposes the last two axes of a flat [q, a, b] tensor.
func swap12(t []float64, dims []int) []float64 {
	q, a, b := dims[0], dims[1], dims[2]
	out := make([]float64, len(t))
	for iq := 0; iq < q; iq++ {
		for ia := 0; ia < a; ia++ {
			for ib := 0; ib < b; ib++ {
				out[iq*a*b+ib*a+ia] = t[iq*a*b+ia*b+ib]
			}
		}
	}
	return out
}

// BuildSelfEnergy constructs the self-energy for the given propagator:
// moments, pole extraction per sector, combination and pruning.
func (r *RAGF2) BuildSelfEnergy(gf *GreensFunction) (*SelfEnergy, error) {
	tOcc, tVir, err := r.BuildSectorMoments(gf, nil)
	if err != nil {
		return nil, err
	}

	seOcc, err := BuildSEFromMoments(tOcc, gf.Chempot(), r.opts.WeightTol, r.log)
	if err != nil {
		return nil, fmt.Errorf("occupied self-energy: %w", err)
	}
	r.log.Info("Built occupied auxiliaries", zap.Int("naux", seOcc.Naux()))

	seVir, err := BuildSEFromMoments(tVir, gf.Chempot(), r.opts.WeightTol, r.log)
	if err != nil {
		return nil, fmt.Errorf("virtual self-energy: %w", err)
	}
	r.log.Info("Built virtual auxiliaries", zap.Int("naux", seVir.Naux()))

	return r.CombineSE(seOcc, seVir, gf)
}

// CombineSE concatenates sector pole sets, optionally compresses through the
// current Fock matrix, and prunes uncoupled poles.
func (r *RAGF2) CombineSE(seOcc, seVir *SelfEnergy, gf *GreensFunction) (*SelfEnergy, error) {
	se := Combine(seOcc, seVir)

	if r.opts.NmomProjection >= 0 {
		fock, err := r.GetFock(gf)
		if err != nil {
			return nil, err
		}
		se, err = compressSE(se, fock, r.opts.NmomProjection, r.opts.WeightTol)
		if err != nil {
			return nil, err
		}
	}

	se = se.RemoveUncoupled(r.opts.WeightTol)
	r.log.Info("Auxiliaries after combination", zap.Int("naux", se.Naux()))
	return se, nil
}

// RunDIIS extrapolates the self-energy moments, with optional damping
// toward the previous cycle, and rebuilds the pole sets from the result.
func (r *RAGF2) RunDIIS(se *SelfEnergy, gf *GreensFunction, d *DIIS, sePrev *SelfEnergy) (*SelfEnergy, error) {
	nmom := r.opts.NmomTotal()
	tOcc := se.Occupied().Moments(nmom)
	tVir := se.Virtual().Moments(nmom)

	flat := flattenMoments(tOcc, tVir)

	if r.opts.Damping > 0 && sePrev != nil && sePrev.Naux() > 0 {
		prev := flattenMoments(sePrev.Occupied().Moments(nmom), sePrev.Virtual().Moments(nmom))
		for i := range flat {
			flat[i] = (1.0-r.opts.Damping)*flat[i] + r.opts.Damping*prev[i]
		}
	}

	flat = d.Update(flat)

	nact := se.Nphys()
	tOcc, tVir = unflattenMoments(flat, nmom, nact)

	seOcc, err := BuildSEFromMoments(tOcc, se.Chempot(), r.opts.WeightTol, r.log)
	if err != nil {
		return nil, fmt.Errorf("occupied self-energy after DIIS: %w", err)
	}
	seVir, err := BuildSEFromMoments(tVir, se.Chempot(), r.opts.WeightTol, r.log)
	if err != nil {
		return nil, fmt.Errorf("virtual self-energy after DIIS: %w", err)
	}
	return r.CombineSE(seOcc, seVir, gf)
}

func flattenMoments(tOcc, tVir []*mat.Dense) []float64 {
	var out []float64
	for _, t := range tOcc {
		out = append(out, flatten2(t)...)
	}
	for _, t := range tVir {
		out = append(out, flatten2(t)...)
	}
	return out
}

func unflattenMoments(flat []float64, nmom, n int) (tOcc, tVir []*mat.Dense) {
	sz := n * n
	tOcc = make([]*mat.Dense, nmom)
	tVir = make([]*mat.Dense, nmom)
	for k := 0; k < nmom; k++ {
		tOcc[k] = mat.NewDense(n, n, append([]float64(nil), flat[k*sz:(k+1)*sz]...))
	}
	off := nmom * sz
	for k := 0; k < nmom; k++ {
		tVir[k] = mat.NewDense(n, n, append([]float64(nil), flat[off+k*sz:off+(k+1)*sz]...))
	}
	return tOcc, tVir
}

// ConvergenceState holds the deltas between consecutive outer iterations
// that drive the termination decision.
type ConvergenceState struct {
	DeltaE  float64
	DeltaT0 float64
	DeltaT1 float64
}

// Met reports whether all three criteria hold against the options.
func (c *ConvergenceState) Met(opts *Options) bool {
	return c.DeltaE < opts.ConvTol && c.DeltaT0 < opts.ConvTolT0 && c.DeltaT1 < opts.ConvTolT1
}

// ConvergenceDeltas compares self-energy moments and the total energy with
// the previous cycle.
func (r *RAGF2) ConvergenceDeltas(se, sePrev *SelfEnergy, eTot, ePrev float64) *ConvergenceState {
	t0 := se.Moment(0)
	t1 := se.Moment(1)
	var t0p, t1p *mat.Dense
	if sePrev != nil {
		t0p = sePrev.Moment(0)
		t1p = sePrev.Moment(1)
	} else {
		n := se.Nphys()
		t0p = mat.NewDense(n, n, nil)
		t1p = mat.NewDense(n, n, nil)
	}

	var d0, d1 mat.Dense
	d0.Sub(t0, t0p)
	d1.Sub(t1, t1p)

	return &ConvergenceState{
		DeltaE:  math.Abs(eTot - ePrev),
		DeltaT0: mat.Norm(&d0, 2),
		DeltaT1: mat.Norm(&d1, 2),
	}
}

// Kernel runs the outer self-consistency to convergence or cycle
// exhaustion. Results are returned either way, flagged by Converged.
func (r *RAGF2) Kernel() (*Results, error) {
	if r.gf == nil {
		r.gf = r.InitGreensFunction()
	}
	if r.se == nil {
		se, err := r.BuildSelfEnergy(r.gf)
		if err != nil {
			return nil, err
		}
		r.se = se
	}

	d := NewDIIS(r.opts.DIISSpace, r.opts.DIISMinSpace)

	r.eInit = r.EnergyMP2(r.se)
	r.log.Info("Initial energies",
		zap.Float64("e_nuc", r.mf.ENuc),
		zap.Float64("e_mf", r.mf.ETot),
		zap.Float64("e_corr", r.eInit),
		zap.Float64("e_tot", r.mf.ETot+r.eInit),
	)

	r.converged = false
	convergedPrev := false

	for niter := 1; niter <= r.opts.MaxCycle; niter++ {
		r.log.Info("Iteration", zap.Int("cycle", niter))

		sePrev := r.se
		ePrev := r.ETot()

		// one-body terms
		res, err := r.FockLoop(r.gf, r.se, nil)
		if err != nil {
			return nil, err
		}
		r.gf, r.se = res.GF, res.SE
		r.e1b, err = r.Energy1Body(r.gf)
		if err != nil {
			return nil, err
		}

		// two-body terms
		se, err := r.BuildSelfEnergy(r.gf)
		if err != nil {
			return nil, err
		}
		se, err = r.RunDIIS(se, r.gf, d, sePrev)
		if err != nil {
			return nil, err
		}
		r.se = se
		r.e2b = r.Energy2Body(r.gf, r.se)

		r.printExcitations()
		r.printEnergies()

		deltas := r.ConvergenceDeltas(r.se, sePrev, r.ETot(), ePrev)
		r.log.Info("Convergence deltas",
			zap.Float64("energy", deltas.DeltaE),
			zap.Float64("moment0", deltas.DeltaT0),
			zap.Float64("moment1", deltas.DeltaT1),
		)

		if deltas.Met(r.opts) {
			if r.opts.ExtraCycle && !convergedPrev {
				// confirm with one more full cycle before declaring victory
				convergedPrev = true
			} else {
				r.converged = true
				break
			}
		} else if r.opts.ExtraCycle && convergedPrev {
			convergedPrev = false
		}
	}

	if r.converged {
		r.log.Info("Converged")
	} else {
		r.log.Warn("Not converged", zap.Int("max_cycle", r.opts.MaxCycle))
	}

	r.printEnergies()
	return r.Result(), nil
}

// printExcitations logs the leading ionisation and affinity poles with
// their dominant orbital weights.
func (r *RAGF2) printExcitations() {
	gfOcc, gfVir := r.gf.Occupied(), r.gf.Virtual()

	describe := func(gf *GreensFunction, k int) (float64, float64, []int) {
		e := gf.Energy()[k]
		wt := 0.0
		var weights []float64
		for x := 0; x < gf.Nphys(); x++ {
			c := gf.Coupling().At(x, k)
			wt += c * c
			weights = append(weights, c*c)
		}
		var dominant []int
		for x, w := range weights {
			if w > r.opts.ExcitationTol {
				dominant = append(dominant, x)
			}
		}
		sort.Slice(dominant, func(a, b int) bool { return weights[dominant[a]] > weights[dominant[b]] })
		if len(dominant) > 3 {
			dominant = dominant[:3]
		}
		return e, wt, dominant
	}

	nip := r.opts.ExcitationNumber
	if gfOcc.Naux() < nip {
		nip = gfOcc.Naux()
	}
	for n := 0; n < nip; n++ {
		e, wt, dom := describe(gfOcc, gfOcc.Naux()-1-n)
		r.log.Info("IP", zap.Int("n", n), zap.Float64("energy", -e), zap.Float64("qpweight", wt), zap.Ints("orbitals", dom))
	}
	nea := r.opts.ExcitationNumber
	if gfVir.Naux() < nea {
		nea = gfVir.Naux()
	}
	for n := 0; n < nea; n++ {
		e, wt, dom := describe(gfVir, n)
		r.log.Info("EA", zap.Int("n", n), zap.Float64("energy", e), zap.Float64("qpweight", wt), zap.Ints("orbitals", dom))
	}
}

func (r *RAGF2) printEnergies() {
	r.log.Info("Energies",
		zap.Float64("e_corr", r.ECorr()),
		zap.Float64("e_1b", r.e1b),
		zap.Float64("e_2b", r.e2b),
		zap.Float64("e_tot", r.ETot()),
		zap.Float64("ip", r.EIP()),
		zap.Float64("ea", r.EEA()),
	)
}

// GreensFunctionPoles returns the current propagator.
func (r *RAGF2) GreensFunctionPoles() *GreensFunction { return r.gf }

// SelfEnergyPoles returns the current self-energy.
func (r *RAGF2) SelfEnergyPoles() *SelfEnergy { return r.se }

// Space returns the orbital space.
func (r *RAGF2) Space() *OrbitalSpace { return r.space }

// Options returns the configuration (read-only).
func (r *RAGF2) Options() *Options { return r.opts }

// Converged reports the outer-loop convergence flag.
func (r *RAGF2) Converged() bool { return r.converged }

// SetState seeds the solver with a propagator and self-energy, e.g. when
// resuming from a checkpoint or when driven by the embedded variant.
func (r *RAGF2) SetState(gf *GreensFunction, se *SelfEnergy) {
	r.gf = gf
	r.se = se
}

// ETot is the current total energy.
func (r *RAGF2) ETot() float64 { return r.e1b + r.e2b }

// ECorr is the correlation energy relative to the mean field.
func (r *RAGF2) ECorr() float64 { return r.ETot() - r.mf.ETot }

// EIP is the ionisation potential, the negated maximum occupied pole.
func (r *RAGF2) EIP() float64 {
	occ := r.gf.Occupied()
	if occ.Naux() == 0 {
		return math.NaN()
	}
	return -slices.Max(occ.Energy())
}

// EEA is the electron affinity, the minimum virtual pole.
func (r *RAGF2) EEA() float64 {
	vir := r.gf.Virtual()
	if vir.Naux() == 0 {
		return math.NaN()
	}
	return slices.Min(vir.Energy())
}
