// fock.go --  This file is part of goAGF2.
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
	"runtime"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// GetFock rebuilds the active-space Fock matrix from the density matrix of
// the given propagator.
func (r *RAGF2) GetFock(gf *GreensFunction) (*mat.Dense, error) {
	return r.getFockFromRDM(gf.MakeRDM1())
}

func (r *RAGF2) getFockFromRDM(rdm1 *mat.Dense) (*mat.Dense, error) {
	if err := checkFinite("density matrix", rdm1.RawMatrix().Data); err != nil {
		return nil, err
	}

	var fock *mat.Dense
	var err error
	if strings.EqualFold(r.opts.FockBasis, "ao") {
		fock, err = r.fockViaVeff(rdm1)
	} else {
		fock, err = r.fockViaIntegrals(rdm1)
	}
	if err != nil {
		return nil, err
	}
	if err := checkFinite("Fock matrix", fock.RawMatrix().Data); err != nil {
		return nil, err
	}
	return fock, nil
}

// fockViaIntegrals contracts the repulsion integrals with the density matrix
// in the active orbital basis.
func (r *RAGF2) fockViaIntegrals(rdm1 *mat.Dense) (*mat.Dense, error) {
	nact := r.space.NAct()

	vj := mat.NewDense(nact, nact, nil)
	vk := mat.NewDense(nact, nact, nil)

	switch eri := r.eri.(type) {
	case *Dense4C:
		if err := r.contractDenseJK(eri, rdm1, vj, vk); err != nil {
			return nil, err
		}
	case *DF3C:
		if err := contractDFJK(eri, rdm1, vj, vk); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported integral layout %T", r.eri)
	}

	fock := mat.DenseCopyOf(vj)
	var halfK mat.Dense
	halfK.Scale(0.5, vk)
	fock.Sub(fock, &halfK)
	fock.Add(fock, r.h1eAct())
	if r.veffFrozen != nil {
		fock.Add(fock, r.veffFrozen)
	}
	return fock, nil
}

// contractDenseJK splits the Coulomb/exchange contraction over rows, each
// worker writing a private partial that is summed afterwards.
func (r *RAGF2) contractDenseJK(eri *Dense4C, rdm1 *mat.Dense, vj, vk *mat.Dense) error {
	n := eri.N
	workers := r.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(-1)
	}
	if workers > n {
		workers = n
	}

	partsJ := make([]*mat.Dense, workers)
	partsK := make([]*mat.Dense, workers)
	for w := range partsJ {
		partsJ[w] = mat.NewDense(n, n, nil)
		partsK[w] = mat.NewDense(n, n, nil)
	}

	chunk := (n + workers - 1) / workers
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		lo, hi := w*chunk, (w+1)*chunk
		if hi > n {
			hi = n
		}
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				for j := 0; j < n; j++ {
					sj, sk := 0.0, 0.0
					for k := 0; k < n; k++ {
						for l := 0; l < n; l++ {
							d := rdm1.At(k, l)
							sj += eri.At(i, j, k, l) * d
							sk += eri.At(i, k, l, j) * d
						}
					}
					partsJ[w].Set(i, j, sj)
					partsK[w].Set(i, j, sk)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for w := 0; w < workers; w++ {
		vj.Add(vj, partsJ[w])
		vk.Add(vk, partsK[w])
	}
	return nil
}

// contractDFJK streams auxiliary-row blocks of the factorisation, never
// materialising the four-index tensor.
func contractDFJK(eri *DF3C, rdm1 *mat.Dense, vj, vk *mat.Dense) error {
	n := eri.N
	return eri.ForEachBlock(func(q0, rows int, block []float64) error {
		for q := 0; q < rows; q++ {
			lq := mat.NewDense(n, n, block[q*n*n:(q+1)*n*n])

			// tmp = L_q . rdm
			var tmp mat.Dense
			tmp.Mul(lq, rdm1)

			trace := 0.0
			for k := 0; k < n; k++ {
				trace += tmp.At(k, k)
			}
			var jPart mat.Dense
			jPart.Scale(trace, lq)
			vj.Add(vj, &jPart)

			// vk[i,j] += sum_l L_q[l,j] tmp[i,l]
			var kPart mat.Dense
			kPart.Mul(&tmp, lq)
			vk.Add(vk, &kPart)
		}
		return nil
	})
}

// fockViaVeff delegates the two-electron part to the reference's effective
// potential hook, working in the atomic basis.
func (r *RAGF2) fockViaVeff(rdm1 *mat.Dense) (*mat.Dense, error) {
	if r.mf.Veff == nil {
		return nil, fmt.Errorf("fock_basis \"ao\" requires a Veff hook on the mean-field reference")
	}
	full := r.embedRDM1(rdm1)

	var cd mat.Dense
	cd.Mul(r.space.Coeff, full)
	var rdmAO mat.Dense
	rdmAO.Mul(&cd, r.space.Coeff.T())

	veffAO := r.mf.Veff(&rdmAO)
	var ctv mat.Dense
	ctv.Mul(r.space.Coeff.T(), veffAO)
	var veff mat.Dense
	veff.Mul(&ctv, r.space.Coeff)

	fockFull := mat.DenseCopyOf(r.h1e)
	fockFull.Add(fockFull, &veff)

	lo, hi := r.space.ActiveRange()
	return mat.DenseCopyOf(fockFull.Slice(lo, hi, lo, hi)), nil
}

// FockLoopResult is the state handed back by the Fock loop: the propagator
// always reflects the most recent Dyson solve even when unconverged.
type FockLoopResult struct {
	GF        *GreensFunction
	SE        *SelfEnergy
	Fock      *mat.Dense
	Converged bool
}

// FockLoop iterates Fock rebuilds and chemical-potential searches until the
// density matrix is stationary and the electron count matches the target.
// Soft failure: exceeding the cycle budget logs a warning and returns the
// best current state with Converged false.
func (r *RAGF2) FockLoop(gf *GreensFunction, se *SelfEnergy, fock *mat.Dense) (*FockLoopResult, error) {
	nact := r.space.NAct()
	nelec := float64(2 * r.space.NOccAct())

	var err error
	if fock == nil {
		fock, err = r.GetFock(gf)
		if err != nil {
			return nil, err
		}
	}

	if !r.opts.FockLoop {
		// degenerate path: one Dyson solve, one exact bisection
		w, v, err := SolveDyson(se, fock)
		if err != nil {
			return nil, err
		}
		mu, _ := binsearchChempot(w, v, nact, nelec)
		se = se.WithChempot(mu)
		gf = NewGreensFunction(nact, w, mat.DenseCopyOf(mustDense(v.Slice(0, nact, 0, len(w)))), mu)
		return &FockLoopResult{GF: gf, SE: se, Fock: fock, Converged: true}, nil
	}

	r.log.Info("Fock loop", zap.Float64("target_nelec", nelec))

	fockDIIS := NewDIIS(r.opts.FockDIISSpace, r.opts.FockDIISMinSpace)
	rdm1Prev := mat.NewDense(nact, nact, nil)
	converged := false
	var derr, nerr float64
	innerTol := r.opts.ConvTolNelec * r.opts.ConvTolNelecFactor

	for outer := 1; outer <= r.opts.MaxCycleOuter; outer++ {
		se, err = minimizeChempot(se, fock, nelec, innerTol, r.opts.MaxCycleInner, r.opts.BracketExpansions)
		if err != nil {
			return nil, err
		}

		inner := 0
		for inner = 1; inner <= r.opts.MaxCycleInner; inner++ {
			w, v, err := SolveDyson(se, fock)
			if err != nil {
				return nil, err
			}
			var mu float64
			mu, nerr = binsearchChempot(w, v, nact, nelec)
			se = se.WithChempot(mu)
			gf = NewGreensFunction(nact, w, mat.DenseCopyOf(mustDense(v.Slice(0, nact, 0, len(w)))), mu)

			fockPrev := mat.DenseCopyOf(fock)
			fock, err = r.GetFock(gf)
			if err != nil {
				return nil, err
			}
			if r.opts.FockDamping > 0 {
				fock.Scale(1.0-r.opts.FockDamping, fock)
				var damp mat.Dense
				damp.Scale(r.opts.FockDamping, fockPrev)
				fock.Add(fock, &damp)
			}

			rdm1 := gf.MakeRDM1()
			flat := fockDIIS.Update(flatten2(fock))
			fock = mat.NewDense(nact, nact, flat)

			derr = maxAbsDiff(rdm1, rdm1Prev)
			rdm1Prev = rdm1

			if derr < r.opts.ConvTolRDM1 {
				break
			}
		}

		r.log.Debug("Fock loop cycle",
			zap.Int("outer", outer),
			zap.Int("inner", inner),
			zap.Float64("nelec_error", nerr),
			zap.Float64("rdm1_change", derr),
		)

		if math.Abs(derr) < r.opts.ConvTolRDM1 && math.Abs(nerr) < r.opts.ConvTolNelec {
			converged = true
			break
		}
	}

	if converged {
		r.log.Info("Fock loop converged", zap.Float64("chempot", se.Chempot()))
	} else {
		r.log.Warn("Fock loop not converged",
			zap.Float64("nelec_error", nerr),
			zap.Float64("rdm1_change", derr),
		)
	}

	return &FockLoopResult{GF: gf, SE: se, Fock: fock, Converged: converged}, nil
}

// DysonGreensFunction performs a single Dyson solve against the given Fock
// matrix, placing the chemical potential by exact bisection.
func (r *RAGF2) DysonGreensFunction(se *SelfEnergy, fock *mat.Dense) (*GreensFunction, error) {
	nact := r.space.NAct()
	nelec := float64(2 * r.space.NOccAct())

	w, v, err := SolveDyson(se, fock)
	if err != nil {
		return nil, err
	}
	mu, _ := binsearchChempot(w, v, nact, nelec)
	return NewGreensFunction(nact, w, mat.DenseCopyOf(mustDense(v.Slice(0, nact, 0, len(w)))), mu), nil
}

func mustDense(m mat.Matrix) *mat.Dense {
	if d, ok := m.(*mat.Dense); ok {
		return d
	}
	return mat.DenseCopyOf(m)
}

func flatten2(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out[i*c+j] = m.At(i, j)
		}
	}
	return out
}

func maxAbsDiff(a, b *mat.Dense) float64 {
	r, c := a.Dims()
	d := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			x := math.Abs(a.At(i, j) - b.At(i, j))
			if x > d {
				d = x
			}
		}
	}
	return d
}
