// chempot.go --  This file is part of goAGF2.
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

	"gonum.org/v1/gonum/mat"
)

// BracketError is raised when the chemical-potential root search exhausts
// its bracket-expansion budget. It is a configuration error: the run aborts.
type BracketError struct {
	Lo, Hi float64
}

func (e *BracketError) Error() string {
	return fmt.Sprintf("chemical potential search failed to bracket a root in [%g, %g]", e.Lo, e.Hi)
}

// binsearchChempot picks the chemical potential by exact bisection over a
// discrete eigenvalue spectrum: the boundary between two adjacent
// eigenvalues whose cumulative physical weight best matches the target
// electron count. Returns the potential and the signed electron-count error.
func binsearchChempot(w []float64, v *mat.Dense, nphys int, nelec float64) (float64, float64) {
	n := len(w)
	if n == 0 {
		return 0, -nelec
	}

	cum := 0.0
	homo := -1
	errBest := -nelec
	for i := 0; i < n; i++ {
		wt := 0.0
		for x := 0; x < nphys; x++ {
			c := v.At(x, i)
			wt += c * c
		}
		next := cum + 2.0*wt
		if next >= nelec {
			// include i only if that overshoots less than excluding it
			if next-nelec <= nelec-cum {
				homo = i
				errBest = nelec - next
			} else {
				homo = i - 1
				errBest = nelec - cum
			}
			break
		}
		cum = next
		homo = i
		errBest = nelec - next
	}

	var mu float64
	switch {
	case homo < 0:
		mu = w[0] - 1.0
	case homo >= n-1:
		mu = w[n-1] + 1.0
	default:
		mu = 0.5 * (w[homo] + w[homo+1])
	}
	return mu, errBest
}

// rootResult is the outcome of a bracketed root search: either a located
// root or the last bracket attempted.
type rootResult struct {
	found  bool
	x      float64
	lo, hi float64
}

// bracketBisect searches for a sign change of f around x0, doubling the
// bracket half-width up to maxExpand times, then bisects. f may be a step
// function; the bisection then converges onto the jump and the endpoint with
// the smaller |f| is reported.
func bracketBisect(f func(float64) float64, x0, step, ftol float64, maxExpand, maxIter int) rootResult {
	f0 := f(x0)
	if math.Abs(f0) <= ftol {
		return rootResult{found: true, x: x0}
	}

	d := step
	lo, hi := x0-d, x0+d
	flo, fhi := f(lo), f(hi)
	expanded := 0
	for flo*fhi > 0 {
		if expanded >= maxExpand {
			return rootResult{lo: lo, hi: hi}
		}
		d *= 2.0
		lo, hi = x0-d, x0+d
		flo, fhi = f(lo), f(hi)
		expanded++
	}

	for it := 0; it < maxIter; it++ {
		mid := 0.5 * (lo + hi)
		fm := f(mid)
		if math.Abs(fm) <= ftol || hi-lo < 1e-12 {
			return rootResult{found: true, x: mid}
		}
		if flo*fm <= 0 {
			hi, fhi = mid, fm
		} else {
			lo, flo = mid, fm
		}
	}
	if math.Abs(flo) <= math.Abs(fhi) {
		return rootResult{found: true, x: lo}
	}
	return rootResult{found: true, x: hi}
}

// minimizeChempot rigidly shifts the auxiliary spectrum so that the Dyson
// solution carries the target electron count, to a looser tolerance than the
// final target (the staged-tolerance strategy of the Fock loop). The search
// is a derivative-free bracketed bisection with an explicit retry policy.
func minimizeChempot(se *SelfEnergy, fock *mat.Dense, nelec, ftol float64, maxIter, maxExpand int) (*SelfEnergy, error) {
	if se.Naux() == 0 {
		return se, nil
	}
	nphys := se.Nphys()

	nerrAt := func(x float64) float64 {
		shifted := se.ShiftAux(x)
		w, v, err := SolveDyson(shifted, fock)
		if err != nil {
			return math.NaN()
		}
		_, nerr := binsearchChempot(w, v, nphys, nelec)
		return nerr
	}

	res := bracketBisect(nerrAt, 0.0, 0.1, ftol, maxExpand, maxIter)
	if !res.found {
		return nil, &BracketError{Lo: res.lo, Hi: res.hi}
	}
	return se.ShiftAux(res.x), nil
}

// SolveDyson embeds the self-energy poles into the one-body Hamiltonian as
// the augmented block matrix [[F, v], [v^T, diag(e)]] and diagonalises it.
// Inputs must be finite; NaN/Inf is rejected at this boundary.
func SolveDyson(se *SelfEnergy, fock *mat.Dense) ([]float64, *mat.Dense, error) {
	nphys := se.Nphys()
	naux := se.Naux()

	if err := checkFinite("Fock matrix", fock.RawMatrix().Data); err != nil {
		return nil, nil, err
	}
	if naux > 0 {
		if err := checkFinite("self-energy coupling", se.Coupling().RawMatrix().Data); err != nil {
			return nil, nil, err
		}
		if err := checkFinite("self-energy poles", se.Energy()); err != nil {
			return nil, nil, err
		}
	}

	dim := nphys + naux
	f := mat.NewDense(dim, dim, nil)
	for i := 0; i < nphys; i++ {
		for j := 0; j < nphys; j++ {
			f.Set(i, j, fock.At(i, j))
		}
	}
	for k := 0; k < naux; k++ {
		for x := 0; x < nphys; x++ {
			c := se.Coupling().At(x, k)
			f.Set(x, nphys+k, c)
			f.Set(nphys+k, x, c)
		}
		f.Set(nphys+k, nphys+k, se.Energy()[k])
	}

	return eigSym(f)
}
