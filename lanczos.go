// lanczos.go --  This file is part of goAGF2.
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

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// eigSym diagonalises a (numerically) symmetric matrix, symmetrising it
// first to absorb round-off. Eigenvalues come out ascending.
func eigSym(a *mat.Dense) ([]float64, *mat.Dense, error) {
	n, _ := a.Dims()
	sym := mat.NewSymDense(n, symmetrized(a))
	var es mat.EigenSym
	if !es.Factorize(sym, true) {
		return nil, nil, fmt.Errorf("symmetric eigendecomposition failed")
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	return vals, &vecs, nil
}

// psdPowers forms t^(p/2) and t^(-p/2)-style symmetric powers of a positive
// semi-definite matrix from its retained eigenpairs. Eigenvalues at or below
// floor are discarded; round-off can push them slightly negative, which is a
// quality signal, not an error.
func psdPowers(t *mat.Dense, floor float64) (half, invHalf *mat.Dense, wmin, wmax float64, err error) {
	n, _ := t.Dims()
	w, v, err := eigSym(t)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	wmin, wmax = w[0], w[len(w)-1]

	var idx []int
	for i, x := range w {
		if x > floor {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return nil, nil, wmin, wmax, fmt.Errorf("moment matrix has no positive eigenvalues (range %.3g -> %.3g)", wmin, wmax)
	}

	vk := mat.NewDense(n, len(idx), nil)
	hs := mat.NewDense(n, len(idx), nil)
	is := mat.NewDense(n, len(idx), nil)
	for col, i := range idx {
		s := math.Sqrt(w[i])
		for x := 0; x < n; x++ {
			vk.Set(x, col, v.At(x, i))
			hs.Set(x, col, v.At(x, i)*s)
			is.Set(x, col, v.At(x, i)/s)
		}
	}
	half = mat.NewDense(n, n, nil)
	invHalf = mat.NewDense(n, n, nil)
	half.Mul(hs, vk.T())
	invHalf.Mul(is, vk.T())
	return half, invHalf, wmin, wmax, nil
}

// momentFloor is the eigenvalue cutoff treating the zeroth moment as
// positive semi-definite.
const momentFloor = 1e-16

// BuildSEFromMoments converts a finite moment sequence into a pruned pole
// set. Two moments take the single-eigendecomposition path; longer sequences
// go through the block-Lanczos recursion. The zeroth-moment eigenvalue range
// is logged as a warning when it dips below the physical floor.
func BuildSEFromMoments(t []*mat.Dense, chempot, weightTol float64, log *zap.Logger) (*SelfEnergy, error) {
	if len(t) < 2 || len(t)%2 != 0 {
		return nil, fmt.Errorf("moment sequence must have even length >= 2, got %d", len(t))
	}
	nphys, _ := t[0].Dims()
	for i, m := range t {
		if err := checkFinite(fmt.Sprintf("moment %d", i), m.RawMatrix().Data); err != nil {
			return nil, err
		}
	}

	var energy []float64
	var coupling *mat.Dense

	if len(t) == 2 {
		b, bInv, wmin, wmax, err := psdPowers(t[0], momentFloor)
		if err != nil {
			return nil, err
		}
		logEigRange(log, wmin, wmax)

		var m mat.Dense
		m.Mul(bInv.T(), t[1])
		m.Mul(mat.DenseCopyOf(&m), bInv)
		e, u, err := eigSym(&m)
		if err != nil {
			return nil, err
		}
		energy = e
		coupling = mat.NewDense(nphys, len(e), nil)
		coupling.Mul(b.T(), u)
	} else {
		var err error
		energy, coupling, err = blockLanczosSE(t, log)
		if err != nil {
			return nil, err
		}
	}

	se := NewSelfEnergy(nphys, energy, coupling, chempot)
	return se.RemoveUncoupled(weightTol), nil
}

func logEigRange(log *zap.Logger, wmin, wmax float64) {
	if wmin < 1e-8 {
		log.Warn("zeroth moment eigenvalue range", zap.Float64("min", wmin), zap.Float64("max", wmax))
	} else {
		log.Debug("zeroth moment eigenvalue range", zap.Float64("min", wmin), zap.Float64("max", wmax))
	}
}

// blockLanczosSE runs the moment-seeded block-Lanczos recursion and maps the
// tridiagonal eigenvectors back through the first block to couplings.
//
// With 2k+2 moments the recursion yields k+1 on-diagonal blocks a_0..a_k and
// the seed block b_0 = t0^(1/2); only the auxiliary sub-block (excluding the
// seed) is diagonalised.
func blockLanczosSE(t []*mat.Dense, log *zap.Logger) ([]float64, *mat.Dense, error) {
	nphys, _ := t[0].Dims()
	nblk := len(t)/2 - 1 // k

	b0, b0Inv, wmin, wmax, err := psdPowers(t[0], momentFloor)
	if err != nil {
		return nil, nil, err
	}
	logEigRange(log, wmin, wmax)

	// normalised moments s_n = t0^(-1/2) t_n t0^(-1/2)
	s := make([]*mat.Dense, len(t))
	for n := range t {
		var m mat.Dense
		m.Mul(b0Inv.T(), t[n])
		m.Mul(mat.DenseCopyOf(&m), b0Inv)
		s[n] = mat.DenseCopyOf(&m)
	}

	// coeffs[i][n] expresses Lanczos block i in the monomial basis H^n q_0.
	inner := func(ci, cj []*mat.Dense, p int) *mat.Dense {
		out := mat.NewDense(nphys, nphys, nil)
		for n, cin := range ci {
			if cin == nil {
				continue
			}
			for m, cjm := range cj {
				if cjm == nil {
					continue
				}
				var tmp mat.Dense
				tmp.Mul(s[n+m+p], cjm)
				tmp.Mul(cin.T(), mat.DenseCopyOf(&tmp))
				out.Add(out, &tmp)
			}
		}
		return out
	}

	ident := mat.NewDense(nphys, nphys, nil)
	for i := 0; i < nphys; i++ {
		ident.Set(i, i, 1.0)
	}

	coeffs := make([][]*mat.Dense, nblk+1)
	coeffs[0] = []*mat.Dense{ident}

	diag := make([]*mat.Dense, nblk+1)
	offdiag := make([]*mat.Dense, nblk)

	for i := 0; i < nblk; i++ {
		diag[i] = inner(coeffs[i], coeffs[i], 1)

		// residual r = H q_i - q_i a_i - q_{i-1} b_{i-1}
		r := make([]*mat.Dense, i+2)
		for n, c := range coeffs[i] {
			if c != nil {
				r[n+1] = mat.DenseCopyOf(c)
			}
		}
		for n, c := range coeffs[i] {
			if c == nil {
				continue
			}
			var tmp mat.Dense
			tmp.Mul(c, diag[i])
			if r[n] == nil {
				r[n] = mat.NewDense(nphys, nphys, nil)
			}
			r[n].Sub(r[n], &tmp)
		}
		if i > 0 {
			for n, c := range coeffs[i-1] {
				if c == nil {
					continue
				}
				var tmp mat.Dense
				tmp.Mul(c, offdiag[i-1])
				if r[n] == nil {
					r[n] = mat.NewDense(nphys, nphys, nil)
				}
				r[n].Sub(r[n], &tmp)
			}
		}

		ov := inner(r, r, 0)
		bi, biInv, _, _, err := psdPowers(ov, momentFloor)
		if err != nil {
			return nil, nil, fmt.Errorf("block Lanczos breakdown at block %d: %w", i+1, err)
		}
		offdiag[i] = bi

		coeffs[i+1] = make([]*mat.Dense, i+2)
		for n, c := range r {
			if c == nil {
				continue
			}
			var tmp mat.Dense
			tmp.Mul(c, biInv)
			coeffs[i+1][n] = mat.DenseCopyOf(&tmp)
		}
	}
	diag[nblk] = inner(coeffs[nblk], coeffs[nblk], 1)

	// assemble and diagonalise the auxiliary block-tridiagonal matrix
	dim := (nblk + 1) * nphys
	h := mat.NewDense(dim, dim, nil)
	for i := 0; i <= nblk; i++ {
		setBlock(h, i, i, diag[i])
		if i < nblk {
			setBlock(h, i, i+1, offdiag[i])
			var tr mat.Dense
			tr.CloneFrom(offdiag[i].T())
			setBlock(h, i+1, i, &tr)
		}
	}
	e, u, err := eigSym(h)
	if err != nil {
		return nil, nil, err
	}

	coupling := mat.NewDense(nphys, dim, nil)
	coupling.Mul(b0, u.Slice(0, nphys, 0, dim))
	return e, coupling, nil
}

func setBlock(h *mat.Dense, bi, bj int, blk *mat.Dense) {
	n, m := blk.Dims()
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			h.Set(bi*n+i, bj*m+j, blk.At(i, j))
		}
	}
}

// compressSE bounds the auxiliary count by projecting onto the Krylov space
// of the Dyson matrix seeded from the physical block, preserving propagator
// moments through the given Fock matrix up to the configured order.
func compressSE(se *SelfEnergy, fock *mat.Dense, nmom int, weightTol float64) (*SelfEnergy, error) {
	naux := se.Naux()
	nphys := se.Nphys()
	if naux == 0 {
		return se, nil
	}

	// Krylov aux components: q_{n+1} = V^T p_n + E q_n with z_0 = [I; 0]
	p := mat.DenseCopyOf(fock) // p_1 after first step uses p_0 = I
	pCur := mat.NewDense(nphys, nphys, nil)
	for i := 0; i < nphys; i++ {
		pCur.Set(i, i, 1.0)
	}
	qCur := mat.NewDense(naux, nphys, nil)

	v := se.Coupling()
	basis := mat.NewDense(naux, (nmom+1)*nphys, nil)
	for n := 0; n <= nmom; n++ {
		// q_next = V^T p_cur + E q_cur
		var qNext mat.Dense
		qNext.Mul(v.T(), pCur)
		for i := 0; i < naux; i++ {
			e := se.Energy()[i]
			for j := 0; j < nphys; j++ {
				qNext.Set(i, j, qNext.At(i, j)+e*qCur.At(i, j))
			}
		}
		// p_next = F p_cur + V q_cur
		var pNext mat.Dense
		pNext.Mul(p, pCur)
		var vq mat.Dense
		vq.Mul(v, qCur)
		pNext.Add(&pNext, &vq)

		for i := 0; i < naux; i++ {
			for j := 0; j < nphys; j++ {
				basis.Set(i, n*nphys+j, qNext.At(i, j))
			}
		}
		pCur = mat.DenseCopyOf(&pNext)
		qCur = mat.DenseCopyOf(&qNext)
	}

	// orthonormalise the Krylov columns through their Gram matrix
	var gram mat.Dense
	gram.Mul(basis.T(), basis)
	w, vecs, err := eigSym(&gram)
	if err != nil {
		return nil, err
	}
	var idx []int
	for i, x := range w {
		if x > 1e-14 {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return EmptySelfEnergy(nphys, se.Chempot()), nil
	}
	nkeep := len(idx)
	rot := mat.NewDense((nmom+1)*nphys, nkeep, nil)
	for col, i := range idx {
		s := 1.0 / math.Sqrt(w[i])
		for r := 0; r < (nmom+1)*nphys; r++ {
			rot.Set(r, col, vecs.At(r, i)*s)
		}
	}
	proj := mat.NewDense(naux, nkeep, nil)
	proj.Mul(basis, rot)

	// reduced auxiliary Hamiltonian P^T E P
	scaledP := mat.DenseCopyOf(proj)
	for i := 0; i < naux; i++ {
		e := se.Energy()[i]
		for j := 0; j < nkeep; j++ {
			scaledP.Set(i, j, proj.At(i, j)*e)
		}
	}
	var red mat.Dense
	red.Mul(proj.T(), scaledP)
	e, u, err := eigSym(&red)
	if err != nil {
		return nil, err
	}

	var vp mat.Dense
	vp.Mul(v, proj)
	coupling := mat.NewDense(nphys, nkeep, nil)
	coupling.Mul(&vp, u)

	out := NewSelfEnergy(nphys, e, coupling, se.Chempot())
	return out.RemoveUncoupled(weightTol), nil
}
