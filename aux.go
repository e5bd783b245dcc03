// aux.go --  This file is part of goAGF2.
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
	"gonum.org/v1/gonum/mat"
)

// auxSpace carries a discrete pole representation: Naux poles, each with an
// energy and a coupling vector over the physical space, plus a chemical
// potential separating hole from particle weight. Instances are value
// objects: every transition returns a new instance. A nil coupling matrix
// means zero poles.
type auxSpace struct {
	nphys    int
	energy   []float64
	coupling *mat.Dense // nphys x naux, nil when Naux() == 0
	chempot  float64
}

func newAuxSpace(nphys int, energy []float64, coupling *mat.Dense, chempot float64) auxSpace {
	a := auxSpace{nphys: nphys, chempot: chempot}
	if len(energy) > 0 {
		a.energy = append([]float64(nil), energy...)
		a.coupling = mat.DenseCopyOf(coupling)
	}
	return a
}

// Energy returns the pole energies. The slice is owned by the receiver and
// must not be modified.
func (a *auxSpace) Energy() []float64 { return a.energy }

// Coupling returns the nphys x naux coupling matrix, owned by the receiver.
// It is nil when the pole set is empty.
func (a *auxSpace) Coupling() *mat.Dense { return a.coupling }

func (a *auxSpace) Chempot() float64 { return a.chempot }

func (a *auxSpace) Naux() int { return len(a.energy) }

func (a *auxSpace) Nphys() int { return a.nphys }

// selectPoles keeps the poles at the given indices.
func (a *auxSpace) selectPoles(idx []int) auxSpace {
	out := auxSpace{nphys: a.nphys, chempot: a.chempot}
	if len(idx) == 0 {
		return out
	}
	out.energy = make([]float64, len(idx))
	out.coupling = mat.NewDense(a.nphys, len(idx), nil)
	for col, i := range idx {
		out.energy[col] = a.energy[i]
		for x := 0; x < a.nphys; x++ {
			out.coupling.Set(x, col, a.coupling.At(x, i))
		}
	}
	return out
}

// occupiedIdx lists poles strictly below the chemical potential.
func (a *auxSpace) occupiedIdx() []int {
	var idx []int
	for i, e := range a.energy {
		if e < a.chempot {
			idx = append(idx, i)
		}
	}
	return idx
}

func (a *auxSpace) virtualIdx() []int {
	var idx []int
	for i, e := range a.energy {
		if e >= a.chempot {
			idx = append(idx, i)
		}
	}
	return idx
}

// removeUncoupled drops poles whose squared coupling norm is below tol. This
// bounds pole count growth across iterations and is idempotent.
func (a *auxSpace) removeUncoupled(tol float64) auxSpace {
	var keep []int
	for i := range a.energy {
		w := 0.0
		for x := 0; x < a.nphys; x++ {
			c := a.coupling.At(x, i)
			w += c * c
		}
		if w >= tol {
			keep = append(keep, i)
		}
	}
	return a.selectPoles(keep)
}

// moment computes sum_k e_k^n v_k v_k^T.
func (a *auxSpace) moment(n int) *mat.Dense {
	t := mat.NewDense(a.nphys, a.nphys, nil)
	if a.Naux() == 0 {
		return t
	}
	scaled := mat.DenseCopyOf(a.coupling)
	for i, e := range a.energy {
		f := powInt(e, n)
		for x := 0; x < a.nphys; x++ {
			scaled.Set(x, i, a.coupling.At(x, i)*f)
		}
	}
	t.Mul(scaled, a.coupling.T())
	return t
}

func (a *auxSpace) moments(count int) []*mat.Dense {
	out := make([]*mat.Dense, count)
	for n := range out {
		out[n] = a.moment(n)
	}
	return out
}

func powInt(x float64, n int) float64 {
	p := 1.0
	for i := 0; i < n; i++ {
		p *= x
	}
	return p
}

// SelfEnergy is the compact auxiliary representation of the self-energy: its
// coupling indexes an auxiliary configuration space.
type SelfEnergy struct {
	auxSpace
}

// NewSelfEnergy builds a self-energy pole set over nphys physical orbitals.
// Inputs are copied.
func NewSelfEnergy(nphys int, energy []float64, coupling *mat.Dense, chempot float64) *SelfEnergy {
	return &SelfEnergy{newAuxSpace(nphys, energy, coupling, chempot)}
}

// EmptySelfEnergy is a pole set with no auxiliaries over nphys orbitals.
func EmptySelfEnergy(nphys int, chempot float64) *SelfEnergy {
	return &SelfEnergy{auxSpace{nphys: nphys, chempot: chempot}}
}

// Occupied returns the hole-sector poles (energies below the chemical
// potential).
func (se *SelfEnergy) Occupied() *SelfEnergy {
	return &SelfEnergy{se.selectPoles(se.occupiedIdx())}
}

// Virtual returns the particle-sector poles.
func (se *SelfEnergy) Virtual() *SelfEnergy {
	return &SelfEnergy{se.selectPoles(se.virtualIdx())}
}

// RemoveUncoupled prunes poles with squared coupling norm below tol.
func (se *SelfEnergy) RemoveUncoupled(tol float64) *SelfEnergy {
	return &SelfEnergy{se.removeUncoupled(tol)}
}

// Moment returns the n-th spectral moment of the pole set.
func (se *SelfEnergy) Moment(n int) *mat.Dense { return se.moment(n) }

// Moments returns moments 0..count-1.
func (se *SelfEnergy) Moments(count int) []*mat.Dense { return se.moments(count) }

// WithChempot returns a copy with a new chemical potential.
func (se *SelfEnergy) WithChempot(mu float64) *SelfEnergy {
	out := &SelfEnergy{newAuxSpace(se.nphys, se.energy, se.coupling, mu)}
	return out
}

// ShiftAux returns a copy with every auxiliary energy lowered by x. Used by
// the chemical potential optimisation, which rigidly moves the auxiliary
// spectrum relative to the physical space.
func (se *SelfEnergy) ShiftAux(x float64) *SelfEnergy {
	out := &SelfEnergy{newAuxSpace(se.nphys, se.energy, se.coupling, se.chempot)}
	for i := range out.energy {
		out.energy[i] -= x
	}
	return out
}

// Combine concatenates the hole- and particle-sector pole sets. The chemical
// potential is inherited from the occupied set.
func Combine(occ, vir *SelfEnergy) *SelfEnergy {
	nphys := occ.Nphys()
	n := occ.Naux() + vir.Naux()
	if n == 0 {
		return EmptySelfEnergy(nphys, occ.chempot)
	}
	e := make([]float64, 0, n)
	e = append(e, occ.energy...)
	e = append(e, vir.energy...)
	v := mat.NewDense(nphys, n, nil)
	for i := 0; i < occ.Naux(); i++ {
		for x := 0; x < nphys; x++ {
			v.Set(x, i, occ.coupling.At(x, i))
		}
	}
	for i := 0; i < vir.Naux(); i++ {
		for x := 0; x < nphys; x++ {
			v.Set(x, occ.Naux()+i, vir.coupling.At(x, i))
		}
	}
	return &SelfEnergy{auxSpace{nphys: nphys, energy: e, coupling: v, chempot: occ.chempot}}
}

// GreensFunction is the pole representation of the single-particle
// propagator. Structurally similar to SelfEnergy but its coupling indexes the
// physical (active) space.
type GreensFunction struct {
	auxSpace
}

// NewGreensFunction builds a propagator pole set. Inputs are copied.
func NewGreensFunction(nphys int, energy []float64, coupling *mat.Dense, chempot float64) *GreensFunction {
	return &GreensFunction{newAuxSpace(nphys, energy, coupling, chempot)}
}

// Occupied returns the hole part of the propagator.
func (gf *GreensFunction) Occupied() *GreensFunction {
	return &GreensFunction{gf.selectPoles(gf.occupiedIdx())}
}

// Virtual returns the particle part of the propagator.
func (gf *GreensFunction) Virtual() *GreensFunction {
	return &GreensFunction{gf.selectPoles(gf.virtualIdx())}
}

// RemoveUncoupled prunes poles with squared coupling norm below tol.
func (gf *GreensFunction) RemoveUncoupled(tol float64) *GreensFunction {
	return &GreensFunction{gf.removeUncoupled(tol)}
}

// MakeRDM1 builds the one-body density matrix 2 C_occ C_occ^T in the
// physical space.
func (gf *GreensFunction) MakeRDM1() *mat.Dense {
	occ := gf.Occupied()
	dm := mat.NewDense(gf.nphys, gf.nphys, nil)
	if occ.Naux() == 0 {
		return dm
	}
	dm.Mul(occ.coupling, occ.coupling.T())
	dm.Scale(2.0, dm)
	return dm
}

// NelecBelow is the electron count carried by poles below the chemical
// potential.
func (gf *GreensFunction) NelecBelow() float64 {
	return mat.Trace(gf.MakeRDM1())
}

// symmetrized returns the flattened (t + t^T)/2 of a square matrix.
func symmetrized(t *mat.Dense) []float64 {
	n, _ := t.Dims()
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = 0.5 * (t.At(i, j) + t.At(j, i))
		}
	}
	return out
}
