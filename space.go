// space.go --  This file is part of goAGF2.
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

// ShapeError reports a dimension mismatch between collaborator-supplied
// arrays and the orbital space. It is fatal: no partial results follow it.
type ShapeError struct {
	Name string
	Want string
	Got  string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape mismatch in %s: want %s, got %s", e.Name, e.Want, e.Got)
}

// MeanField is the converged reference handed in by the mean-field
// collaborator. All matrices are in the atomic basis except MOEnergy/MOOcc,
// which index molecular orbitals. Veff, when non-nil, computes the effective
// potential from a trial density matrix in the atomic basis.
type MeanField struct {
	MOEnergy []float64
	MOCoeff  *mat.Dense // nao x nmo
	MOOcc    []float64
	Ovlp     *mat.Dense
	Hcore    *mat.Dense
	ENuc     float64
	ETot     float64
	Veff     func(rdm1AO *mat.Dense) *mat.Dense
}

// Validate checks shapes and finiteness of the reference arrays.
func (mf *MeanField) Validate() error {
	if mf.MOCoeff == nil || mf.Hcore == nil || mf.Ovlp == nil {
		return fmt.Errorf("mean-field reference is incomplete")
	}
	nao, nmo := mf.MOCoeff.Dims()
	if len(mf.MOEnergy) != nmo {
		return &ShapeError{"MOEnergy", fmt.Sprintf("%d", nmo), fmt.Sprintf("%d", len(mf.MOEnergy))}
	}
	if len(mf.MOOcc) != nmo {
		return &ShapeError{"MOOcc", fmt.Sprintf("%d", nmo), fmt.Sprintf("%d", len(mf.MOOcc))}
	}
	for _, m := range []struct {
		name string
		mat  *mat.Dense
	}{{"Ovlp", mf.Ovlp}, {"Hcore", mf.Hcore}} {
		r, c := m.mat.Dims()
		if r != nao || c != nao {
			return &ShapeError{m.name, fmt.Sprintf("%dx%d", nao, nao), fmt.Sprintf("%dx%d", r, c)}
		}
	}
	if err := checkFinite("MOEnergy", mf.MOEnergy); err != nil {
		return err
	}
	if err := checkFinite("Hcore", mf.Hcore.RawMatrix().Data); err != nil {
		return err
	}
	return nil
}

// Nelec is the total electron count of the reference.
func (mf *MeanField) Nelec() float64 {
	n := 0.0
	for _, o := range mf.MOOcc {
		n += o
	}
	return n
}

// OrbitalSpace is an immutable description of the one-particle basis:
// counts, orbital energies and the coefficients relating the space to the
// atomic basis. Built once per calculation.
type OrbitalSpace struct {
	NMO       int
	NOcc      int
	FrozenOcc int
	FrozenVir int
	Energy    []float64
	Coeff     *mat.Dense
}

// NewOrbitalSpace derives the orbital space from the mean-field reference and
// the frozen orbital counts.
func NewOrbitalSpace(mf *MeanField, frozenOcc, frozenVir int) (*OrbitalSpace, error) {
	if err := mf.Validate(); err != nil {
		return nil, err
	}
	nmo := len(mf.MOEnergy)
	nocc := 0
	for _, o := range mf.MOOcc {
		if o > 0 {
			nocc++
		}
	}
	if frozenOcc < 0 || frozenVir < 0 || frozenOcc+frozenVir >= nmo {
		return nil, fmt.Errorf("invalid frozen counts (%d, %d) for %d orbitals", frozenOcc, frozenVir, nmo)
	}
	s := &OrbitalSpace{
		NMO:       nmo,
		NOcc:      nocc,
		FrozenOcc: frozenOcc,
		FrozenVir: frozenVir,
		Energy:    append([]float64(nil), mf.MOEnergy...),
		Coeff:     mat.DenseCopyOf(mf.MOCoeff),
	}
	return s, nil
}

func (s *OrbitalSpace) NVir() int  { return s.NMO - s.NOcc }
func (s *OrbitalSpace) NFroz() int { return s.FrozenOcc + s.FrozenVir }
func (s *OrbitalSpace) NAct() int  { return s.NMO - s.NFroz() }

// NOccAct is the number of active occupied orbitals.
func (s *OrbitalSpace) NOccAct() int { return s.NOcc - s.FrozenOcc }

// ActiveRange gives the [lo, hi) slice of active orbitals in the full MO set.
func (s *OrbitalSpace) ActiveRange() (int, int) {
	return s.FrozenOcc, s.NMO - s.FrozenVir
}

// ActiveEnergy returns the orbital energies of the active space.
func (s *OrbitalSpace) ActiveEnergy() []float64 {
	lo, hi := s.ActiveRange()
	return s.Energy[lo:hi]
}

// checkFinite aborts on NaN/Inf leaking through a component boundary.
func checkFinite(name string, data []float64) error {
	for _, x := range data {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("non-finite value detected in %s", name)
		}
	}
	return nil
}
