// energy.go --  This file is part of goAGF2.
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

// EnergyMP2 evaluates the second-order energy of a freshly built
// self-energy against the bare orbital energies:
//
//	E = sum_{x occ, k vir} |v_xk|^2 / (e_x - e_k)
func (r *RAGF2) EnergyMP2(se *SelfEnergy) float64 {
	moEnergy := r.space.ActiveEnergy()
	seVir := se.Virtual()
	if seVir.Naux() == 0 {
		return 0.0
	}
	v := seVir.Coupling()
	ek := seVir.Energy()

	e := 0.0
	for x, ex := range moEnergy {
		if ex >= se.Chempot() {
			continue
		}
		for k := range ek {
			vxk := v.At(x, k)
			e += vxk * vxk / (ex - ek[k])
		}
	}
	return e
}

// Energy1Body is the one-body (mean-field-like) energy of the correlated
// density, including the nuclear repulsion and frozen contributions.
func (r *RAGF2) Energy1Body(gf *GreensFunction) (float64, error) {
	rdmAct := gf.MakeRDM1()
	fockAct, err := r.getFockFromRDM(rdmAct)
	if err != nil {
		return 0, err
	}

	rdm := r.embedRDM1(rdmAct)
	fock := r.embedFock(fockAct)

	e := 0.0
	for i := 0; i < r.space.NMO; i++ {
		for j := 0; j < r.space.NMO; j++ {
			e += 0.5 * rdm.At(i, j) * (r.h1e.At(i, j) + fock.At(i, j))
		}
	}
	return e + r.mf.ENuc, nil
}

// Energy2Body is the Galitskii-Migdal functional evaluated over the
// occupied propagator poles and virtual self-energy poles.
func (r *RAGF2) Energy2Body(gf *GreensFunction, se *SelfEnergy) float64 {
	gfOcc := gf.Occupied()
	seVir := se.Virtual()
	if gfOcc.Naux() == 0 || seVir.Naux() == 0 {
		return 0.0
	}

	nphys := gf.Nphys()
	vGF := gfOcc.Coupling()
	vSE := seVir.Coupling()
	eGF := gfOcc.Energy()
	eSE := seVir.Energy()

	e2b := 0.0
	for i := range eGF {
		for k := range eSE {
			s := 0.0
			for x := 0; x < nphys; x++ {
				s += vSE.At(x, k) * vGF.At(x, i)
			}
			e2b += s * s / (eGF[i] - eSE[k])
		}
	}
	return 2.0 * e2b
}
