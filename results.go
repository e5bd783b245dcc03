// results.go --  This file is part of goAGF2.
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
	"os"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// Results is the immutable outcome record of a solver run.
type Results struct {
	Converged bool
	EInit     float64
	E1b       float64
	E2b       float64
	ECorr     float64
	ETot      float64
	IP        float64
	EA        float64
	GF        *GreensFunction
	SE        *SelfEnergy
}

// Result snapshots the current solver state into a Results record.
func (r *RAGF2) Result() *Results {
	return &Results{
		Converged: r.converged,
		EInit:     r.eInit,
		E1b:       r.e1b,
		E2b:       r.e2b,
		ECorr:     r.ECorr(),
		ETot:      r.ETot(),
		IP:        r.EIP(),
		EA:        r.EEA(),
		GF:        r.gf,
		SE:        r.se,
	}
}

// poleState is the serialisable form of a pole set.
type poleState struct {
	Nphys    int       `yaml:"nphys"`
	Chempot  float64   `yaml:"chempot"`
	Energy   []float64 `yaml:"energy"`
	Coupling []float64 `yaml:"coupling,flow"`
}

func newPoleState(a *auxSpace) poleState {
	st := poleState{
		Nphys:   a.nphys,
		Chempot: a.chempot,
		Energy:  append([]float64(nil), a.energy...),
	}
	if a.coupling != nil {
		st.Coupling = flatten2(a.coupling)
	}
	return st
}

func (st poleState) restore() (*auxSpace, error) {
	naux := len(st.Energy)
	if naux == 0 {
		return &auxSpace{nphys: st.Nphys, chempot: st.Chempot}, nil
	}
	if len(st.Coupling) != st.Nphys*naux {
		return nil, &ShapeError{"poleState", fmt.Sprintf("%d*%d couplings", st.Nphys, naux), fmt.Sprintf("%d", len(st.Coupling))}
	}
	return &auxSpace{
		nphys:    st.Nphys,
		chempot:  st.Chempot,
		energy:   append([]float64(nil), st.Energy...),
		coupling: mat.NewDense(st.Nphys, naux, append([]float64(nil), st.Coupling...)),
	}, nil
}

// Checkpoint is the on-disk restart record. It carries the two pole sets
// and the energies only; the Fock matrix is not stored, since a resumed run
// rebuilds it from the restored propagator's density via GetFock.
type Checkpoint struct {
	Converged bool      `yaml:"converged"`
	E1b       float64   `yaml:"e_1b"`
	E2b       float64   `yaml:"e_2b"`
	GF        poleState `yaml:"gf"`
	SE        poleState `yaml:"se"`
}

// Snapshot captures the solver state for later Restore.
func (r *RAGF2) Snapshot() *Checkpoint {
	return &Checkpoint{
		Converged: r.converged,
		E1b:       r.e1b,
		E2b:       r.e2b,
		GF:        newPoleState(&r.gf.auxSpace),
		SE:        newPoleState(&r.se.auxSpace),
	}
}

// Restore reinstates a previously captured state.
func (r *RAGF2) Restore(c *Checkpoint) error {
	gfAux, err := c.GF.restore()
	if err != nil {
		return fmt.Errorf("restore propagator: %w", err)
	}
	seAux, err := c.SE.restore()
	if err != nil {
		return fmt.Errorf("restore self-energy: %w", err)
	}
	r.gf = &GreensFunction{auxSpace: *gfAux}
	r.se = &SelfEnergy{auxSpace: *seAux}
	r.converged = c.Converged
	r.e1b = c.E1b
	r.e2b = c.E2b
	return nil
}

// Save writes the checkpoint to fname.
func (c *Checkpoint) Save(fname string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return os.WriteFile(fname, raw, 0o644)
}

// LoadCheckpoint reads a checkpoint written by Save.
func LoadCheckpoint(fname string) (*Checkpoint, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var c Checkpoint
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", fname, err)
	}
	return &c, nil
}
