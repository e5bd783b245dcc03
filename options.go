// options.go --  This file is part of goAGF2.
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
	"os"

	"gopkg.in/yaml.v3"
)

// Options collects every tunable of an AGF2 calculation. An Options value is
// built once, passed by pointer into the solver, and never mutated afterwards.
type Options struct {
	// Auxiliary parameters.
	WeightTol      float64 `yaml:"weight_tol"`      // tolerance in weight of auxiliaries
	NonDyson       bool    `yaml:"non_dyson"`       // keep occupied/virtual sectors disjoint
	NmomLanczos    int     `yaml:"nmom_lanczos"`    // number of moments for block Lanczos
	NmomProjection int     `yaml:"nmom_projection"` // moments kept in compression, -1 disables
	OSFactor       float64 `yaml:"os_factor"`       // opposite-spin scaling factor
	SSFactor       float64 `yaml:"ss_factor"`       // same-spin scaling factor
	DiagonalSE     bool    `yaml:"diagonal_se"`     // diagonal self-energy approximation

	// Main convergence parameters.
	MaxCycle     int     `yaml:"max_cycle"`
	ConvTol      float64 `yaml:"conv_tol"`      // tolerance in total energy
	ConvTolT0    float64 `yaml:"conv_tol_t0"`   // tolerance in zeroth SE moment
	ConvTolT1    float64 `yaml:"conv_tol_t1"`   // tolerance in first SE moment
	Damping      float64 `yaml:"damping"`       // damping of SE moments between cycles
	DIISSpace    int     `yaml:"diis_space"`    // size of the outer DIIS space
	DIISMinSpace int     `yaml:"diis_min_space"`
	ExtraCycle   bool    `yaml:"extra_cycle"` // confirm convergence with an extra cycle

	// Fock loop convergence parameters.
	FockBasis          string  `yaml:"fock_basis"` // "mo" contracts integrals, "ao" uses the reference Veff hook
	FockLoop           bool    `yaml:"fock_loop"`
	MaxCycleOuter      int     `yaml:"max_cycle_outer"`
	MaxCycleInner      int     `yaml:"max_cycle_inner"`
	ConvTolRDM1        float64 `yaml:"conv_tol_rdm1"`
	ConvTolNelec       float64 `yaml:"conv_tol_nelec"`
	ConvTolNelecFactor float64 `yaml:"conv_tol_nelec_factor"` // staged inner tolerance
	FockDIISSpace      int     `yaml:"fock_diis_space"`
	FockDIISMinSpace   int     `yaml:"fock_diis_min_space"`
	FockDamping        float64 `yaml:"fock_damping"`

	// Chemical potential search.
	BracketExpansions int `yaml:"bracket_expansions"` // doubling budget for the root bracket

	// Parallelism. Workers <= 0 uses GOMAXPROCS.
	Workers int `yaml:"workers"`

	// Analysis.
	ExcitationTol    float64 `yaml:"excitation_tol"`
	ExcitationNumber int     `yaml:"excitation_number"`

	// Experimental: permit the approximate density-fitted RDM2 reconstruction.
	AllowApproxRDM2 bool `yaml:"allow_approx_rdm2"`
}

// DefaultOptions returns the standard AGF2 parameter set.
func DefaultOptions() *Options {
	return &Options{
		WeightTol:          1e-12,
		NonDyson:           false,
		NmomLanczos:        0,
		NmomProjection:     -1,
		OSFactor:           1.0,
		SSFactor:           1.0,
		MaxCycle:           50,
		ConvTol:            1e-7,
		ConvTolT0:          math.Inf(1),
		ConvTolT1:          math.Inf(1),
		Damping:            0.0,
		DIISSpace:          6,
		DIISMinSpace:       1,
		ExtraCycle:         true,
		FockBasis:          "mo",
		FockLoop:           true,
		MaxCycleOuter:      20,
		MaxCycleInner:      50,
		ConvTolRDM1:        1e-8,
		ConvTolNelec:       1e-6,
		ConvTolNelecFactor: 1e-2,
		FockDIISSpace:      8,
		FockDIISMinSpace:   1,
		FockDamping:        0.0,
		BracketExpansions:  20,
		Workers:            0,
		ExcitationTol:      0.1,
		ExcitationNumber:   5,
	}
}

// LoadOptions reads an Options YAML file on top of the defaults.
func LoadOptions(fname string) (*Options, error) {
	data, err := os.ReadFile(fname)
	if err != nil {
		return nil, fmt.Errorf("reading options file: %w", err)
	}
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("parsing options file %s: %w", fname, err)
	}
	return opts, nil
}

// NmomTotal is the number of stored moments per sector, 2k+2 for Lanczos
// order k.
func (o *Options) NmomTotal() int {
	return 2*o.NmomLanczos + 2
}
