// main.go --  This file is part of goAGF2.
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
package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	agf2 "example.com/goagf2"
	"example.com/goagf2/eagf2"
)

// jobInput is the on-disk job description: the mean-field reference, the
// two-electron integrals over the active space, solver options and an
// optional fragment list that switches the run to the embedded driver.
type jobInput struct {
	NAO int `yaml:"nao"`
	NMO int `yaml:"nmo"`

	ENuc     float64   `yaml:"e_nuc"`
	ETot     float64   `yaml:"e_tot"`
	MOEnergy []float64 `yaml:"mo_energy"`
	MOOcc    []float64 `yaml:"mo_occ"`
	MOCoeff  []float64 `yaml:"mo_coeff,flow"` // row-major nao x nmo
	Ovlp     []float64 `yaml:"ovlp,flow"`
	Hcore    []float64 `yaml:"hcore,flow"`

	ERI []float64 `yaml:"eri,flow"` // dense (ij|kl), active space
	DF  *struct {
		NAux int       `yaml:"naux"`
		L    []float64 `yaml:"l,flow"`
	} `yaml:"df"`

	FrozenOcc int `yaml:"frozen_occ"`
	FrozenVir int `yaml:"frozen_vir"`

	Checkpoint string `yaml:"checkpoint"`
	Workers    int    `yaml:"workers"`

	Options   *agf2.Options `yaml:"options"`
	Strict    bool          `yaml:"strict"`
	Fragments []struct {
		Name   string    `yaml:"name"`
		NCols  int       `yaml:"ncols"`
		Coeff  []float64 `yaml:"coeff,flow"` // row-major nact x ncols
		Parent string    `yaml:"parent"`
	} `yaml:"fragments"`
}

func loadJob(fname string) (*jobInput, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	var job jobInput
	if err := yaml.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("parse input %s: %w", fname, err)
	}
	if job.NMO == 0 {
		job.NMO = job.NAO
	}
	return &job, nil
}

func (job *jobInput) meanField() (*agf2.MeanField, error) {
	mf := &agf2.MeanField{
		MOEnergy: job.MOEnergy,
		MOOcc:    job.MOOcc,
		ENuc:     job.ENuc,
		ETot:     job.ETot,
	}
	if len(job.MOCoeff) != job.NAO*job.NMO {
		return nil, fmt.Errorf("mo_coeff has %d entries, want %d", len(job.MOCoeff), job.NAO*job.NMO)
	}
	mf.MOCoeff = mat.NewDense(job.NAO, job.NMO, job.MOCoeff)
	if len(job.Ovlp) != job.NAO*job.NAO || len(job.Hcore) != job.NAO*job.NAO {
		return nil, fmt.Errorf("ovlp/hcore must each have %d entries", job.NAO*job.NAO)
	}
	mf.Ovlp = mat.NewDense(job.NAO, job.NAO, job.Ovlp)
	mf.Hcore = mat.NewDense(job.NAO, job.NAO, job.Hcore)
	return mf, mf.Validate()
}

func (job *jobInput) integrals() (agf2.Integrals, error) {
	nact := job.NMO - job.FrozenOcc - job.FrozenVir
	if job.DF != nil {
		return agf2.NewDF3C(job.DF.NAux, nact, job.DF.L)
	}
	if len(job.ERI) > 0 {
		return agf2.NewDense4C(nact, job.ERI)
	}
	return nil, fmt.Errorf("input carries neither eri nor df blocks")
}

func buildLogger(outFname string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stdout", outFname}
	cfg.ErrorOutputPaths = []string{"stderr", outFname}
	return cfg.Build()
}

func runMonolithic(job *jobInput, log *zap.Logger) error {
	mf, err := job.meanField()
	if err != nil {
		return err
	}
	eri, err := job.integrals()
	if err != nil {
		return err
	}

	solver, err := agf2.NewRAGF2(mf, eri, job.FrozenOcc, job.FrozenVir, job.Options, log)
	if err != nil {
		return err
	}

	res, err := solver.Kernel()
	if err != nil {
		return err
	}

	if job.Checkpoint != "" {
		if err := solver.Snapshot().Save(job.Checkpoint); err != nil {
			return err
		}
		log.Info("Wrote checkpoint", zap.String("file", job.Checkpoint))
	}

	log.Info("Final results",
		zap.Bool("converged", res.Converged),
		zap.Float64("e_corr", res.ECorr),
		zap.Float64("e_tot", res.ETot),
		zap.Float64("ip", res.IP),
		zap.Float64("ea", res.EA),
	)
	fmt.Printf("Final total energy = %.10f a.u.\n", res.ETot)
	return nil
}

func runEmbedded(job *jobInput, log *zap.Logger) error {
	mf, err := job.meanField()
	if err != nil {
		return err
	}
	eri, err := job.integrals()
	if err != nil {
		return err
	}

	opts := eagf2.DefaultOptions()
	if job.Options != nil {
		opts.Options = *job.Options
	}
	opts.Strict = job.Strict

	driver, err := eagf2.NewEAGF2(mf, eri, opts, log)
	if err != nil {
		return err
	}

	nact := job.NMO - job.FrozenOcc - job.FrozenVir
	byName := make(map[string]*eagf2.Fragment)
	for _, f := range job.Fragments {
		coeff := mat.NewDense(nact, f.NCols, f.Coeff)
		var frag *eagf2.Fragment
		if f.Parent != "" {
			parent, ok := byName[f.Parent]
			if !ok {
				return fmt.Errorf("fragment %q refers to unknown parent %q", f.Name, f.Parent)
			}
			frag, err = driver.AddSymmetricFragment(f.Name, coeff, parent)
		} else {
			frag, err = driver.AddFragment(f.Name, coeff)
		}
		if err != nil {
			return err
		}
		byName[f.Name] = frag
	}

	res, err := driver.Kernel()
	if err != nil {
		return err
	}

	log.Info("Final results",
		zap.Bool("converged", res.Converged),
		zap.Float64("e_corr", res.ECorr),
		zap.Float64("e_tot", res.ETot),
		zap.Float64("ip", res.IP),
		zap.Float64("ea", res.EA),
	)
	fmt.Printf("Final total energy = %.10f a.u.\n", res.ETot)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: goagf2 input.yaml")
		os.Exit(2)
	}
	inpFname := os.Args[1]
	outFname := strings.TrimSuffix(inpFname, ".yaml") + ".out"
	fmt.Println("Output file: ", outFname)

	log, err := buildLogger(outFname)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot initialise logging:", err)
		os.Exit(1)
	}
	defer log.Sync()

	job, err := loadJob(inpFname)
	if err != nil {
		fatal(log, "Cannot load job", err)
	}

	if job.Workers > 0 {
		runtime.GOMAXPROCS(job.Workers)
	}

	log.Info("Starting goAGF2", zap.String("input", inpFname))
	if len(job.Fragments) > 0 {
		err = runEmbedded(job, log)
	} else {
		err = runMonolithic(job, log)
	}
	if err != nil {
		fatal(log, "Calculation failed", err)
	}
	log.Info("goAGF2 done")
}

// fatal flushes buffered log output before exiting; zap's own Fatal calls
// os.Exit without a final Sync, which can lose the tail of the .out file.
func fatal(log *zap.Logger, msg string, err error) {
	log.Error(msg, zap.Error(err))
	_ = log.Sync()
	os.Exit(1)
}
