// moments.go --  This file is part of goAGF2.
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
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// sectorIntegrals serves the (x,j,a) coupling blocks of one self-energy
// sector for a fixed outer index i: the direct block xja and its exchange
// partner xia. Two layouts implement it, dense four-index and density-fitted
// three-index; they must contract to the same moments.
type sectorIntegrals interface {
	nphys() int
	nouter() int // occupied count for 2h1p, virtual count for 1h2p
	pair(i int) (xja, xia *mat.Dense)
}

// denseSector views a transformed (x i | j a) tensor, x physical, i the outer
// loop index.
type denseSector struct {
	t    []float64
	np   int // nphys
	ni   int // outer
	nj   int
	na   int
}

func (s *denseSector) nphys() int  { return s.np }
func (s *denseSector) nouter() int { return s.ni }

func (s *denseSector) pair(i int) (*mat.Dense, *mat.Dense) {
	in := s.nj * s.na
	xja := mat.NewDense(s.np, in, nil)
	xia := mat.NewDense(s.np, in, nil)
	for x := 0; x < s.np; x++ {
		base := ((x*s.ni + i) * s.nj) * s.na
		for ja := 0; ja < in; ja++ {
			xja.Set(x, ja, s.t[base+ja])
		}
		for j := 0; j < s.nj; j++ {
			// exchange partner: fix the second orbital index to i
			src := ((x*s.ni+j)*s.nj + i) * s.na
			for a := 0; a < s.na; a++ {
				xia.Set(x, j*s.na+a, s.t[src+a])
			}
		}
	}
	return xja, xia
}

// dfSector holds the half-transformed factors Qxi[q,x,i] and Qja[q,j,a].
type dfSector struct {
	qxi  []float64
	qja  []float64
	naux int
	np   int
	ni   int
	nj   int
	na   int
}

func (s *dfSector) nphys() int  { return s.np }
func (s *dfSector) nouter() int { return s.ni }

func (s *dfSector) pair(i int) (*mat.Dense, *mat.Dense) {
	in := s.nj * s.na
	xja := mat.NewDense(s.np, in, nil)
	xia := mat.NewDense(s.np, in, nil)
	for q := 0; q < s.naux; q++ {
		qx := s.qxi[q*s.np*s.ni : (q+1)*s.np*s.ni]
		qj := s.qja[q*s.nj*s.na : (q+1)*s.nj*s.na]
		for x := 0; x < s.np; x++ {
			lxi := qx[x*s.ni+i]
			if lxi != 0 {
				for ja := 0; ja < in; ja++ {
					xja.Set(x, ja, xja.At(x, ja)+lxi*qj[ja])
				}
			}
			for j := 0; j < s.nj; j++ {
				lxj := qx[x*s.ni+j]
				if lxj == 0 {
					continue
				}
				for a := 0; a < s.na; a++ {
					xia.Set(x, j*s.na+a, xia.At(x, j*s.na+a)+lxj*qj[i*s.na+a])
				}
			}
		}
	}
	return xja, xia
}

// momentParams configures one sector contraction.
type momentParams struct {
	nmom     int // number of moments, 2k+2
	osFactor float64
	ssFactor float64
	diagonal bool
	workers  int
}

// buildSectorMoments contracts orbital energies and repulsion integrals into
// the spectral moments of one self-energy sector. eo are the energies of the
// doubly-counted sector (outer and j index), ev the opposite sector. The
// outer index is split across workers, each accumulating private partial
// moments that are summed once all workers finish.
func buildSectorMoments(eo, ev []float64, ints sectorIntegrals, p momentParams) []*mat.Dense {
	nphys := ints.nphys()
	nouter := ints.nouter()

	workers := p.workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(-1)
	}
	if workers > nouter {
		workers = nouter
	}
	if workers < 1 {
		workers = 1
	}

	parts := make([][]*mat.Dense, workers)
	for w := range parts {
		parts[w] = make([]*mat.Dense, p.nmom)
		for n := range parts[w] {
			parts[w][n] = mat.NewDense(nphys, nphys, nil)
		}
	}

	chunk := (nouter + workers - 1) / workers
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		lo, hi := w*chunk, (w+1)*chunk
		if hi > nouter {
			hi = nouter
		}
		g.Go(func() error {
			accumulateSector(eo, ev, ints, p, lo, hi, parts[w])
			return nil
		})
	}
	_ = g.Wait() // workers are infallible; the group only provides the barrier

	t := parts[0]
	for w := 1; w < workers; w++ {
		for n := range t {
			t[n].Add(t[n], parts[w][n])
		}
	}
	return t
}

// accumulateSector adds the contributions of outer indices [lo, hi) into t.
func accumulateSector(eo, ev []float64, ints sectorIntegrals, p momentParams, lo, hi int, t []*mat.Dense) {
	nphys := ints.nphys()
	nj := len(eo)
	na := len(ev)
	fpos := p.osFactor + p.ssFactor
	fneg := -p.ssFactor

	eja := make([]float64, nj*na)
	for i := lo; i < hi; i++ {
		xja, xia := ints.pair(i)
		for j := 0; j < nj; j++ {
			for a := 0; a < na; a++ {
				eja[j*na+a] = eo[i] + eo[j] - ev[a]
			}
		}

		scaled := mat.DenseCopyOf(xja)
		for n := 0; n < p.nmom; n++ {
			if n > 0 {
				for x := 0; x < nphys; x++ {
					for ja := range eja {
						scaled.Set(x, ja, scaled.At(x, ja)*eja[ja])
					}
				}
			}
			if p.diagonal {
				for x := 0; x < nphys; x++ {
					d := 0.0
					for ja := range eja {
						d += fpos*scaled.At(x, ja)*xja.At(x, ja) + fneg*scaled.At(x, ja)*xia.At(x, ja)
					}
					t[n].Set(x, x, t[n].At(x, x)+d)
				}
				continue
			}
			var direct, exch mat.Dense
			direct.Mul(scaled, xja.T())
			exch.Mul(scaled, xia.T())
			direct.Scale(fpos, &direct)
			exch.Scale(fneg, &exch)
			t[n].Add(t[n], &direct)
			t[n].Add(t[n], &exch)
		}
	}
}
