package processor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// StatSet selects the statistics reduced per band.
type StatSet int

const (
	// StatsFull is mean, sd, min, max, skew and kurt per band.
	StatsFull StatSet = iota
	// StatsMean is the band mean only.
	StatsMean
)

var fullStatNames = []string{"mean", "sd", "min", "max", "skew", "kurt"}

func (s StatSet) String() string {
	switch s {
	case StatsFull:
		return "full"
	case StatsMean:
		return "mean"
	default:
		return fmt.Sprintf("statset(%d)", int(s))
	}
}

func ParseStatSet(s string) (StatSet, error) {
	switch s {
	case "full", "":
		return StatsFull, nil
	case "mean":
		return StatsMean, nil
	default:
		return 0, fmt.Errorf("unknown statistic set %q, expecting full or mean", s)
	}
}

// Width is the number of statistics per band.
func (s StatSet) Width() int {
	if s == StatsMean {
		return 1
	}
	return len(fullStatNames)
}

// FeatureColumns names the feature columns for the given 1-based bands.
// Columns are grouped by statistic with bands ascending inside each group.
func FeatureColumns(set StatSet, bands []int) []string {
	if set == StatsMean {
		cols := make([]string, len(bands))
		for i, b := range bands {
			cols[i] = fmt.Sprintf("band_%d", b)
		}
		return cols
	}
	cols := make([]string, 0, len(fullStatNames)*len(bands))
	for _, name := range fullStatNames {
		for _, b := range bands {
			cols = append(cols, fmt.Sprintf("%s_band_%d", name, b))
		}
	}
	return cols
}

// BandMoments holds the statistics of one band. NaN marks a null value.
type BandMoments struct {
	Valid                          int
	Mean, SD, Min, Max, Skew, Kurt float64
}

// ReduceBand computes the statistics of the non-NaN values.
func ReduceBand(values []float32) BandMoments {
	x := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(float64(v)) {
			x = append(x, float64(v))
		}
	}

	nan := math.NaN()
	m := BandMoments{Valid: len(x), Mean: nan, SD: nan, Min: nan, Max: nan, Skew: nan, Kurt: nan}
	if len(x) == 0 {
		return m
	}

	mean, variance := stat.PopMeanVariance(x, nil)
	m.Mean = mean
	m.SD = math.Sqrt(variance)
	m.Min = floats.Min(x)
	m.Max = floats.Max(x)

	if len(x) < 2 {
		return m
	}
	m2 := stat.Moment(2, x, nil)
	if m2 == 0 {
		return m
	}
	m.Skew = stat.Moment(3, x, nil) / math.Pow(m2, 1.5)
	m.Kurt = stat.Moment(4, x, nil)/(m2*m2) - 3
	return m
}

// BandStatistics reduces every band of the cube. The returned row follows
// FeatureColumns order; valid holds the non-null pixel count per band.
func BandStatistics(sub *SubCube, set StatSet) (row []float64, valid []int) {
	nb := sub.BandCount()
	row = make([]float64, set.Width()*nb)
	valid = make([]int, nb)
	for b := 0; b < nb; b++ {
		m := ReduceBand(sub.Band(b))
		valid[b] = m.Valid
		if set == StatsMean {
			row[b] = m.Mean
			continue
		}
		for s, v := range []float64{m.Mean, m.SD, m.Min, m.Max, m.Skew, m.Kurt} {
			row[s*nb+b] = v
		}
	}
	return row, valid
}

func HasNull(row []float64) bool {
	for _, v := range row {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

// FillColumnMeans replaces null cells with the mean of the non-null cells
// of the same column. Columns without any value stay null. It returns the
// number of cells filled.
func FillColumnMeans(rows [][]float64) int {
	if len(rows) == 0 {
		return 0
	}
	filled := 0
	ncol := len(rows[0])
	for c := 0; c < ncol; c++ {
		sum, n := 0.0, 0
		for _, r := range rows {
			if !math.IsNaN(r[c]) {
				sum += r[c]
				n++
			}
		}
		if n == 0 || n == len(rows) {
			continue
		}
		mean := sum / float64(n)
		for _, r := range rows {
			if math.IsNaN(r[c]) {
				r[c] = mean
				filled++
			}
		}
	}
	return filled
}
