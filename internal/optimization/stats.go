package optimization

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Record holds the statistics of one generation. Each statistic has one
// entry per objective.
type Record struct {
	Gen   int       `json:"gen"`
	Evals int       `json:"evals"`
	Avg   []float64 `json:"avg"`
	Std   []float64 `json:"std"`
	Min   []float64 `json:"min"`
	Max   []float64 `json:"max"`
	// Best is the best-ever fitness, set by estimators that keep a hall of fame.
	Best []float64 `json:"best,omitempty"`
}

// Logbook is the per-generation history of a search.
type Logbook []Record

// Select returns one statistic column for objective obj across generations.
// Valid names are avg, std, min and max.
func (l Logbook) Select(name string, obj int) []float64 {
	out := make([]float64, 0, len(l))
	for _, rec := range l {
		var col []float64
		switch name {
		case "avg":
			col = rec.Avg
		case "std":
			col = rec.Std
		case "min":
			col = rec.Min
		case "max":
			col = rec.Max
		}
		if obj < len(col) {
			out = append(out, col[obj])
		}
	}
	return out
}

// Compile computes per-objective mean, population standard deviation, min and
// max over the valid individuals of pop.
func Compile(gen, evals int, pop Population) Record {
	rec := Record{Gen: gen, Evals: evals}

	var nobj int
	for _, ind := range pop {
		if ind.Fitness.Valid {
			nobj = len(ind.Fitness.Values)
			break
		}
	}
	if nobj == 0 {
		return rec
	}

	rec.Avg = make([]float64, nobj)
	rec.Std = make([]float64, nobj)
	rec.Min = make([]float64, nobj)
	rec.Max = make([]float64, nobj)

	col := make([]float64, 0, len(pop))
	for j := 0; j < nobj; j++ {
		col = col[:0]
		for _, ind := range pop {
			if ind.Fitness.Valid && j < len(ind.Fitness.Values) {
				col = append(col, ind.Fitness.Values[j])
			}
		}
		rec.Avg[j], rec.Std[j] = stat.PopMeanStdDev(col, nil)
		rec.Min[j] = floats.Min(col)
		rec.Max[j] = floats.Max(col)
	}
	return rec
}

// HallOfFame keeps the best individuals ever seen, best first. An individual
// only enters by being strictly better than the current worst member, so
// equal fitness keeps the earlier entry.
type HallOfFame struct {
	size  int
	items []*Individual
}

// NewHallOfFame creates a hall of fame holding at most size individuals.
func NewHallOfFame(size int) *HallOfFame {
	if size < 1 {
		size = 1
	}
	return &HallOfFame{size: size}
}

// Update offers every individual of pop. It reports whether the best entry
// changed.
func (h *HallOfFame) Update(pop Population) bool {
	var before *Individual
	if len(h.items) > 0 {
		before = h.items[0]
	}
	for _, ind := range pop {
		if !ind.Fitness.Valid {
			continue
		}
		if len(h.items) >= h.size && !ind.Fitness.Less(h.items[len(h.items)-1].Fitness) {
			continue
		}
		if h.contains(ind) {
			continue
		}
		if len(h.items) >= h.size {
			h.items = h.items[:len(h.items)-1]
		}
		h.insert(ind.Clone())
	}
	return len(h.items) > 0 && h.items[0] != before
}

// Best returns the best individual, or nil when empty.
func (h *HallOfFame) Best() *Individual {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

// Items returns the members, best first.
func (h *HallOfFame) Items() []*Individual {
	return append([]*Individual(nil), h.items...)
}

// Len returns the number of members.
func (h *HallOfFame) Len() int { return len(h.items) }

// insert keeps items sorted; a new entry goes after members it ties with.
func (h *HallOfFame) insert(ind *Individual) {
	i := len(h.items)
	for i > 0 && ind.Fitness.Less(h.items[i-1].Fitness) {
		i--
	}
	h.items = append(h.items, nil)
	copy(h.items[i+1:], h.items[i:])
	h.items[i] = ind
}

func (h *HallOfFame) contains(ind *Individual) bool {
	for _, m := range h.items {
		if floats.Equal(m.Genes, ind.Genes) {
			return true
		}
	}
	return false
}
