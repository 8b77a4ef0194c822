package models

import "math"

// Range is the observed min/max of one attribute. An unset range normalizes
// everything to the midpoint.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Set bool    `json:"set"`
}

// Observe widens the range to include v.
func (r *Range) Observe(v float64) {
	if !r.Set {
		r.Min, r.Max, r.Set = v, v, true
		return
	}
	r.Min = math.Min(r.Min, v)
	r.Max = math.Max(r.Max, v)
}

// Merge widens the range to include o.
func (r *Range) Merge(o Range) {
	if !o.Set {
		return
	}
	r.Observe(o.Min)
	r.Observe(o.Max)
}

// Norm maps v into [0,1]; 0.5 when the range is empty or a single point.
func (r Range) Norm(v float64) float64 {
	if !r.Set || r.Max == r.Min {
		return 0.5
	}
	n := (v - r.Min) / (r.Max - r.Min)
	return math.Max(0, math.Min(1, n))
}

// Bounds are the normalization ranges of one bucket.
type Bounds struct {
	Rating  Range `json:"rating"`
	Reviews Range `json:"reviews"`
	Price   Range `json:"price"`
}

// Observe adds a record's attributes. Missing ratings are not observed.
func (b *Bounds) Observe(rec *ProductRecord) {
	if rec.Rating != nil {
		b.Rating.Observe(*rec.Rating)
	}
	b.Reviews.Observe(float64(rec.ReviewCount))
	b.Price.Observe(rec.Price.InexactFloat64())
}

// Merge widens b by o.
func (b *Bounds) Merge(o Bounds) {
	b.Rating.Merge(o.Rating)
	b.Reviews.Merge(o.Reviews)
	b.Price.Merge(o.Price)
}
