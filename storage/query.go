package storage

import (
	"sort"

	"banggood-pipeline/models"
)

// metricValue returns the value of m on rec; ok is false when it is null.
func metricValue(rec models.ProductRecord, m models.Metric) (v float64, ok bool) {
	switch m {
	case models.MetricValueScore:
		return rec.ValueScore, true
	case models.MetricPopularityIndex:
		return rec.PopularityIndex, true
	case models.MetricPrice:
		return rec.Price.InexactFloat64(), true
	case models.MetricRating:
		if rec.Rating == nil {
			return 0, false
		}
		return *rec.Rating, true
	case models.MetricReviewCount:
		return float64(rec.ReviewCount), true
	}
	return 0, false
}

// rankByMetric sorts descending by m with nulls last and ties broken by
// product id, then keeps the first n.
func rankByMetric(records []models.ProductRecord, m models.Metric, n int) []models.ProductRecord {
	sort.SliceStable(records, func(i, j int) bool {
		vi, oki := metricValue(records[i], m)
		vj, okj := metricValue(records[j], m)
		switch {
		case oki != okj:
			return oki
		case oki && vi != vj:
			return vi > vj
		}
		return records[i].ProductID < records[j].ProductID
	})
	if n >= 0 && len(records) > n {
		records = records[:n]
	}
	return records
}

// rollup aggregates records per category, sorted by category.
func rollup(records []models.ProductRecord) []models.RollupRow {
	type acc struct {
		count       int
		price       float64
		rating      float64
		rated       int
		reviews     int64
		valueScores float64
	}
	byCat := make(map[string]*acc)
	for _, r := range records {
		a := byCat[r.Category]
		if a == nil {
			a = &acc{}
			byCat[r.Category] = a
		}
		a.count++
		a.price += r.Price.InexactFloat64()
		if r.Rating != nil {
			a.rating += *r.Rating
			a.rated++
		}
		a.reviews += r.ReviewCount
		a.valueScores += r.ValueScore
	}

	rows := make([]models.RollupRow, 0, len(byCat))
	for cat, a := range byCat {
		row := models.RollupRow{
			Category:      cat,
			ProductCount:  a.count,
			AvgPrice:      a.price / float64(a.count),
			TotalReviews:  a.reviews,
			AvgValueScore: a.valueScores / float64(a.count),
		}
		if a.rated > 0 {
			avg := a.rating / float64(a.rated)
			row.AvgRating = &avg
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Category < rows[j].Category })
	return rows
}
