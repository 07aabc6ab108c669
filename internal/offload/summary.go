package offload

import "math"

// DateRange bounds the date column of a result set.
type DateRange struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Summary holds aggregate statistics computed once over the complete,
// unchunked result set. Totals stay correct no matter how few chunks the
// consumer ever fetches.
type Summary struct {
	TotalRows          int            `json:"total_rows"`
	TotalAmount        float64        `json:"total_amount"`
	DateRange          DateRange      `json:"date_range"`
	StatusDistribution map[string]int `json:"status_distribution"`
}

// summarize computes the summary over all rows before any chunking.
// Conventions follow the helpdesk schema: an "amount" column is summed,
// a "date" column bounds the range, a "status" column is tallied.
func summarize(rows []Row) Summary {
	s := Summary{
		TotalRows:          len(rows),
		StatusDistribution: make(map[string]int),
	}
	if len(rows) == 0 {
		return s
	}

	total := 0.0
	for _, row := range rows {
		total += numericValue(row["amount"])

		if d, ok := row["date"].(string); ok && d != "" {
			if s.DateRange.Start == "" || d < s.DateRange.Start {
				s.DateRange.Start = d
			}
			if d > s.DateRange.End {
				s.DateRange.End = d
			}
		}

		status := "unknown"
		if v, ok := row["status"].(string); ok && v != "" {
			status = v
		}
		s.StatusDistribution[status]++
	}
	s.TotalAmount = math.Round(total*100) / 100
	return s
}

func numericValue(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
