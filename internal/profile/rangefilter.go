package profile

import "math"

// Scored pairs a similarity score with an item. Callers supply scores in
// descending order.
type Scored[T any] struct {
	Score float64
	Item  T
}

// RangeFilter returns a prefix of arr truncated by two gates: the running
// population standard deviation of the prefix scores must stay below maxStd,
// and every retained score must lie strictly above the top score minus
// maxRange. The longest prefix passing the stddev gate is chosen first, then
// the range gate prunes within it.
func RangeFilter[T any](arr []Scored[T], maxRange, maxStd float64) []T {
	if len(arr) == 0 {
		return nil
	}
	newMin := arr[0].Score - maxRange

	take := -1
	var sum, squares float64
	for d := 1; d <= len(arr); d++ {
		x := arr[d-1].Score
		sum += x
		squares += x * x
		variance := (squares - sum*sum/float64(d)) / float64(d)
		if variance < 0 {
			variance = 0
		}
		if math.Sqrt(variance) < maxStd {
			take = d
		}
	}

	var out []T
	for i := 0; i < take; i++ {
		if arr[i].Score > newMin {
			out = append(out, arr[i].Item)
		}
	}
	return out
}
