// internal/valuation/weighted.go

// Package valuation computes the weighted composite of method-level results.
// The computation is stateless and must be re-run whenever a value or weight
// changes; nothing here is cached or persisted.
package valuation

import "github.com/user/finclaw/internal/types"

// Composite combines method values by their weight fractions:
//
//	composite = Σ value_i × weight_i
//
// treating an unset value as 0. The second return is false when no method has
// a value strictly greater than 0, in which case the composite is undefined.
// The rule generalizes to any number of methods.
func Composite(methods []types.Method) (float64, bool) {
	var sum float64
	defined := false
	for _, m := range methods {
		if m.Value == nil {
			continue
		}
		if *m.Value > 0 {
			defined = true
		}
		sum += *m.Value * m.Weight
	}
	if !defined {
		return 0, false
	}
	return sum, true
}
