package token

// Item is one candidate for budget allocation.
type Item struct {
	Name   string
	Tokens int
}

// Allocation is the budget granted to one item.
type Allocation struct {
	Name      string
	Tokens    int
	Allocated float64
}

// Stats describes what the allocator did.
type Stats struct {
	Applied             bool
	TotalOriginalTokens int
	TargetTokens        int
	Deficit             int
	ProtectionModeUsed  bool
	ProtectedCount      int
	TruncatedCount      int
}

// Allocate distributes target tokens across items using the progressive tax:
// when feasible, items smaller than the average deficit share are protected
// at full size and the overage is taxed from the large items in proportion
// to their size. When the small items alone exceed the target, every item is
// taxed proportionally instead.
//
// Invariants: sum of allocations equals target (within float rounding) when
// a deficit exists, 0 <= allocated <= tokens for every item, and equal
// inputs receive equal allocations.
func Allocate(items []Item, target int) ([]Allocation, Stats) {
	stats := Stats{TargetTokens: target}
	out := make([]Allocation, len(items))

	var total int
	for _, it := range items {
		total += it.Tokens
	}
	stats.TotalOriginalTokens = total

	deficit := total - target
	if deficit <= 0 || len(items) == 0 {
		for i, it := range items {
			out[i] = Allocation{Name: it.Name, Tokens: it.Tokens, Allocated: float64(it.Tokens)}
		}
		return out, stats
	}

	stats.Applied = true
	stats.Deficit = deficit

	avg := float64(deficit) / float64(len(items))

	var sumBelow, sumAbove int
	for _, it := range items {
		if float64(it.Tokens) < avg {
			sumBelow += it.Tokens
		} else {
			sumAbove += it.Tokens
		}
	}

	if sumBelow <= target && sumAbove > 0 {
		// Protection mode: small items keep everything, large items absorb
		// the whole deficit in proportion to their size.
		stats.ProtectionModeUsed = true
		for i, it := range items {
			if float64(it.Tokens) < avg {
				out[i] = Allocation{Name: it.Name, Tokens: it.Tokens, Allocated: float64(it.Tokens)}
				stats.ProtectedCount++
				continue
			}
			tax := float64(it.Tokens) / float64(sumAbove) * float64(deficit)
			alloc := float64(it.Tokens) - tax
			if alloc < 0 {
				alloc = 0
			}
			out[i] = Allocation{Name: it.Name, Tokens: it.Tokens, Allocated: alloc}
			stats.TruncatedCount++
		}
		return out, stats
	}

	// Fallback: tax everyone proportionally.
	for i, it := range items {
		tax := float64(it.Tokens) / float64(total) * float64(deficit)
		alloc := float64(it.Tokens) - tax
		if alloc < 0 {
			alloc = 0
		}
		out[i] = Allocation{Name: it.Name, Tokens: it.Tokens, Allocated: alloc}
		if alloc < float64(it.Tokens) {
			stats.TruncatedCount++
		}
	}
	return out, stats
}
