package pricing

import "strings"

// Entry describes one model family in the price table. Prices are USD per
// 1M tokens; MaxTokens is the output ceiling the request shaper clamps to.
type Entry struct {
	Input       float64
	Output      float64
	CacheRead   float64
	CacheCreate float64
	MaxTokens   int
}

// The static table. The periodic downloader that refreshes these numbers
// lives outside the core; this snapshot serves the clamp and cost paths.
var table = map[string]Entry{
	"opus":   {Input: 15, Output: 75, CacheRead: 1.50, CacheCreate: 18.75, MaxTokens: 32000},
	"sonnet": {Input: 3, Output: 15, CacheRead: 0.30, CacheCreate: 3.75, MaxTokens: 64000},
	"haiku":  {Input: 0.80, Output: 4, CacheRead: 0.08, CacheCreate: 1, MaxTokens: 8192},
}

// Lookup resolves a model name to its table entry by family substring, the
// same fuzzy match the downloader uses for renamed snapshots.
func Lookup(model string) (Entry, bool) {
	lower := strings.ToLower(model)
	for family, e := range table {
		if strings.Contains(lower, family) {
			return e, true
		}
	}
	return Entry{}, false
}

// MaxTokensCeiling returns the output ceiling for a model, or 0 when the
// table has no entry (no clamp).
func MaxTokensCeiling(model string) int {
	if e, ok := Lookup(model); ok {
		return e.MaxTokens
	}
	return 0
}

// Cost computes the estimated request cost in USD.
func Cost(model string, input, output, cacheRead, cacheCreate int) float64 {
	e, ok := Lookup(model)
	if !ok {
		e = table["sonnet"]
	}
	return (float64(input)*e.Input + float64(output)*e.Output +
		float64(cacheRead)*e.CacheRead + float64(cacheCreate)*e.CacheCreate) / 1_000_000
}
