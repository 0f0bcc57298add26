package audits

import "sort"

// BudgetCount returns how many of n ranked files a depth level analyzes:
// full=n, thorough=ceil(n*0.33), opportunistic=ceil(n*0.10).
func BudgetCount(depth Depth, n int) int {
	if n <= 0 {
		return 0
	}
	switch depth {
	case DepthThorough:
		return ceilPercent(n, 33)
	case DepthOpportunistic:
		return ceilPercent(n, 10)
	default:
		return n
	}
}

// integer ceil(n*pct/100), avoids float rounding at exact multiples
func ceilPercent(n, pct int) int {
	return (n*pct + 99) / 100
}

// SelectBudget returns the highest-priority prefix of ranked sized for depth.
// Ties keep planner order.
func SelectBudget(depth Depth, ranked []RankedFile) []RankedFile {
	sorted := make([]RankedFile, len(ranked))
	copy(sorted, ranked)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return sorted[:BudgetCount(depth, len(sorted))]
}

// Estimate is the pre-audit token forecast for one depth level.
type Estimate struct {
	Depth          Depth   `json:"depth"`
	TotalFiles     int     `json:"total_files"`
	SelectedFiles  int     `json:"selected_files"`
	PlanningTokens int     `json:"planning_tokens"`
	AnalysisTokens int     `json:"analysis_tokens"`
	CostUSD        float64 `json:"cost_usd"`
}

// planning sends the path list plus ~60 output tokens per ranked entry
const (
	planningTokensPerFile = 80
	rankOutputTokens      = 60
)

// EstimateTokens forecasts token usage. Planning always ranks every file so
// its cost is the same for all depths; analysis scales with the files the
// budget selects. Without a ranking, files are taken largest-first as the
// worst case.
func EstimateTokens(depth Depth, files []FileInfo, inputPricePerMTok, outputPricePerMTok float64) Estimate {
	sorted := make([]FileInfo, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Tokens > sorted[j].Tokens })

	n := BudgetCount(depth, len(sorted))
	analysis := 0
	for _, f := range sorted[:n] {
		analysis += f.Tokens
	}
	planningIn := len(files) * planningTokensPerFile
	planningOut := len(files) * rankOutputTokens

	cost := float64(planningIn+analysis)/1e6*inputPricePerMTok + float64(planningOut)/1e6*outputPricePerMTok
	return Estimate{
		Depth:          depth,
		TotalFiles:     len(files),
		SelectedFiles:  n,
		PlanningTokens: planningIn + planningOut,
		AnalysisTokens: analysis,
		CostUSD:        cost,
	}
}
