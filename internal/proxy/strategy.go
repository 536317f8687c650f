package proxy

import (
	"fmt"
	"math"
	"sort"

	"github.com/vnmchuo/inference-router/internal/analytics"
	"github.com/vnmchuo/inference-router/internal/provider"
)

// Strategy orders the enabled providers for one request.
type Strategy string

const (
	StrategyPriority      Strategy = "priority"
	StrategyCostOptimized Strategy = "cost-optimized"
	StrategyLoadBalanced  Strategy = "load-balanced"
	StrategyFastest       Strategy = "fastest"
	StrategyBestQuality   Strategy = "best-quality"
)

var Strategies = []Strategy{StrategyPriority, StrategyCostOptimized, StrategyLoadBalanced, StrategyFastest, StrategyBestQuality}

func ParseStrategy(s string) (Strategy, error) {
	for _, known := range Strategies {
		if Strategy(s) == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// qualityRank is a fixed vendor ranking; lower is better.
var qualityRank = map[provider.Kind]int{
	provider.KindAnthropic: 0,
	provider.KindOpenAI:    1,
	provider.KindGemini:    2,
	provider.KindGrok:      3,
	provider.KindOllama:    4,
}

type ranked struct {
	p   provider.Provider
	key float64
}

// Order returns providers sorted for the strategy. Sorting is stable, so
// ties keep registry insertion order. Load balancing uses the cumulative
// request count from the tracker; fastest puts providers without a
// successful request last.
func Order(s Strategy, providers []provider.Provider, req *provider.Request, tracker *analytics.Tracker) []provider.Provider {
	items := make([]ranked, len(providers))
	for i, p := range providers {
		items[i] = ranked{p: p, key: sortKey(s, p, req, tracker)}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].key < items[j].key })

	out := make([]provider.Provider, len(items))
	for i, it := range items {
		out[i] = it.p
	}
	return out
}

func sortKey(s Strategy, p provider.Provider, req *provider.Request, tracker *analytics.Tracker) float64 {
	switch s {
	case StrategyCostOptimized:
		return p.EstimateCost(req)
	case StrategyLoadBalanced:
		stats, _ := tracker.Get(p.ID())
		return float64(stats.TotalRequests)
	case StrategyFastest:
		stats, _ := tracker.Get(p.ID())
		if stats.SuccessfulRequests == 0 {
			return math.Inf(1)
		}
		return stats.AvgLatencyMs
	case StrategyBestQuality:
		rank, ok := qualityRank[p.Kind()]
		if !ok {
			return float64(len(qualityRank))
		}
		return float64(rank)
	default:
		return float64(p.Config().Priority)
	}
}
