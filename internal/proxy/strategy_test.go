package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/inference-router/internal/analytics"
	"github.com/vnmchuo/inference-router/internal/provider"
	"github.com/vnmchuo/inference-router/internal/provider/providertest"
)

func ids(providers []provider.Provider) []string {
	out := make([]string, len(providers))
	for i, p := range providers {
		out[i] = p.ID()
	}
	return out
}

func withKind(kind provider.Kind) func(*provider.Config) {
	return func(c *provider.Config) { c.Kind = kind }
}

func TestParseStrategy(t *testing.T) {
	for _, s := range Strategies {
		got, err := ParseStrategy(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStrategy("round-robin")
	assert.Error(t, err)
}

func TestOrder_PriorityKeepsInsertionOrderOnTies(t *testing.T) {
	providers := []provider.Provider{
		newProvider(t, "c", 2, &providertest.Backend{}),
		newProvider(t, "a", 1, &providertest.Backend{}),
		newProvider(t, "b", 2, &providertest.Backend{}),
	}

	got := Order(StrategyPriority, providers, &provider.Request{Prompt: "x"}, analytics.New())
	assert.Equal(t, []string{"a", "c", "b"}, ids(got))
}

func TestOrder_CostOptimized(t *testing.T) {
	cheap := &providertest.Backend{Catalog: []provider.Model{{ID: "cheap", InputCostPer1K: 0.0001, OutputCostPer1K: 0.0002, SupportsStreaming: true}}}
	pricey := &providertest.Backend{Catalog: []provider.Model{{ID: "pricey", InputCostPer1K: 0.01, OutputCostPer1K: 0.03, SupportsStreaming: true}}}
	free := &providertest.Backend{Catalog: []provider.Model{{ID: "local", SupportsStreaming: true}}}
	providers := []provider.Provider{
		newProvider(t, "pricey", 1, pricey),
		newProvider(t, "cheap", 2, cheap),
		newProvider(t, "free", 3, free),
	}

	got := Order(StrategyCostOptimized, providers, &provider.Request{Prompt: "a prompt of some length", MaxTokens: 500}, analytics.New())
	assert.Equal(t, []string{"free", "cheap", "pricey"}, ids(got))
}

func TestOrder_LoadBalanced(t *testing.T) {
	tracker := analytics.New()
	tracker.RecordSuccess("busy", 10, 10, 0)
	tracker.RecordSuccess("busy", 10, 10, 0)
	tracker.RecordFailure("warm", provider.ServerError)
	providers := []provider.Provider{
		newProvider(t, "busy", 1, &providertest.Backend{}),
		newProvider(t, "warm", 2, &providertest.Backend{}),
		newProvider(t, "idle", 3, &providertest.Backend{}),
	}

	got := Order(StrategyLoadBalanced, providers, &provider.Request{Prompt: "x"}, tracker)
	assert.Equal(t, []string{"idle", "warm", "busy"}, ids(got))
}

func TestOrder_FastestPutsUnmeasuredLast(t *testing.T) {
	tracker := analytics.New()
	tracker.RecordSuccess("slow", 900, 10, 0)
	tracker.RecordSuccess("quick", 120, 10, 0)
	tracker.RecordFailure("broken", provider.ServerError)
	providers := []provider.Provider{
		newProvider(t, "new", 1, &providertest.Backend{}),
		newProvider(t, "broken", 2, &providertest.Backend{}),
		newProvider(t, "slow", 3, &providertest.Backend{}),
		newProvider(t, "quick", 4, &providertest.Backend{}),
	}

	got := Order(StrategyFastest, providers, &provider.Request{Prompt: "x"}, tracker)
	assert.Equal(t, []string{"quick", "slow", "new", "broken"}, ids(got))
}

func TestOrder_BestQuality(t *testing.T) {
	providers := []provider.Provider{
		newProvider(t, "local", 1, &providertest.Backend{}, withKind(provider.KindOllama)),
		newProvider(t, "grok", 1, &providertest.Backend{}, withKind(provider.KindGrok)),
		newProvider(t, "gpt", 1, &providertest.Backend{}),
		newProvider(t, "claude", 1, &providertest.Backend{}, withKind(provider.KindAnthropic)),
		newProvider(t, "gemini", 1, &providertest.Backend{}, withKind(provider.KindGemini)),
	}

	got := Order(StrategyBestQuality, providers, &provider.Request{Prompt: "x"}, analytics.New())
	assert.Equal(t, []string{"claude", "gpt", "gemini", "grok", "local"}, ids(got))
}

func TestOrder_DoesNotMutateInput(t *testing.T) {
	providers := []provider.Provider{
		newProvider(t, "b", 2, &providertest.Backend{}),
		newProvider(t, "a", 1, &providertest.Backend{}),
	}

	Order(StrategyPriority, providers, &provider.Request{Prompt: "x"}, analytics.New())
	assert.Equal(t, []string{"b", "a"}, ids(providers))
}
