package observability

import (
	"sort"
	"strings"
	"sync"
)

// CostCalculator 成本计算器
type CostCalculator struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice // key: provider:model
}

// ModelPrice 模型价格
type ModelPrice struct {
	Provider    string  `yaml:"provider" json:"provider"`
	Model       string  `yaml:"model" json:"model"`
	PriceInput  float64 `yaml:"price_input" json:"price_input"`   // USD per 1M tokens
	PriceOutput float64 `yaml:"price_output" json:"price_output"` // USD per 1M tokens
}

// NewCostCalculator 创建成本计算器
func NewCostCalculator() *CostCalculator {
	c := &CostCalculator{prices: make(map[string]ModelPrice)}
	c.UpdatePrices(defaultPrices)
	return c
}

// 默认价格，可由配置覆盖
var defaultPrices = []ModelPrice{
	{Provider: "openai", Model: "gpt-4o", PriceInput: 2.5, PriceOutput: 10},
	{Provider: "openai", Model: "gpt-4o-mini", PriceInput: 0.15, PriceOutput: 0.6},
	{Provider: "openai", Model: "gpt-4.1", PriceInput: 2, PriceOutput: 8},
	{Provider: "openai", Model: "gpt-4.1-mini", PriceInput: 0.4, PriceOutput: 1.6},
	{Provider: "openai", Model: "gpt-3.5-turbo", PriceInput: 0.5, PriceOutput: 1.5},
	{Provider: "deepseek", Model: "deepseek-chat", PriceInput: 0.27, PriceOutput: 1.1},
	{Provider: "deepseek", Model: "deepseek-reasoner", PriceInput: 0.55, PriceOutput: 2.19},
	{Provider: "qwen", Model: "qwen-turbo", PriceInput: 0.05, PriceOutput: 0.2},
	{Provider: "qwen", Model: "qwen-plus", PriceInput: 0.4, PriceOutput: 1.2},
	{Provider: "qwen", Model: "qwen-max", PriceInput: 1.6, PriceOutput: 6.4},
}

// SetPrice 设置模型价格
func (c *CostCalculator) SetPrice(provider, model string, priceInput, priceOutput float64) {
	c.UpdatePrices([]ModelPrice{{Provider: provider, Model: model, PriceInput: priceInput, PriceOutput: priceOutput}})
}

// UpdatePrices 批量更新价格（从配置）
func (c *CostCalculator) UpdatePrices(prices []ModelPrice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range prices {
		c.prices[p.Provider+":"+p.Model] = p
	}
}

// GetPrice 获取模型价格。带日期后缀的模型名（gpt-4o-2024-08-06）按最长前缀匹配。
func (c *CostCalculator) GetPrice(provider, model string) (ModelPrice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.prices[provider+":"+model]; ok {
		return p, true
	}
	var best ModelPrice
	found := false
	for _, p := range c.prices {
		if p.Provider != provider || !strings.HasPrefix(model, p.Model+"-") {
			continue
		}
		if !found || len(p.Model) > len(best.Model) {
			best, found = p, true
		}
	}
	return best, found
}

// Calculate 计算成本，未知模型返回 0
func (c *CostCalculator) Calculate(provider, model string, tokensInput, tokensOutput int) float64 {
	price, ok := c.GetPrice(provider, model)
	if !ok {
		return 0
	}
	return (float64(tokensInput)*price.PriceInput + float64(tokensOutput)*price.PriceOutput) / 1e6
}

// Models 返回已配置价格的 provider:model 列表
func (c *CostCalculator) Models() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.prices))
	for k := range c.prices {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CostSummary 成本汇总
type CostSummary struct {
	TotalCost       float64 `json:"total_cost_usd"`
	TotalTokens     int     `json:"total_tokens"`
	TokensInput     int     `json:"tokens_input"`
	TokensOutput    int     `json:"tokens_output"`
	RequestCount    int     `json:"request_count"`
	AvgCostPerReq   float64 `json:"avg_cost_per_request_usd"`
	AvgTokensPerReq float64 `json:"avg_tokens_per_request"`
}

// CostTracker 累计进程级的成本统计
type CostTracker struct {
	calculator *CostCalculator
	mu         sync.Mutex
	summary    CostSummary
}

// NewCostTracker 创建成本追踪器
func NewCostTracker(calculator *CostCalculator) *CostTracker {
	if calculator == nil {
		calculator = NewCostCalculator()
	}
	return &CostTracker{calculator: calculator}
}

// Track 追踪一次请求的成本
func (t *CostTracker) Track(provider, model string, tokensInput, tokensOutput int) float64 {
	cost := t.calculator.Calculate(provider, model, tokensInput, tokensOutput)

	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.summary
	s.TotalCost += cost
	s.TokensInput += tokensInput
	s.TokensOutput += tokensOutput
	s.TotalTokens += tokensInput + tokensOutput
	s.RequestCount++
	s.AvgCostPerReq = s.TotalCost / float64(s.RequestCount)
	s.AvgTokensPerReq = float64(s.TotalTokens) / float64(s.RequestCount)

	return cost
}

// Summary 获取成本汇总
func (t *CostTracker) Summary() CostSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary
}

// Reset 重置统计
func (t *CostTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.summary = CostSummary{}
}
