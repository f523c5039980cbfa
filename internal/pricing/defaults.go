package pricing

// defaultPrices is the built-in pricing table, in USD per million tokens.
// Config-supplied prices overlay these at startup and at runtime.
var defaultPrices = []Price{
	// Anthropic
	{Provider: "anthropic", Model: "claude-opus-4", InputPerMillion: 15.00, OutputPerMillion: 75.00},
	{Provider: "anthropic", Model: "claude-sonnet-4", InputPerMillion: 3.00, OutputPerMillion: 15.00},
	{Provider: "anthropic", Model: "claude-sonnet-4-5", InputPerMillion: 3.00, OutputPerMillion: 15.00},
	{Provider: "anthropic", Model: "claude-haiku-4-5", InputPerMillion: 0.80, OutputPerMillion: 4.00},

	// OpenAI
	{Provider: "openai", Model: "gpt-4o", InputPerMillion: 2.50, OutputPerMillion: 10.00},
	{Provider: "openai", Model: "gpt-4o-mini", InputPerMillion: 0.15, OutputPerMillion: 0.60},
	{Provider: "openai", Model: "gpt-4-turbo", InputPerMillion: 10.00, OutputPerMillion: 30.00},
	{Provider: "openai", Model: "text-embedding-3-small", InputPerMillion: 0.02},

	// Self-hosted models are free-tier.
	{Provider: "local", Model: "llama-3.1-8b", Free: true},
	{Provider: "local", Model: "qwen-2.5-7b", Free: true},
}
