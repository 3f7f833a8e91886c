package handler

import (
	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/agent"
	"github.com/t77yq/agent-orchestrator/internal/model"
)

type promptSpec struct {
	taskType    string
	description string
	instruction string
	parameters  map[string]string
}

var defaultPrompts = map[model.AgentType][]promptSpec{
	model.AgentTypeRecipe: {
		{"create_recipe", "Create a new brewing recipe", "Design a brewing recipe for the requested style. Include ingredients with quantities, mash and boil steps, and target gravity, ABV and IBU.", map[string]string{"style": "string", "batch_size": "number"}},
		{"scale_recipe", "Scale a recipe to a new batch size", "Scale the given recipe to the target batch size, adjusting every ingredient and noting efficiency changes.", map[string]string{"recipe": "object", "target_size": "number"}},
		{"analyze_recipe", "Review a recipe for balance and style fit", "Analyze the recipe for style conformance, balance and likely flaws, and suggest improvements.", map[string]string{"recipe": "object"}},
	},
	model.AgentTypeBatch: {
		{"plan_batch", "Plan a production batch", "Plan the production schedule for the batch, listing each stage with expected durations and required equipment.", map[string]string{"recipe_id": "string", "volume": "number"}},
		{"track_fermentation", "Assess fermentation progress", "Assess the fermentation readings and report progress, anomalies and recommended actions.", map[string]string{"batch_id": "string", "readings": "array"}},
		{"quality_check", "Evaluate batch quality measurements", "Evaluate the quality measurements against the targets and return a pass or fail verdict with reasons.", map[string]string{"batch_id": "string", "measurements": "object"}},
	},
	model.AgentTypeInventory: {
		{"check_stock", "Check stock levels", "Check the stock levels against the reorder thresholds and list items that are low.", map[string]string{"items": "array"}},
		{"forecast_demand", "Forecast ingredient demand", "Forecast ingredient demand for the planned batches over the given horizon.", map[string]string{"horizon_days": "number"}},
		{"reorder", "Propose purchase orders", "Propose purchase orders for the low items, grouped by supplier.", map[string]string{"items": "array"}},
	},
	model.AgentTypeCompliance: {
		{"check_compliance", "Check a product against regulations", "Check the product details against the applicable labeling and alcohol regulations and list any violations.", map[string]string{"product": "object", "jurisdiction": "string"}},
		{"generate_report", "Draft a compliance report", "Draft the periodic compliance report from the production and sales figures.", map[string]string{"period": "string"}},
		{"audit_batch", "Audit batch records", "Audit the batch records for missing entries and traceability gaps.", map[string]string{"batch_id": "string"}},
	},
	model.AgentTypeCustomer: {
		{"answer_inquiry", "Answer a customer inquiry", "Answer the customer inquiry politely and accurately using the product information provided.", map[string]string{"inquiry": "string"}},
		{"analyze_feedback", "Summarize customer feedback", "Summarize the customer feedback, extracting sentiment and recurring themes.", map[string]string{"feedback": "array"}},
		{"recommend", "Recommend products", "Recommend products that match the customer's stated preferences and purchase history.", map[string]string{"customer_id": "string"}},
	},
	model.AgentTypeFinance: {
		{"analyze_costs", "Analyze production costs", "Break down the production costs per batch and highlight the largest cost drivers.", map[string]string{"period": "string"}},
		{"forecast_revenue", "Forecast revenue", "Forecast revenue for the coming periods from the sales history.", map[string]string{"months": "number"}},
		{"price_product", "Suggest product pricing", "Suggest a price for the product from its cost, the target margin and the market references.", map[string]string{"product_id": "string", "target_margin": "number"}},
	},
}

// DefaultRegistry registers the prompt handlers of every built-in agent type
func DefaultRegistry(client Completer, logger *zap.Logger) *agent.Registry {
	registry := agent.NewRegistry()
	logger = logger.Named("prompt-handler")

	for agentType, specs := range defaultPrompts {
		for _, spec := range specs {
			registry.Register(agentType, spec.taskType, NewPromptHandler(
				client,
				spec.description,
				spec.instruction,
				spec.parameters,
				logger.With(zap.String("agent_type", string(agentType))),
			))
		}
	}
	return registry
}
