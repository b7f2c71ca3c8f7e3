// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"context"
	"strings"
	"time"
)

// MockModel is the model name reported by the mock provider.
const MockModel = "mock-negotiator-v1"

// MockProvider is a deterministic provider used when no credentials are
// configured and in local development. It recognizes the engine's expert
// roles from the system prompt and returns schema-shaped JSON for each,
// so a full processing turn works without any external API.
type MockProvider struct {
	name    string
	healthy bool
}

// NewMockProvider creates a mock provider with the given instance name.
func NewMockProvider(name string) *MockProvider {
	if name == "" {
		name = "mock"
	}
	return &MockProvider{name: name, healthy: true}
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	return m.name
}

// Type returns the provider type
func (m *MockProvider) Type() ProviderType {
	return ProviderTypeMock
}

// IsHealthy returns whether the provider is healthy
func (m *MockProvider) IsHealthy() bool {
	return m.healthy
}

// GetCapabilities returns the provider's capabilities
func (m *MockProvider) GetCapabilities() []string {
	return []string{"chat", "analysis", "structured_output"}
}

// Complete returns a canned, role-appropriate response.
func (m *MockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewProviderError(m.name, ErrCodeTimeout, err.Error())
	}

	// Simulate a small amount of API latency
	time.Sleep(10 * time.Millisecond)

	content := m.cannedContent(req.SystemPrompt)

	return &CompletionResponse{
		Content:  content,
		Provider: m.name,
		Model:    MockModel,
		Usage: UsageStats{
			InputTokens:  (len(req.SystemPrompt) + len(req.Prompt)) / 4,
			OutputTokens: len(content) / 4,
			TotalTokens:  (len(req.SystemPrompt) + len(req.Prompt) + len(content)) / 4,
		},
		Latency: 10 * time.Millisecond,
	}, nil
}

// cannedContent picks a response shape based on the expert role named in
// the system prompt. The synthesis role is checked first because its
// prompt embeds the other experts' opinions.
func (m *MockProvider) cannedContent(systemPrompt string) string {
	role := strings.ToLower(systemPrompt)

	switch {
	case strings.Contains(role, "lead negotiation orchestrator"):
		return `{"ready_to_act": true, "action": "counter", "reasoning": "Mock synthesis: quoted terms are close to target; counter on price.", "counter_terms": {"target_price": 4.00, "target_quantity": 1000}}`

	case strings.Contains(role, "data extraction specialist"):
		return `{"quoted_price": 4.50, "currency": "USD", "price_usd": 4.50, "available_quantity": 5000, "minimum_order_quantity": 500, "lead_time_min_days": 14, "lead_time_max_days": 21, "payment_terms": "30% deposit, 70% before shipment", "quote_validity": "30 days", "confidence": 0.9, "notes": "Mock extraction."}`

	case strings.Contains(role, "escalation analyst"):
		return `{"should_escalate": false, "severity": "low", "matched_triggers": [], "reasoning": "Mock escalation review: no trigger conditions matched."}`

	case strings.Contains(role, "needs analyst"):
		return `{"missing_fields": ["shipping terms"], "clarification_questions": ["Could you confirm the Incoterms for this quote?"]}`

	default:
		return `{"ready_to_act": true, "action": "clarify", "reasoning": "Mock response for unrecognized role."}`
	}
}
