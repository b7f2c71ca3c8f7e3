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

package usage

import "fmt"

// LLM provider pricing as of August 2026
// Prices stored in cents per 1M tokens to avoid floating point issues
// All prices are USD

// ProviderPricing contains pricing for a specific model
type ProviderPricing struct {
	PromptCentsPer1M     int64 // cents per 1M prompt tokens
	CompletionCentsPer1M int64 // cents per 1M completion tokens
}

// providerPricing maps provider-model combinations to pricing
var providerPricing = map[string]ProviderPricing{
	// Anthropic direct API
	"anthropic-claude-3-5-sonnet-20241022": {300, 1500}, // $3.00/$15.00 per 1M tokens
	"anthropic-claude-3-5-sonnet-20240620": {300, 1500},
	"anthropic-claude-3-5-haiku-20241022":  {80, 400}, // $0.80/$4.00 per 1M tokens
	"anthropic-claude-3-haiku-20240307":    {25, 125}, // $0.25/$1.25 per 1M tokens
	"anthropic-claude-3-opus-20240229":     {1500, 7500},
	"anthropic-claude-sonnet-4-20250514":   {300, 1500},
	"anthropic-claude-opus-4-20250514":     {1500, 7500},

	// AWS Bedrock (Anthropic family, same list prices as the direct API)
	"bedrock-anthropic.claude-3-5-sonnet-20240620-v1:0":  {300, 1500},
	"bedrock-anthropic.claude-3-5-sonnet-20241022-v2:0":  {300, 1500},
	"bedrock-anthropic.claude-3-haiku-20240307-v1:0":     {25, 125},
	"bedrock-us.anthropic.claude-sonnet-4-20250514-v1:0": {300, 1500},
	"bedrock-eu.anthropic.claude-sonnet-4-20250514-v1:0": {300, 1500},

	// Mock provider used in local development
	"mock-mock-negotiator-v1": {0, 0},

	// Default fallback pricing (conservative estimate)
	"default": {1000, 3000}, // $10.00/$30.00 per 1M tokens
}

// CalculateCost calculates the cost in cents for an LLM request.
// Cents are rounded half up so small calls do not meter as free.
func CalculateCost(provider, model string, promptTokens, completionTokens int) int64 {
	key := provider + "-" + model

	pricing, ok := providerPricing[key]
	if !ok {
		pricing = providerPricing["default"]
	}

	promptCost := (int64(promptTokens)*pricing.PromptCentsPer1M + 500000) / 1000000
	completionCost := (int64(completionTokens)*pricing.CompletionCentsPer1M + 500000) / 1000000

	return promptCost + completionCost
}

// GetProviderPricing returns the pricing for a specific provider-model combination.
func GetProviderPricing(provider, model string) (ProviderPricing, bool) {
	key := provider + "-" + model
	pricing, ok := providerPricing[key]
	return pricing, ok
}

// FormatCostToDollars converts cents to a dollar string (e.g., 135 cents -> "$1.35")
func FormatCostToDollars(cents int64) string {
	dollars := float64(cents) / 100.0
	return fmt.Sprintf("$%.2f", dollars)
}
