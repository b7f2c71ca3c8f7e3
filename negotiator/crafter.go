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

package negotiator

import (
	"fmt"
	"strings"
)

// Crafted carries the merchant-facing text for a finalized action.
// Exactly one field is populated, matching the evaluation's action.
type Crafted struct {
	CounterOffer       string
	ProposedApproval   string
	ClarificationEmail string
	EscalationReason   string
}

// Craft renders the outward-facing payload for a finalized decision.
// Pure templating over the evaluation, the best-known data and the
// order context; no model call is made here, so the text can never
// contradict the action the guardrails settled on.
func Craft(eval *PolicyEvaluation, final *SynthesisDecision, data *ExtractedQuoteData, order OrderInformation, opinions []ExpertOpinion) Crafted {
	if eval == nil {
		return Crafted{}
	}

	switch eval.Action {
	case ActionCounter:
		return Crafted{CounterOffer: craftCounterOffer(final, order)}
	case ActionAccept:
		return Crafted{ProposedApproval: craftProposedApproval(eval, data, order)}
	case ActionClarify:
		return Crafted{ClarificationEmail: craftClarificationEmail(order, opinions)}
	case ActionEscalate:
		return Crafted{EscalationReason: eval.Reasoning}
	}
	return Crafted{}
}

// craftCounterOffer prefers the synthesis counter terms and falls back
// to the order's own bounds when the override path produced no terms.
func craftCounterOffer(final *SynthesisDecision, order OrderInformation) string {
	var price float64
	var quantity int
	var otherTerms string

	if final != nil && final.CounterTerms != nil {
		if final.CounterTerms.TargetPrice != nil {
			price = *final.CounterTerms.TargetPrice
		}
		if final.CounterTerms.TargetQuantity != nil {
			quantity = *final.CounterTerms.TargetQuantity
		}
		otherTerms = final.CounterTerms.OtherTerms
	}
	if price == 0 {
		price = order.TargetUnitPriceUSD
	}
	if quantity == 0 {
		quantity = order.Quantity
	}

	var b strings.Builder
	b.WriteString("Thank you for the quote")
	if order.ProductName != "" {
		fmt.Fprintf(&b, " for %s", order.ProductName)
	}
	b.WriteString(". We would like to propose the following adjusted terms:\n")
	if price > 0 {
		fmt.Fprintf(&b, "- Unit price: $%.2f\n", price)
	}
	if quantity > 0 {
		fmt.Fprintf(&b, "- Quantity: %d units\n", quantity)
	}
	if otherTerms != "" {
		fmt.Fprintf(&b, "- %s\n", otherTerms)
	}
	b.WriteString("\nPlease let us know whether these terms work for you.")
	return b.String()
}

// craftProposedApproval summarizes the quoted terms for the human who
// signs off on acceptance.
func craftProposedApproval(eval *PolicyEvaluation, data *ExtractedQuoteData, order OrderInformation) string {
	var b strings.Builder
	b.WriteString("Proposed acceptance")
	if order.ProductName != "" {
		fmt.Fprintf(&b, " for %s", order.ProductName)
	}
	b.WriteString(":\n")

	if data != nil {
		if data.QuotedPrice != nil {
			fmt.Fprintf(&b, "- Quoted price: %s\n", formatMoney(*data.QuotedPrice, data.Currency))
		}
		if data.PriceUSD != nil && (data.Currency != "" && !strings.EqualFold(data.Currency, "USD")) {
			fmt.Fprintf(&b, "- Price in USD: $%.2f\n", *data.PriceUSD)
		}
		if order.Quantity > 0 {
			fmt.Fprintf(&b, "- Quantity: %d units", order.Quantity)
			if data.MinimumOrderQuantity != nil {
				fmt.Fprintf(&b, " (MOQ %d)", *data.MinimumOrderQuantity)
			}
			b.WriteString("\n")
		}
		if lead := formatLeadTime(data); lead != "" {
			fmt.Fprintf(&b, "- Lead time: %s\n", lead)
		}
		if data.PaymentTerms != "" {
			fmt.Fprintf(&b, "- Payment terms: %s\n", data.PaymentTerms)
		}
		if data.QuoteValidity != "" {
			fmt.Fprintf(&b, "- Quote valid: %s\n", data.QuoteValidity)
		}
	}

	fmt.Fprintf(&b, "\nReasoning: %s", eval.Reasoning)
	return b.String()
}

// craftClarificationEmail asks the supplier the questions the needs
// expert raised; when the turn produced none, one generic question is
// asked so a clarify action never goes out empty.
func craftClarificationEmail(order OrderInformation, opinions []ExpertOpinion) string {
	questions := latestClarificationQuestions(opinions)
	if len(questions) == 0 {
		questions = []string{"Could you confirm the unit price, minimum order quantity and lead time for this order?"}
	}

	var b strings.Builder
	b.WriteString("Thank you for your message")
	if order.ProductName != "" {
		fmt.Fprintf(&b, " regarding %s", order.ProductName)
	}
	b.WriteString(". Before we can proceed, could you clarify the following:\n")
	for i, q := range questions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}
	b.WriteString("\nBest regards")
	return b.String()
}

// latestClarificationQuestions walks opinions newest-first for a needs
// assessment worth asking about. Bare missing-field names are rephrased
// as questions.
func latestClarificationQuestions(opinions []ExpertOpinion) []string {
	for i := len(opinions) - 1; i >= 0; i-- {
		needs := opinions[i].Needs
		if needs == nil {
			continue
		}
		if len(needs.ClarificationQuestions) > 0 {
			return needs.ClarificationQuestions
		}
		if len(needs.MissingFields) > 0 {
			out := make([]string, 0, len(needs.MissingFields))
			for _, field := range needs.MissingFields {
				out = append(out, fmt.Sprintf("Could you confirm the %s?", strings.ReplaceAll(field, "_", " ")))
			}
			return out
		}
	}
	return nil
}

func formatMoney(value float64, currency string) string {
	if currency == "" || strings.EqualFold(currency, "USD") {
		return fmt.Sprintf("$%.2f", value)
	}
	return fmt.Sprintf("%.2f %s", value, strings.ToUpper(currency))
}

func formatLeadTime(data *ExtractedQuoteData) string {
	switch {
	case data.LeadTimeMinDays != nil && data.LeadTimeMaxDays != nil:
		if *data.LeadTimeMinDays == *data.LeadTimeMaxDays {
			return fmt.Sprintf("%d days", *data.LeadTimeMinDays)
		}
		return fmt.Sprintf("%d-%d days", *data.LeadTimeMinDays, *data.LeadTimeMaxDays)
	case data.LeadTimeMaxDays != nil:
		return fmt.Sprintf("up to %d days", *data.LeadTimeMaxDays)
	case data.LeadTimeMinDays != nil:
		return fmt.Sprintf("from %d days", *data.LeadTimeMinDays)
	}
	return ""
}
