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

import "encoding/json"

// AgentAction is the closed set of actions a processing turn can end in.
// Every code path terminates in exactly one of these.
type AgentAction string

const (
	ActionAccept   AgentAction = "accept"
	ActionCounter  AgentAction = "counter"
	ActionEscalate AgentAction = "escalate"
	ActionClarify  AgentAction = "clarify"
)

// Valid reports whether a is a member of the action set.
func (a AgentAction) Valid() bool {
	switch a {
	case ActionAccept, ActionCounter, ActionEscalate, ActionClarify:
		return true
	}
	return false
}

// Expert identifiers known to the orchestrator.
const (
	ExpertExtraction = "extraction"
	ExpertEscalation = "escalation"
	ExpertNeeds      = "needs"
)

// OrderInformation is the merchant's declared context for one negotiation.
// The rules and trigger fields are free text; the guardrails parse numeric
// thresholds out of them, everything else is interpreted by the model.
type OrderInformation struct {
	ProductName          string  `json:"product_name"`
	SKU                  string  `json:"sku,omitempty"`
	Quantity             int     `json:"quantity"`
	TargetUnitPriceUSD   float64 `json:"target_unit_price_usd,omitempty"`
	RequiredLeadTimeDays int     `json:"required_lead_time_days,omitempty"`

	// NegotiationRules holds directives like "Acceptable range is $3.50 - $4.20".
	NegotiationRules string `json:"negotiation_rules,omitempty"`

	// EscalationTriggers holds directives like "Escalate if MOQ exceeds 1000 units".
	EscalationTriggers string `json:"escalation_triggers,omitempty"`
}

// ExtractedQuoteData is the structured facts one supplier message may
// contain. Every numeric field is either a finite value or nil, never a
// zero standing in for "unknown".
type ExtractedQuoteData struct {
	QuotedPrice          *float64 `json:"quoted_price,omitempty"`
	Currency             string   `json:"currency,omitempty"`
	PriceUSD             *float64 `json:"price_usd,omitempty"`
	AvailableQuantity    *int     `json:"available_quantity,omitempty"`
	MinimumOrderQuantity *int     `json:"minimum_order_quantity,omitempty"`
	LeadTimeMinDays      *int     `json:"lead_time_min_days,omitempty"`
	LeadTimeMaxDays      *int     `json:"lead_time_max_days,omitempty"`
	PaymentTerms         string   `json:"payment_terms,omitempty"`
	QuoteValidity        string   `json:"quote_validity,omitempty"`
	Confidence           float64  `json:"confidence"`
	Notes                string   `json:"notes,omitempty"`

	// Raw is the original unvalidated payload, kept for audit.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// ExtractionResult wraps extraction with its failure state. A failed
// extraction is a first-class value, not an error: the guardrails react
// to it before any synthesis call is spent.
type ExtractionResult struct {
	Success bool                `json:"success"`
	Data    *ExtractedQuoteData `json:"data,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// EscalationOpinion is the escalation expert's judgment.
type EscalationOpinion struct {
	ShouldEscalate  bool     `json:"should_escalate"`
	Severity        string   `json:"severity"`
	MatchedTriggers []string `json:"matched_triggers,omitempty"`
	Reasoning       string   `json:"reasoning,omitempty"`
}

// NeedsAssessment is the needs expert's view of what information is
// still missing from the conversation.
type NeedsAssessment struct {
	MissingFields          []string `json:"missing_fields,omitempty"`
	ClarificationQuestions []string `json:"clarification_questions,omitempty"`
}

// CounterTerms are the terms a counter proposal should aim for.
type CounterTerms struct {
	TargetPrice    *float64 `json:"target_price,omitempty"`
	TargetQuantity *int     `json:"target_quantity,omitempty"`
	OtherTerms     string   `json:"other_terms,omitempty"`
}

// SynthesisDecision is what one synthesis call proposes. ReadyToAct true
// implies Action is set; ReadyToAct false with no NextExpert is treated
// as final rather than stalling the loop.
type SynthesisDecision struct {
	ReadyToAct        bool          `json:"ready_to_act"`
	Action            AgentAction   `json:"action,omitempty"`
	Reasoning         string        `json:"reasoning"`
	NextExpert        string        `json:"next_expert,omitempty"`
	QuestionForExpert string        `json:"question_for_expert,omitempty"`
	CounterTerms      *CounterTerms `json:"counter_terms,omitempty"`
	Confidence        float64       `json:"confidence,omitempty"`
}

// ExpertOpinion tags one expert's typed analysis with call metadata.
// Created once per invocation and never mutated; the ordered list of
// opinions for a turn is part of the trace.
type ExpertOpinion struct {
	Expert       string `json:"expert"`
	Iteration    int    `json:"iteration"`
	Question     string `json:"question,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	LatencyMs    int64  `json:"latency_ms"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`

	// Exactly one of the following is set, matching Expert.
	Extraction *ExtractionResult  `json:"extraction,omitempty"`
	Escalation *EscalationOpinion `json:"escalation,omitempty"`
	Needs      *NeedsAssessment   `json:"needs,omitempty"`
}

// TraceStep records one orchestrator iteration: the synthesis decision
// and, when one was requested, the re-consulted expert's opinion.
type TraceStep struct {
	Iteration   int                `json:"iteration"`
	Decision    *SynthesisDecision `json:"decision,omitempty"`
	Reconsulted string             `json:"reconsulted,omitempty"`
	Opinion     *ExpertOpinion     `json:"opinion,omitempty"`
	Note        string             `json:"note,omitempty"`
}

// OrchestratorTrace is the full iteration record for one turn. It is
// audit output only; the orchestrator never reads it back.
type OrchestratorTrace struct {
	Steps      []TraceStep        `json:"steps"`
	Final      *SynthesisDecision `json:"final,omitempty"`
	Iterations int                `json:"iterations"`
}

// GuardrailCheck records one deterministic check and whether it fired.
type GuardrailCheck struct {
	Rule   string `json:"rule"`
	Fired  bool   `json:"fired"`
	Detail string `json:"detail,omitempty"`
}

// PolicyEvaluation is the post-guardrail action/reasoning pair, the
// contract surfaced to callers. Overridden distinguishes "model decided
// X" from "deterministic check overrode to Y".
type PolicyEvaluation struct {
	Action        AgentAction      `json:"action"`
	Reasoning     string           `json:"reasoning"`
	Overridden    bool             `json:"overridden"`
	ModelProposed AgentAction      `json:"model_proposed,omitempty"`
	Checks        []GuardrailCheck `json:"checks,omitempty"`
}

// Totals aggregates call accounting for one processing turn.
type Totals struct {
	Calls        int   `json:"calls"`
	DurationMs   int64 `json:"duration_ms"`
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	TotalTokens  int   `json:"total_tokens"`
	CostCents    int64 `json:"cost_cents"`
}

// ProcessRequest is one inbound supplier message plus its negotiation
// context.
type ProcessRequest struct {
	NegotiationID       string              `json:"negotiation_id,omitempty"`
	SupplierMessage     string              `json:"supplier_message"`
	Order               OrderInformation    `json:"order_information"`
	ConversationHistory []string            `json:"conversation_history,omitempty"`
	PriorExtractedData  *ExtractedQuoteData `json:"prior_extracted_data,omitempty"`
}

// ProcessResult is the decision object returned for every turn. Action
// is always set; exactly the payload field matching Action is populated.
type ProcessResult struct {
	NegotiationID      string              `json:"negotiation_id"`
	Action             AgentAction         `json:"action"`
	Reasoning          string              `json:"reasoning"`
	EscalationReason   string              `json:"escalation_reason,omitempty"`
	CounterOffer       string              `json:"counter_offer,omitempty"`
	ProposedApproval   string              `json:"proposed_approval,omitempty"`
	ClarificationEmail string              `json:"clarification_email,omitempty"`
	ExtractedData      *ExtractedQuoteData `json:"extracted_data,omitempty"`
	PolicyEvaluation   *PolicyEvaluation   `json:"policy_evaluation"`
	ExpertOpinions     []ExpertOpinion     `json:"expert_opinions"`
	Trace              *OrchestratorTrace  `json:"orchestrator_trace"`
	Totals             Totals              `json:"totals"`
	Usage              []CallUsage         `json:"call_usage,omitempty"`
}
