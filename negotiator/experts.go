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
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"axonflow/negotiation/negotiator/llm"
)

const (
	expertMaxTokens   = 1024
	expertTemperature = 0.2
)

// Experts runs the three specialist consultations. Each expert sees a
// deliberately narrow slice of the negotiation:
//
//   - extraction sees only the supplier's words, never the merchant's
//     rules or price targets, so stated facts cannot be biased by them
//   - escalation sees only the trigger text and already-extracted data
//   - needs sees the supplier message and extracted data, never the
//     escalation triggers
//
// Every consultation goes through one wrapper that converts call and
// parse failures into the expert's safe fallback, so a consult never
// returns an error and never panics the turn.
type Experts struct {
	client *llm.Client
	parser *Parser
	logger *log.Logger
}

// NewExperts creates the expert layer over a failover client. A nil
// logger gets a stdout default.
func NewExperts(client *llm.Client, parser *Parser, logger *log.Logger) *Experts {
	if logger == nil {
		logger = log.New(os.Stdout, "[EXPERTS] ", log.LstdFlags)
	}
	return &Experts{client: client, parser: parser, logger: logger}
}

// ExtractionInput is the extraction expert's full visible world.
type ExtractionInput struct {
	SupplierMessage     string
	ConversationHistory []string
}

// EscalationInput is the escalation expert's full visible world.
type EscalationInput struct {
	TriggerText string
	Extracted   *ExtractedQuoteData
}

// NeedsInput is the needs expert's full visible world.
type NeedsInput struct {
	SupplierMessage string
	Extracted       *ExtractedQuoteData
}

// ConsultExtraction asks the extraction expert to pull structured quote
// data out of the supplier message. On any failure the opinion carries
// ExtractionResult{Success: false} with the cause, never an error.
func (e *Experts) ConsultExtraction(ctx context.Context, iteration int, question string, in ExtractionInput) *ExpertOpinion {
	return e.consult(ctx, iteration, question, expertCall{
		expert: ExpertExtraction,
		system: extractionSystemPrompt,
		user:   buildExtractionUserMessage(in, question),
		schema: extractionSchema,
		interpret: func(op *ExpertOpinion, content string) *ParseIssue {
			data, issue := e.parser.ParseExtraction(content)
			if issue != nil {
				return issue
			}
			op.Extraction = &ExtractionResult{Success: true, Data: data}
			return nil
		},
		fallback: func(op *ExpertOpinion, cause string) {
			op.Extraction = &ExtractionResult{Success: false, Error: cause}
		},
	})
}

// ConsultEscalation asks the escalation expert whether any trigger
// condition is met. The fallback errs toward escalation: when the
// review itself fails, the opinion says escalate at high severity.
func (e *Experts) ConsultEscalation(ctx context.Context, iteration int, question string, in EscalationInput) *ExpertOpinion {
	return e.consult(ctx, iteration, question, expertCall{
		expert: ExpertEscalation,
		system: escalationSystemPrompt,
		user:   buildEscalationUserMessage(in, question),
		schema: escalationSchema,
		interpret: func(op *ExpertOpinion, content string) *ParseIssue {
			opinion, issue := e.parser.ParseEscalation(content)
			if issue != nil {
				return issue
			}
			op.Escalation = opinion
			return nil
		},
		fallback: func(op *ExpertOpinion, cause string) {
			op.Escalation = &EscalationOpinion{
				ShouldEscalate: true,
				Severity:       "high",
				Reasoning:      fmt.Sprintf("Escalation review unavailable (%s); defaulting to escalate.", cause),
			}
		},
	})
}

// ConsultNeeds asks the needs expert what information is still missing.
// The fallback is an empty assessment: an unavailable needs review must
// not invent questions for the supplier.
func (e *Experts) ConsultNeeds(ctx context.Context, iteration int, question string, in NeedsInput) *ExpertOpinion {
	return e.consult(ctx, iteration, question, expertCall{
		expert: ExpertNeeds,
		system: needsSystemPrompt,
		user:   buildNeedsUserMessage(in, question),
		schema: needsSchema,
		interpret: func(op *ExpertOpinion, content string) *ParseIssue {
			needs, issue := e.parser.ParseNeeds(content)
			if issue != nil {
				return issue
			}
			op.Needs = needs
			return nil
		},
		fallback: func(op *ExpertOpinion, cause string) {
			op.Needs = &NeedsAssessment{}
		},
	})
}

// expertCall describes one consultation for the consult wrapper:
// prompts, schema, how to interpret good output, and what fallback to
// attach when the call or its output fails.
type expertCall struct {
	expert    string
	system    string
	user      string
	schema    string
	interpret func(op *ExpertOpinion, content string) *ParseIssue
	fallback  func(op *ExpertOpinion, cause string)
}

// consult is the single wrapper every expert call goes through. It
// issues the failover call, stamps call metadata onto the opinion, and
// routes any failure into the expert's fallback.
func (e *Experts) consult(ctx context.Context, iteration int, question string, call expertCall) *ExpertOpinion {
	op := &ExpertOpinion{Expert: call.expert, Iteration: iteration, Question: question}

	resp, attempts, err := e.client.Call(ctx, llm.CompletionRequest{
		SystemPrompt: call.system,
		Prompt:       call.user,
		MaxTokens:    expertMaxTokens,
		Temperature:  expertTemperature,
		OutputSchema: call.schema,
	})
	for _, a := range attempts {
		op.LatencyMs += a.Latency.Milliseconds()
	}

	if err != nil {
		e.logger.Printf("%s expert call failed: %v", call.expert, err)
		call.fallback(op, err.Error())
		return op
	}

	op.Provider = resp.Provider
	op.Model = resp.Model
	op.InputTokens = resp.Usage.InputTokens
	op.OutputTokens = resp.Usage.OutputTokens

	if issue := call.interpret(op, resp.Content); issue != nil {
		e.logger.Printf("%s expert output rejected: %v", call.expert, issue)
		call.fallback(op, issue.Error())
	}
	return op
}

// ============================================================================
// Prompts
// ============================================================================

const extractionSystemPrompt = `You are a data extraction specialist for supplier negotiations.

You read one supplier message and extract only the commercial facts it actually states. Rules:
- Never guess or infer values the message does not contain. Omit unknown fields entirely.
- quoted_price is the per-unit price exactly as quoted, with currency as stated (ISO code if given).
- price_usd only if the supplier states a USD price.
- Quantities and lead times are numbers, not prose.
- confidence is your 0 to 1 confidence in the extraction as a whole.
- notes holds anything commercially relevant that does not fit a field, such as discontinuation or substitution remarks.

Respond with a single JSON object and no other text.`

const escalationSystemPrompt = `You are an escalation analyst for supplier negotiations.

You receive the merchant's escalation triggers and the structured data extracted from the conversation so far. Decide whether any trigger condition is met by the data. Rules:
- Judge only against the listed triggers. Do not invent conditions.
- If the data needed to evaluate a trigger is missing, say so in the reasoning rather than assuming the worst.
- severity is "low", "medium" or "high".

Respond with a single JSON object and no other text.`

const needsSystemPrompt = `You are a needs analyst for supplier negotiations.

You compare what the supplier has told us against what a purchasing decision needs, and list what is still missing. Rules:
- missing_fields names concrete missing facts, such as "payment terms" or "lead time".
- clarification_questions are polite, self-contained questions a buyer could send verbatim.
- An empty list is the correct answer when nothing material is missing.

Respond with a single JSON object and no other text.`

const extractionSchema = `{
  "type": "object",
  "properties": {
    "quoted_price": {"type": "number"},
    "currency": {"type": "string"},
    "price_usd": {"type": "number"},
    "available_quantity": {"type": "integer"},
    "minimum_order_quantity": {"type": "integer"},
    "lead_time_min_days": {"type": "integer"},
    "lead_time_max_days": {"type": "integer"},
    "payment_terms": {"type": "string"},
    "quote_validity": {"type": "string"},
    "confidence": {"type": "number"},
    "notes": {"type": "string"}
  },
  "required": ["confidence"]
}`

const escalationSchema = `{
  "type": "object",
  "properties": {
    "should_escalate": {"type": "boolean"},
    "severity": {"type": "string", "enum": ["low", "medium", "high"]},
    "matched_triggers": {"type": "array", "items": {"type": "string"}},
    "reasoning": {"type": "string"}
  },
  "required": ["should_escalate"]
}`

const needsSchema = `{
  "type": "object",
  "properties": {
    "missing_fields": {"type": "array", "items": {"type": "string"}},
    "clarification_questions": {"type": "array", "items": {"type": "string"}}
  }
}`

func buildExtractionUserMessage(in ExtractionInput, question string) string {
	var b strings.Builder
	if len(in.ConversationHistory) > 0 {
		b.WriteString("Earlier messages in this negotiation:\n")
		for _, msg := range in.ConversationHistory {
			b.WriteString("- ")
			b.WriteString(msg)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Supplier message:\n")
	b.WriteString(in.SupplierMessage)
	if question != "" {
		b.WriteString("\n\nFollow-up from the orchestrator: ")
		b.WriteString(question)
	}
	return b.String()
}

func buildEscalationUserMessage(in EscalationInput, question string) string {
	var b strings.Builder
	b.WriteString("Escalation triggers:\n")
	if strings.TrimSpace(in.TriggerText) == "" {
		b.WriteString("(none configured)\n")
	} else {
		b.WriteString(in.TriggerText)
		b.WriteString("\n")
	}
	b.WriteString("\nExtracted data so far:\n")
	b.WriteString(formatExtractedData(in.Extracted))
	if question != "" {
		b.WriteString("\n\nFollow-up from the orchestrator: ")
		b.WriteString(question)
	}
	return b.String()
}

func buildNeedsUserMessage(in NeedsInput, question string) string {
	var b strings.Builder
	b.WriteString("Supplier message:\n")
	b.WriteString(in.SupplierMessage)
	b.WriteString("\n\nExtracted data so far:\n")
	b.WriteString(formatExtractedData(in.Extracted))
	if question != "" {
		b.WriteString("\n\nFollow-up from the orchestrator: ")
		b.WriteString(question)
	}
	return b.String()
}

// formatExtractedData renders extracted data for inclusion in a prompt.
// The audit payload is dropped first; experts reason over fields, not
// over raw model output.
func formatExtractedData(d *ExtractedQuoteData) string {
	if d == nil {
		return "(nothing extracted yet)"
	}
	clean := *d
	clean.Raw = nil
	out, err := json.Marshal(&clean)
	if err != nil {
		return "(nothing extracted yet)"
	}
	return string(out)
}
