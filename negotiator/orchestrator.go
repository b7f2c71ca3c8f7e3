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
	"sync"

	"axonflow/negotiation/negotiator/llm"
)

const (
	synthesisMaxTokens   = 1024
	synthesisTemperature = 0.3

	// DefaultMaxIterations bounds the synthesize/reconsult loop.
	DefaultMaxIterations = 10
)

// Orchestrator runs one processing turn: fan out to the extraction and
// escalation experts in parallel, gate on the pre-synthesis guardrails,
// then iterate synthesis and targeted re-consultations until the
// synthesis is ready to act or the iteration bound is hit.
//
// Run never returns an error. Every failure mode inside a turn is
// recovered into an escalate decision whose reasoning names the
// failure; only the surrounding engine can reject a request outright.
type Orchestrator struct {
	client        *llm.Client
	experts       *Experts
	parser        *Parser
	guardrails    *Guardrails
	maxIterations int
	logger        *log.Logger
}

// NewOrchestrator wires the orchestration loop. maxIterations <= 0
// selects the default bound.
func NewOrchestrator(client *llm.Client, experts *Experts, parser *Parser, guardrails *Guardrails, maxIterations int, logger *log.Logger) *Orchestrator {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[ORCHESTRATOR] ", log.LstdFlags)
	}
	return &Orchestrator{
		client:        client,
		experts:       experts,
		parser:        parser,
		guardrails:    guardrails,
		maxIterations: maxIterations,
		logger:        logger,
	}
}

// RunResult is everything one orchestration produced: the final policy
// evaluation, the merged best-known data, every expert opinion in call
// order, the iteration trace, and call accounting.
type RunResult struct {
	Evaluation   *PolicyEvaluation
	Data         *ExtractedQuoteData
	Extraction   *ExtractionResult
	Opinions     []ExpertOpinion
	Trace        *OrchestratorTrace
	Calls        int
	InputTokens  int
	OutputTokens int
	Usage        []CallUsage
}

// CallUsage attributes one successful model call to the provider and
// model that served it, for per-model cost estimation. Failed calls
// consume no tokens and are not listed.
type CallUsage struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

func (r *RunResult) addOpinion(op *ExpertOpinion) {
	r.Opinions = append(r.Opinions, *op)
	r.Calls++
	r.InputTokens += op.InputTokens
	r.OutputTokens += op.OutputTokens
	if op.Provider != "" {
		r.Usage = append(r.Usage, CallUsage{
			Provider:     op.Provider,
			Model:        op.Model,
			InputTokens:  op.InputTokens,
			OutputTokens: op.OutputTokens,
		})
	}
}

// Run executes one full turn for the request.
func (o *Orchestrator) Run(ctx context.Context, req ProcessRequest) *RunResult {
	res := &RunResult{Trace: &OrchestratorTrace{}}

	extraction := o.fanOut(ctx, req, res)
	res.Extraction = extraction

	data := req.PriorExtractedData
	if extraction != nil && extraction.Success {
		data = MergeQuoteData(data, extraction.Data)
	}
	res.Data = data

	// Pre-synthesis gate: doomed input never reaches a synthesis call.
	preEval, checks := o.guardrails.PreSynthesis(extraction)
	if preEval != nil {
		o.logger.Printf("turn stopped before synthesis: %s", preEval.Reasoning)
		res.Evaluation = preEval
		res.Trace.Steps = append(res.Trace.Steps, TraceStep{
			Iteration: 0,
			Note:      "pre-synthesis guardrail stopped the turn: " + preEval.Reasoning,
		})
		return res
	}

	final, data := o.deliberate(ctx, req, data, res)
	res.Data = data

	res.Trace.Final = final
	res.Evaluation = o.guardrails.PostSynthesis(final, data, req.Order, checks)
	return res
}

// fanOut consults the extraction and escalation experts concurrently.
// Results land in indexed slots so no ordering depends on goroutine
// scheduling; the opinion list is always extraction first.
func (o *Orchestrator) fanOut(ctx context.Context, req ProcessRequest, res *RunResult) *ExtractionResult {
	slots := make([]*ExpertOpinion, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		slots[0] = o.experts.ConsultExtraction(ctx, 1, "", ExtractionInput{
			SupplierMessage:     req.SupplierMessage,
			ConversationHistory: req.ConversationHistory,
		})
	}()
	go func() {
		defer wg.Done()
		slots[1] = o.experts.ConsultEscalation(ctx, 1, "", EscalationInput{
			TriggerText: req.Order.EscalationTriggers,
			Extracted:   req.PriorExtractedData,
		})
	}()
	wg.Wait()

	for _, op := range slots {
		res.addOpinion(op)
	}
	return slots[0].Extraction
}

// deliberate runs the synthesize/reconsult loop and returns the final
// decision alongside the best-known data after any re-extractions.
func (o *Orchestrator) deliberate(ctx context.Context, req ProcessRequest, data *ExtractedQuoteData, res *RunResult) (*SynthesisDecision, *ExtractedQuoteData) {
	for iteration := 1; ; iteration++ {
		if iteration > o.maxIterations {
			o.logger.Printf("iteration limit %d reached without a ready decision", o.maxIterations)
			res.Trace.Steps = append(res.Trace.Steps, TraceStep{
				Iteration: o.maxIterations,
				Note:      fmt.Sprintf("iteration limit %d reached", o.maxIterations),
			})
			return &SynthesisDecision{
				ReadyToAct: true,
				Action:     ActionEscalate,
				Reasoning: fmt.Sprintf("Negotiation analysis failed to converge after %d iterations; handing off to a human reviewer.",
					o.maxIterations),
			}, data
		}

		dec := o.synthesize(ctx, iteration, req, data, res)
		res.Trace.Iterations = iteration
		step := TraceStep{Iteration: iteration, Decision: dec}

		if dec.ReadyToAct {
			res.Trace.Steps = append(res.Trace.Steps, step)
			return dec, data
		}

		expert := dec.NextExpert
		if expert != ExpertExtraction && expert != ExpertEscalation && expert != ExpertNeeds {
			// Not ready, and nowhere left to go. A usable action is
			// taken as final; otherwise the stall escalates.
			step.Note = fmt.Sprintf("not ready and no known expert requested (next_expert=%q); treating as final", expert)
			res.Trace.Steps = append(res.Trace.Steps, step)
			if dec.Action.Valid() {
				return dec, data
			}
			return &SynthesisDecision{
				ReadyToAct: true,
				Action:     ActionEscalate,
				Reasoning: fmt.Sprintf("Synthesis stalled: not ready to act and failed to name a next expert. Model reasoning: %s",
					dec.Reasoning),
			}, data
		}

		op := o.reconsult(ctx, iteration, expert, dec.QuestionForExpert, req, data)
		res.addOpinion(op)

		if expert == ExpertExtraction && op.Extraction != nil && op.Extraction.Success {
			data = MergeQuoteData(data, op.Extraction.Data)
		}

		step.Reconsulted = expert
		step.Opinion = op
		res.Trace.Steps = append(res.Trace.Steps, step)
	}
}

// synthesize issues one synthesis call. Call and parse failures are
// substituted with a forced escalation naming the failure; the
// post-synthesis failure-text check keeps such decisions escalations.
func (o *Orchestrator) synthesize(ctx context.Context, iteration int, req ProcessRequest, data *ExtractedQuoteData, res *RunResult) *SynthesisDecision {
	resp, _, err := o.client.Call(ctx, llm.CompletionRequest{
		SystemPrompt: synthesisSystemPrompt,
		Prompt:       buildSynthesisUserMessage(iteration, o.maxIterations, req, data, res.Opinions),
		MaxTokens:    synthesisMaxTokens,
		Temperature:  synthesisTemperature,
		OutputSchema: synthesisSchema,
	})
	res.Calls++

	if err != nil {
		o.logger.Printf("synthesis call failed at iteration %d: %v", iteration, err)
		return &SynthesisDecision{
			ReadyToAct: true,
			Action:     ActionEscalate,
			Reasoning:  fmt.Sprintf("Synthesis failed: %v", err),
		}
	}

	res.InputTokens += resp.Usage.InputTokens
	res.OutputTokens += resp.Usage.OutputTokens
	res.Usage = append(res.Usage, CallUsage{
		Provider:     resp.Provider,
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	})

	dec, issue := o.parser.ParseSynthesis(resp.Content)
	if issue != nil {
		o.logger.Printf("synthesis output rejected at iteration %d: %v", iteration, issue)
		return &SynthesisDecision{
			ReadyToAct: true,
			Action:     ActionEscalate,
			Reasoning:  fmt.Sprintf("Synthesis output unparseable: %s", issue.Error()),
		}
	}
	return dec
}

func (o *Orchestrator) reconsult(ctx context.Context, iteration int, expert, question string, req ProcessRequest, data *ExtractedQuoteData) *ExpertOpinion {
	o.logger.Printf("iteration %d: re-consulting %s expert", iteration, expert)

	switch expert {
	case ExpertExtraction:
		return o.experts.ConsultExtraction(ctx, iteration, question, ExtractionInput{
			SupplierMessage:     req.SupplierMessage,
			ConversationHistory: req.ConversationHistory,
		})
	case ExpertEscalation:
		return o.experts.ConsultEscalation(ctx, iteration, question, EscalationInput{
			TriggerText: req.Order.EscalationTriggers,
			Extracted:   data,
		})
	default:
		return o.experts.ConsultNeeds(ctx, iteration, question, NeedsInput{
			SupplierMessage: req.SupplierMessage,
			Extracted:       data,
		})
	}
}

// ============================================================================
// Synthesis Prompt
// ============================================================================

const synthesisSystemPrompt = `You are the lead negotiation orchestrator for supplier negotiations.

You receive the merchant's order context and the opinions of your specialist experts, and you decide what to do with the supplier's latest message. Rules:
- action is one of "accept", "counter", "escalate" or "clarify".
- Set ready_to_act to true only when the expert opinions support a decision. If you need more analysis first, set ready_to_act to false and name next_expert ("extraction", "escalation" or "needs") with a concrete question_for_expert.
- When countering, fill counter_terms with the target price and quantity.
- reasoning states the decisive facts in one or two sentences.
- You advise within the merchant's stated rules; deterministic policy checks run after you either way.

Respond with a single JSON object and no other text.`

const synthesisSchema = `{
  "type": "object",
  "properties": {
    "ready_to_act": {"type": "boolean"},
    "action": {"type": "string", "enum": ["accept", "counter", "escalate", "clarify"]},
    "reasoning": {"type": "string"},
    "next_expert": {"type": "string", "enum": ["extraction", "escalation", "needs"]},
    "question_for_expert": {"type": "string"},
    "counter_terms": {
      "type": "object",
      "properties": {
        "target_price": {"type": "number"},
        "target_quantity": {"type": "integer"},
        "other_terms": {"type": "string"}
      }
    },
    "confidence": {"type": "number"}
  },
  "required": ["ready_to_act", "reasoning"]
}`

func buildSynthesisUserMessage(iteration, maxIterations int, req ProcessRequest, data *ExtractedQuoteData, opinions []ExpertOpinion) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Deliberation round %d of at most %d.\n\n", iteration, maxIterations)

	b.WriteString("Order context:\n")
	fmt.Fprintf(&b, "- product: %s", req.Order.ProductName)
	if req.Order.SKU != "" {
		fmt.Fprintf(&b, " (SKU %s)", req.Order.SKU)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "- desired quantity: %d\n", req.Order.Quantity)
	if req.Order.TargetUnitPriceUSD > 0 {
		fmt.Fprintf(&b, "- target unit price: $%.2f\n", req.Order.TargetUnitPriceUSD)
	}
	if req.Order.RequiredLeadTimeDays > 0 {
		fmt.Fprintf(&b, "- required lead time: %d days\n", req.Order.RequiredLeadTimeDays)
	}
	if req.Order.NegotiationRules != "" {
		fmt.Fprintf(&b, "- negotiation rules: %s\n", req.Order.NegotiationRules)
	}
	if req.Order.EscalationTriggers != "" {
		fmt.Fprintf(&b, "- escalation triggers: %s\n", req.Order.EscalationTriggers)
	}

	b.WriteString("\nSupplier message:\n")
	b.WriteString(req.SupplierMessage)

	b.WriteString("\n\nBest-known extracted data:\n")
	b.WriteString(formatExtractedData(data))

	b.WriteString("\n\nExpert opinions so far:\n")
	for _, op := range opinions {
		b.WriteString(opinionSummary(&op))
		b.WriteString("\n")
	}

	return b.String()
}

// opinionSummary renders one opinion as a single prompt line. The raw
// audit payload is stripped from extraction results first.
func opinionSummary(op *ExpertOpinion) string {
	var payload any
	switch {
	case op.Extraction != nil:
		clean := *op.Extraction
		if clean.Data != nil {
			d := *clean.Data
			d.Raw = nil
			clean.Data = &d
		}
		payload = &clean
	case op.Escalation != nil:
		payload = op.Escalation
	case op.Needs != nil:
		payload = op.Needs
	}

	body := "(no output)"
	if payload != nil {
		if out, err := json.Marshal(payload); err == nil {
			body = string(out)
		}
	}
	return fmt.Sprintf("- [%s, round %d] %s", op.Expert, op.Iteration, body)
}
