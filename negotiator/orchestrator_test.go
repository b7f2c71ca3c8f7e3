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
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/negotiation/negotiator/llm"
)

const (
	goodExtractionJSON = `{"quoted_price": 4.5, "currency": "USD", "minimum_order_quantity": 500, "payment_terms": "net 30", "confidence": 0.9}`
	noEscalationJSON   = `{"should_escalate": false, "severity": "low", "matched_triggers": [], "reasoning": "no trigger conditions met"}`
	emptyNeedsJSON     = `{"missing_fields": [], "clarification_questions": []}`
	readyAcceptJSON    = `{"ready_to_act": true, "action": "accept", "reasoning": "Terms within bounds."}`
)

// scriptedTurn dispatches calls by the expert role named in the system
// prompt and records per-role call counts and requests.
type scriptedTurn struct {
	mu       sync.Mutex
	counts   map[string]int
	requests map[string][]llm.CompletionRequest
	handlers map[string]func(call int, req llm.CompletionRequest) (string, error)
}

const roleSynthesis = "synthesis"

func newScriptedTurn() *scriptedTurn {
	return &scriptedTurn{
		counts:   make(map[string]int),
		requests: make(map[string][]llm.CompletionRequest),
		handlers: map[string]func(int, llm.CompletionRequest) (string, error){
			ExpertExtraction: func(int, llm.CompletionRequest) (string, error) { return goodExtractionJSON, nil },
			ExpertEscalation: func(int, llm.CompletionRequest) (string, error) { return noEscalationJSON, nil },
			ExpertNeeds:      func(int, llm.CompletionRequest) (string, error) { return emptyNeedsJSON, nil },
			roleSynthesis:    func(int, llm.CompletionRequest) (string, error) { return readyAcceptJSON, nil },
		},
	}
}

func (s *scriptedTurn) role(req llm.CompletionRequest) string {
	sys := strings.ToLower(req.SystemPrompt)
	switch {
	case strings.Contains(sys, "lead negotiation orchestrator"):
		return roleSynthesis
	case strings.Contains(sys, "data extraction specialist"):
		return ExpertExtraction
	case strings.Contains(sys, "escalation analyst"):
		return ExpertEscalation
	case strings.Contains(sys, "needs analyst"):
		return ExpertNeeds
	}
	return "unknown"
}

func (s *scriptedTurn) dispatch(req llm.CompletionRequest) (string, error) {
	role := s.role(req)

	s.mu.Lock()
	s.counts[role]++
	call := s.counts[role]
	s.requests[role] = append(s.requests[role], req)
	handler := s.handlers[role]
	s.mu.Unlock()

	if handler == nil {
		return "", llm.NewProviderError("script", llm.ErrCodeInvalidResponse, "no handler for role "+role)
	}
	return handler(call, req)
}

func (s *scriptedTurn) count(role string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[role]
}

func (s *scriptedTurn) prompts(role string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, req := range s.requests[role] {
		out = append(out, req.SystemPrompt+"\n"+req.Prompt)
	}
	return out
}

// scriptProvider adapts a scriptedTurn to the provider interface.
type scriptProvider struct {
	script *scriptedTurn
}

func (p *scriptProvider) Name() string              { return "script" }
func (p *scriptProvider) Type() llm.ProviderType    { return llm.ProviderTypeMock }
func (p *scriptProvider) IsHealthy() bool           { return true }
func (p *scriptProvider) GetCapabilities() []string { return []string{"chat"} }

func (p *scriptProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	content, err := p.script.dispatch(req)
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{
		Content:  content,
		Provider: "script",
		Model:    "script-model",
		Usage:    llm.UsageStats{InputTokens: 80, OutputTokens: 40, TotalTokens: 120},
	}, nil
}

func newScriptedOrchestrator(t *testing.T, script *scriptedTurn, maxIterations int) *Orchestrator {
	t.Helper()
	client, err := llm.NewClient(
		[]llm.Provider{&scriptProvider{script: script}},
		llm.FailoverConfig{MaxRetriesPerProvider: 1},
		llm.WithNoRetryDelay(),
		llm.WithClientLogger(discardLogger()),
	)
	require.NoError(t, err)
	parser := testParser()
	experts := NewExperts(client, parser, discardLogger())
	return NewOrchestrator(client, experts, parser, testGuardrails(), maxIterations, discardLogger())
}

func baseRequest() ProcessRequest {
	return ProcessRequest{
		NegotiationID:   "neg-test-1",
		SupplierMessage: "We can offer $4.50 per unit, MOQ 500, lead time 14-21 days, net 30.",
		Order: OrderInformation{
			ProductName: "USB-C cable 1m",
			Quantity:    1000,
		},
	}
}

// ============================================================================
// Happy Path
// ============================================================================

func TestRun_OneIterationReadyTurnUsesExactlyThreeCalls(t *testing.T) {
	script := newScriptedTurn()
	orch := newScriptedOrchestrator(t, script, 10)

	res := orch.Run(context.Background(), baseRequest())

	assert.Equal(t, 1, script.count(ExpertExtraction))
	assert.Equal(t, 1, script.count(ExpertEscalation))
	assert.Equal(t, 1, script.count(roleSynthesis))
	assert.Equal(t, 0, script.count(ExpertNeeds))
	assert.Equal(t, 3, res.Calls)

	require.NotNil(t, res.Evaluation)
	assert.Equal(t, ActionAccept, res.Evaluation.Action)
	assert.False(t, res.Evaluation.Overridden)
	assert.Equal(t, 1, res.Trace.Iterations)

	require.Len(t, res.Opinions, 2)
	assert.Equal(t, ExpertExtraction, res.Opinions[0].Expert)
	assert.Equal(t, ExpertEscalation, res.Opinions[1].Expert)

	require.NotNil(t, res.Data)
	assert.Equal(t, fp(4.5), res.Data.QuotedPrice)
	assert.Equal(t, 360, res.InputTokens+res.OutputTokens)
}

func TestRun_FanOutConsultsExpertsInParallel(t *testing.T) {
	script := newScriptedTurn()

	var inFlight, peak int32
	release := make(chan struct{})
	rendezvous := func() {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&peak)
			if n <= m || atomic.CompareAndSwapInt32(&peak, m, n) {
				break
			}
		}
		if n == 2 {
			close(release)
		}
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		atomic.AddInt32(&inFlight, -1)
	}
	script.handlers[ExpertExtraction] = func(int, llm.CompletionRequest) (string, error) {
		rendezvous()
		return goodExtractionJSON, nil
	}
	script.handlers[ExpertEscalation] = func(int, llm.CompletionRequest) (string, error) {
		rendezvous()
		return noEscalationJSON, nil
	}

	orch := newScriptedOrchestrator(t, script, 10)
	orch.Run(context.Background(), baseRequest())

	assert.Equal(t, int32(2), atomic.LoadInt32(&peak), "extraction and escalation should overlap")
}

func TestRun_PriorDataVisibleToEscalationAtFanOut(t *testing.T) {
	script := newScriptedTurn()
	orch := newScriptedOrchestrator(t, script, 10)

	req := baseRequest()
	req.PriorExtractedData = &ExtractedQuoteData{MinimumOrderQuantity: ip(2000), Confidence: 0.8}
	orch.Run(context.Background(), req)

	prompts := script.prompts(ExpertEscalation)
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], `"minimum_order_quantity":2000`)
}

// ============================================================================
// Extraction Failure
// ============================================================================

func TestRun_ExtractionFailureEscalatesWithoutSynthesis(t *testing.T) {
	script := newScriptedTurn()
	script.handlers[ExpertExtraction] = func(int, llm.CompletionRequest) (string, error) {
		return "", llm.NewProviderError("script", llm.ErrCodeServerError, "model blew up")
	}
	orch := newScriptedOrchestrator(t, script, 10)

	res := orch.Run(context.Background(), baseRequest())

	assert.Equal(t, 0, script.count(roleSynthesis))
	assert.Equal(t, 2, res.Calls)

	require.NotNil(t, res.Evaluation)
	assert.Equal(t, ActionEscalate, res.Evaluation.Action)
	assert.Contains(t, res.Evaluation.Reasoning, "Extraction failed")
	assert.Nil(t, res.Trace.Final)
	assert.Equal(t, 0, res.Trace.Iterations)
	require.NotEmpty(t, res.Trace.Steps)
	assert.Contains(t, res.Trace.Steps[0].Note, "pre-synthesis guardrail")
}

func TestRun_UnparseableExtractionEscalates(t *testing.T) {
	script := newScriptedTurn()
	script.handlers[ExpertExtraction] = func(int, llm.CompletionRequest) (string, error) {
		return "I can't find any numbers in there.", nil
	}
	orch := newScriptedOrchestrator(t, script, 10)

	res := orch.Run(context.Background(), baseRequest())

	require.NotNil(t, res.Evaluation)
	assert.Equal(t, ActionEscalate, res.Evaluation.Action)
	assert.Contains(t, res.Evaluation.Reasoning, "Extraction failed")
	assert.Contains(t, res.Evaluation.Reasoning, string(IssueParseFailure))
}

// ============================================================================
// Reconsultation Loop
// ============================================================================

func TestRun_ReconsultLoopFollowsRequestedExpert(t *testing.T) {
	script := newScriptedTurn()
	script.handlers[roleSynthesis] = func(call int, _ llm.CompletionRequest) (string, error) {
		if call == 1 {
			return `{"ready_to_act": false, "reasoning": "need a gap check", "next_expert": "needs", "question_for_expert": "What is still missing from the quote?"}`, nil
		}
		return `{"ready_to_act": true, "action": "clarify", "reasoning": "Missing payment terms; ask the supplier."}`, nil
	}
	orch := newScriptedOrchestrator(t, script, 10)

	res := orch.Run(context.Background(), baseRequest())

	assert.Equal(t, 2, script.count(roleSynthesis))
	assert.Equal(t, 1, script.count(ExpertNeeds))
	assert.Equal(t, 5, res.Calls)
	assert.Equal(t, 2, res.Trace.Iterations)
	assert.Equal(t, ActionClarify, res.Evaluation.Action)

	needsPrompts := script.prompts(ExpertNeeds)
	require.Len(t, needsPrompts, 1)
	assert.Contains(t, needsPrompts[0], "What is still missing from the quote?")

	require.Len(t, res.Trace.Steps, 2)
	assert.Equal(t, ExpertNeeds, res.Trace.Steps[0].Reconsulted)
	require.NotNil(t, res.Trace.Steps[0].Opinion)
	assert.Equal(t, "What is still missing from the quote?", res.Trace.Steps[0].Opinion.Question)
	require.NotNil(t, res.Trace.Steps[1].Decision)
	assert.True(t, res.Trace.Steps[1].Decision.ReadyToAct)
}

func TestRun_ReExtractionMergesIntoBestKnownData(t *testing.T) {
	script := newScriptedTurn()
	script.handlers[ExpertExtraction] = func(call int, _ llm.CompletionRequest) (string, error) {
		if call == 1 {
			return goodExtractionJSON, nil
		}
		return `{"quote_validity": "60 days", "confidence": 0.95}`, nil
	}
	script.handlers[roleSynthesis] = func(call int, _ llm.CompletionRequest) (string, error) {
		if call == 1 {
			return `{"ready_to_act": false, "reasoning": "re-read the validity window", "next_expert": "extraction", "question_for_expert": "How long is the quote valid?"}`, nil
		}
		return readyAcceptJSON, nil
	}
	orch := newScriptedOrchestrator(t, script, 10)

	res := orch.Run(context.Background(), baseRequest())

	assert.Equal(t, 2, script.count(ExpertExtraction))
	require.NotNil(t, res.Data)
	assert.Equal(t, fp(4.5), res.Data.QuotedPrice)
	assert.Equal(t, "net 30", res.Data.PaymentTerms)
	assert.Equal(t, "60 days", res.Data.QuoteValidity)
}

// ============================================================================
// Termination
// ============================================================================

func TestRun_TerminatesAtExactlyTheIterationBound(t *testing.T) {
	script := newScriptedTurn()
	script.handlers[roleSynthesis] = func(int, llm.CompletionRequest) (string, error) {
		return `{"ready_to_act": false, "reasoning": "still thinking", "next_expert": "needs", "question_for_expert": "anything else?"}`, nil
	}
	orch := newScriptedOrchestrator(t, script, 10)

	res := orch.Run(context.Background(), baseRequest())

	assert.Equal(t, 10, script.count(roleSynthesis))
	assert.Equal(t, 10, script.count(ExpertNeeds))
	assert.Equal(t, 10, res.Trace.Iterations)
	assert.Equal(t, ActionEscalate, res.Evaluation.Action)
}

func TestRun_IterationLimitEscalationCitesTheLimit(t *testing.T) {
	script := newScriptedTurn()
	script.handlers[roleSynthesis] = func(int, llm.CompletionRequest) (string, error) {
		return `{"ready_to_act": false, "reasoning": "still thinking", "next_expert": "escalation", "question_for_expert": "check again"}`, nil
	}
	orch := newScriptedOrchestrator(t, script, 3)

	res := orch.Run(context.Background(), baseRequest())

	assert.Equal(t, 3, script.count(roleSynthesis))
	assert.Equal(t, ActionEscalate, res.Evaluation.Action)
	assert.Contains(t, res.Evaluation.Reasoning, "3 iterations")
	require.NotNil(t, res.Trace.Final)
	assert.Contains(t, res.Trace.Final.Reasoning, "failed to converge")
}

// ============================================================================
// Synthesis Failure Substitution
// ============================================================================

func TestRun_SynthesisCallFailureSubstitutesEscalation(t *testing.T) {
	script := newScriptedTurn()
	script.handlers[roleSynthesis] = func(int, llm.CompletionRequest) (string, error) {
		return "", llm.NewProviderError("script", llm.ErrCodeServerError, "synthesis down")
	}
	orch := newScriptedOrchestrator(t, script, 10)

	res := orch.Run(context.Background(), baseRequest())

	assert.Equal(t, ActionEscalate, res.Evaluation.Action)
	assert.Contains(t, res.Evaluation.Reasoning, "Synthesis failed")
	assert.Contains(t, res.Evaluation.Reasoning, "synthesis down")

	var sawErrorTextRule bool
	for _, c := range res.Evaluation.Checks {
		if c.Rule == RuleSynthesisErrorText && c.Fired {
			sawErrorTextRule = true
		}
	}
	assert.True(t, sawErrorTextRule)
}

func TestRun_UnparseableSynthesisSubstitutesEscalation(t *testing.T) {
	script := newScriptedTurn()
	script.handlers[roleSynthesis] = func(int, llm.CompletionRequest) (string, error) {
		return "the committee is still deliberating", nil
	}
	orch := newScriptedOrchestrator(t, script, 10)

	res := orch.Run(context.Background(), baseRequest())

	assert.Equal(t, ActionEscalate, res.Evaluation.Action)
	assert.Contains(t, res.Evaluation.Reasoning, "unparseable")
}

// ============================================================================
// Not Ready, No Expert
// ============================================================================

func TestRun_NotReadyWithoutExpertTreatedAsFinal(t *testing.T) {
	script := newScriptedTurn()
	script.handlers[roleSynthesis] = func(int, llm.CompletionRequest) (string, error) {
		return `{"ready_to_act": false, "action": "counter", "reasoning": "Leaning counter but wanted one more look.", "next_expert": "oracle"}`, nil
	}
	orch := newScriptedOrchestrator(t, script, 10)

	res := orch.Run(context.Background(), baseRequest())

	assert.Equal(t, 1, script.count(roleSynthesis))
	assert.Equal(t, ActionCounter, res.Evaluation.Action)
	require.Len(t, res.Trace.Steps, 1)
	assert.Contains(t, res.Trace.Steps[0].Note, "treating as final")
}

func TestRun_NotReadyWithoutActionEscalates(t *testing.T) {
	script := newScriptedTurn()
	script.handlers[roleSynthesis] = func(int, llm.CompletionRequest) (string, error) {
		return `{"ready_to_act": false, "reasoning": "unsure what to do next"}`, nil
	}
	orch := newScriptedOrchestrator(t, script, 10)

	res := orch.Run(context.Background(), baseRequest())

	assert.Equal(t, ActionEscalate, res.Evaluation.Action)
	assert.Contains(t, res.Evaluation.Reasoning, "stalled")
}

// ============================================================================
// Expert Scoping
// ============================================================================

func TestRun_ExpertInputScoping(t *testing.T) {
	script := newScriptedTurn()
	script.handlers[roleSynthesis] = func(call int, _ llm.CompletionRequest) (string, error) {
		if call == 1 {
			return `{"ready_to_act": false, "reasoning": "gap check", "next_expert": "needs", "question_for_expert": "anything missing?"}`, nil
		}
		return readyAcceptJSON, nil
	}
	orch := newScriptedOrchestrator(t, script, 10)

	req := baseRequest()
	req.Order.TargetUnitPriceUSD = 3.99
	req.Order.NegotiationRules = "CANARY_RULES prefer shorter lead times"
	req.Order.EscalationTriggers = "CANARY_TRIGGERS escalate if MOQ exceeds 999999 units"
	orch.Run(context.Background(), req)

	for _, prompt := range script.prompts(ExpertExtraction) {
		assert.NotContains(t, prompt, "CANARY_RULES")
		assert.NotContains(t, prompt, "CANARY_TRIGGERS")
		assert.NotContains(t, prompt, "3.99")
	}
	for _, prompt := range script.prompts(ExpertEscalation) {
		assert.Contains(t, prompt, "CANARY_TRIGGERS")
		assert.NotContains(t, prompt, "CANARY_RULES")
		assert.NotContains(t, prompt, "3.99")
	}
	for _, prompt := range script.prompts(ExpertNeeds) {
		assert.NotContains(t, prompt, "CANARY_TRIGGERS")
	}
	for _, prompt := range script.prompts(roleSynthesis) {
		assert.Contains(t, prompt, "CANARY_RULES")
		assert.Contains(t, prompt, "CANARY_TRIGGERS")
		assert.Contains(t, prompt, "3.99")
	}
}

// ============================================================================
// Guardrail Integration
// ============================================================================

func TestRun_MOQTriggerOverridesModelAccept(t *testing.T) {
	script := newScriptedTurn()
	script.handlers[ExpertExtraction] = func(int, llm.CompletionRequest) (string, error) {
		return `{"quoted_price": 4.5, "currency": "USD", "minimum_order_quantity": 2000, "confidence": 0.9}`, nil
	}
	orch := newScriptedOrchestrator(t, script, 10)

	req := baseRequest()
	req.Order.EscalationTriggers = "Escalate if MOQ exceeds 1000 units"
	res := orch.Run(context.Background(), req)

	assert.Equal(t, ActionEscalate, res.Evaluation.Action)
	assert.True(t, res.Evaluation.Overridden)
	assert.Equal(t, ActionAccept, res.Evaluation.ModelProposed)
	assert.Contains(t, res.Evaluation.Reasoning, "2000")
	assert.Contains(t, res.Evaluation.Reasoning, "1000")
}

func TestRun_RangeViolationTurnsAcceptIntoCounter(t *testing.T) {
	script := newScriptedTurn()
	script.handlers[ExpertExtraction] = func(int, llm.CompletionRequest) (string, error) {
		return `{"quoted_price": 4.80, "currency": "USD", "confidence": 0.9}`, nil
	}
	orch := newScriptedOrchestrator(t, script, 10)

	req := baseRequest()
	req.Order.NegotiationRules = "Acceptable range is $3.50 - $4.20"
	res := orch.Run(context.Background(), req)

	assert.Equal(t, ActionCounter, res.Evaluation.Action)
	assert.True(t, res.Evaluation.Overridden)
	assert.Contains(t, res.Evaluation.Reasoning, "3.50")
	assert.Contains(t, res.Evaluation.Reasoning, "4.20")
	assert.Contains(t, res.Evaluation.Reasoning, "4.80")
}
