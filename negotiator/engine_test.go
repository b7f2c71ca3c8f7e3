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
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/negotiation/negotiator/llm"
)

type captureRecorder struct {
	mu    sync.Mutex
	turns []*ProcessResult
}

func (c *captureRecorder) RecordTurn(_ context.Context, _ ProcessRequest, result *ProcessResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, result)
}

func (c *captureRecorder) recorded() []*ProcessResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*ProcessResult(nil), c.turns...)
}

func newScriptedEngine(t *testing.T, script *scriptedTurn, opts ...EngineOption) *Engine {
	t.Helper()
	engine, err := NewEngine(newScriptedOrchestrator(t, script, 10), opts...)
	require.NoError(t, err)
	return engine
}

func TestNewEngine_RequiresOrchestrator(t *testing.T) {
	engine, err := NewEngine(nil)
	require.Error(t, err)
	assert.Nil(t, engine)
}

func TestEngine_ProcessAcceptTurn(t *testing.T) {
	engine := newScriptedEngine(t, newScriptedTurn(), WithEngineLogger(discardLogger()))

	result, err := engine.Process(context.Background(), baseRequest())
	require.NoError(t, err)

	assert.Equal(t, "neg-test-1", result.NegotiationID)
	assert.Equal(t, ActionAccept, result.Action)
	assert.NotEmpty(t, result.ProposedApproval)
	assert.Empty(t, result.CounterOffer)
	assert.Empty(t, result.ClarificationEmail)
	assert.Empty(t, result.EscalationReason)

	require.NotNil(t, result.ExtractedData)
	assert.Equal(t, fp(4.5), result.ExtractedData.QuotedPrice)
	require.NotNil(t, result.PolicyEvaluation)
	assert.Len(t, result.ExpertOpinions, 2)

	assert.Equal(t, 3, result.Totals.Calls)
	assert.Equal(t, 360, result.Totals.TotalTokens)
	assert.Equal(t, result.Totals.InputTokens+result.Totals.OutputTokens, result.Totals.TotalTokens)
	assert.GreaterOrEqual(t, result.Totals.DurationMs, int64(0))
}

func TestEngine_ProcessCounterTurnCarriesOffer(t *testing.T) {
	script := newScriptedTurn()
	script.handlers[roleSynthesis] = func(int, llm.CompletionRequest) (string, error) {
		return `{"ready_to_act": true, "action": "counter", "reasoning": "Price above target.", "counter_terms": {"target_price": 4.00, "target_quantity": 1000}}`, nil
	}
	engine := newScriptedEngine(t, script, WithEngineLogger(discardLogger()))

	result, err := engine.Process(context.Background(), baseRequest())
	require.NoError(t, err)

	assert.Equal(t, ActionCounter, result.Action)
	assert.Contains(t, result.CounterOffer, "$4.00")
	assert.Contains(t, result.CounterOffer, "1000 units")
	assert.Empty(t, result.ProposedApproval)
}

func TestEngine_ProcessClarifyTurnUsesNeedsQuestions(t *testing.T) {
	script := newScriptedTurn()
	script.handlers[ExpertNeeds] = func(int, llm.CompletionRequest) (string, error) {
		return `{"missing_fields": ["payment terms"], "clarification_questions": ["What payment terms do you offer?"]}`, nil
	}
	script.handlers[roleSynthesis] = func(call int, _ llm.CompletionRequest) (string, error) {
		if call == 1 {
			return `{"ready_to_act": false, "reasoning": "check gaps", "next_expert": "needs", "question_for_expert": "what is missing?"}`, nil
		}
		return `{"ready_to_act": true, "action": "clarify", "reasoning": "Missing payment terms."}`, nil
	}
	engine := newScriptedEngine(t, script, WithEngineLogger(discardLogger()))

	result, err := engine.Process(context.Background(), baseRequest())
	require.NoError(t, err)

	assert.Equal(t, ActionClarify, result.Action)
	assert.Contains(t, result.ClarificationEmail, "What payment terms do you offer?")
}

func TestEngine_ProviderFailureIsNotAnError(t *testing.T) {
	script := newScriptedTurn()
	script.handlers[ExpertExtraction] = func(int, llm.CompletionRequest) (string, error) {
		return "", llm.NewProviderError("script", llm.ErrCodeServerError, "down")
	}
	engine := newScriptedEngine(t, script, WithEngineLogger(discardLogger()))

	result, err := engine.Process(context.Background(), baseRequest())
	require.NoError(t, err, "model failures must come back as decisions, not errors")

	assert.Equal(t, ActionEscalate, result.Action)
	assert.Contains(t, result.EscalationReason, "Extraction failed")
}

func TestEngine_EmptySupplierMessageIsContractError(t *testing.T) {
	engine := newScriptedEngine(t, newScriptedTurn(), WithEngineLogger(discardLogger()))

	req := baseRequest()
	req.SupplierMessage = "   \n"
	result, err := engine.Process(context.Background(), req)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "supplier message")
	assert.Nil(t, result)
}

func TestEngine_MintsNegotiationIDWhenAbsent(t *testing.T) {
	engine := newScriptedEngine(t, newScriptedTurn(), WithEngineLogger(discardLogger()))

	req := baseRequest()
	req.NegotiationID = ""
	result, err := engine.Process(context.Background(), req)
	require.NoError(t, err)

	require.NotEmpty(t, result.NegotiationID)
	_, parseErr := uuid.Parse(result.NegotiationID)
	assert.NoError(t, parseErr)
}

func TestEngine_RecorderReceivesCompletedTurn(t *testing.T) {
	recorder := &captureRecorder{}
	engine := newScriptedEngine(t, newScriptedTurn(), WithEngineLogger(discardLogger()), WithTurnRecorder(recorder))

	result, err := engine.Process(context.Background(), baseRequest())
	require.NoError(t, err)

	turns := recorder.recorded()
	require.Len(t, turns, 1)
	assert.Equal(t, result.NegotiationID, turns[0].NegotiationID)
	assert.Equal(t, result.Action, turns[0].Action)
}

func TestTotalCostCents_SumsPerModelPricing(t *testing.T) {
	calls := []CallUsage{
		{Provider: "anthropic", Model: "claude-3-5-sonnet-20241022", InputTokens: 1000000, OutputTokens: 100000},
		{Provider: "mock", Model: "mock-negotiator-v1", InputTokens: 500000, OutputTokens: 500000},
		{Provider: "mystery", Model: "unlisted", InputTokens: 1000, OutputTokens: 1000},
	}

	// Sonnet: 300c prompt + 150c completion. Mock: free. Unknown model
	// meters at the conservative default, 1c + 3c.
	assert.Equal(t, int64(454), totalCostCents(calls))
}
