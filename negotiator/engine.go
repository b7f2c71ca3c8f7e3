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
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"axonflow/negotiation/common/usage"
)

// TurnRecorder receives completed turns for persistence. Implementations
// must not block the turn; the engine fires and forgets.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, req ProcessRequest, result *ProcessResult)
}

// Engine is the caller-facing facade over one orchestrated processing
// turn. It validates the request contract, runs the orchestrator, crafts
// the outward-facing payload and totals the turn's cost.
//
// Process returns an error only for contract violations. Model failures,
// parse failures and guardrail stops all come back as a well-formed
// result whose action is escalate.
type Engine struct {
	orchestrator *Orchestrator
	recorder     TurnRecorder
	logger       *log.Logger
}

// EngineOption configures optional engine collaborators.
type EngineOption func(*Engine)

// WithEngineLogger overrides the default stdout logger.
func WithEngineLogger(logger *log.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTurnRecorder attaches a persistence sink for completed turns.
func WithTurnRecorder(recorder TurnRecorder) EngineOption {
	return func(e *Engine) {
		e.recorder = recorder
	}
}

// NewEngine builds the facade around a wired orchestrator.
func NewEngine(orchestrator *Orchestrator, opts ...EngineOption) (*Engine, error) {
	if orchestrator == nil {
		return nil, fmt.Errorf("engine: orchestrator is required")
	}
	e := &Engine{
		orchestrator: orchestrator,
		logger:       log.New(os.Stdout, "[ENGINE] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Process runs one supplier message through the full decision pipeline.
func (e *Engine) Process(ctx context.Context, req ProcessRequest) (*ProcessResult, error) {
	if strings.TrimSpace(req.SupplierMessage) == "" {
		return nil, fmt.Errorf("process: supplier message is empty")
	}
	if req.NegotiationID == "" {
		req.NegotiationID = uuid.New().String()
	}

	start := time.Now()
	run := e.orchestrator.Run(ctx, req)
	crafted := Craft(run.Evaluation, run.Trace.Final, run.Data, req.Order, run.Opinions)

	result := &ProcessResult{
		NegotiationID:      req.NegotiationID,
		Action:             run.Evaluation.Action,
		Reasoning:          run.Evaluation.Reasoning,
		EscalationReason:   crafted.EscalationReason,
		CounterOffer:       crafted.CounterOffer,
		ProposedApproval:   crafted.ProposedApproval,
		ClarificationEmail: crafted.ClarificationEmail,
		ExtractedData:      run.Data,
		PolicyEvaluation:   run.Evaluation,
		ExpertOpinions:     run.Opinions,
		Trace:              run.Trace,
		Totals: Totals{
			Calls:        run.Calls,
			DurationMs:   time.Since(start).Milliseconds(),
			InputTokens:  run.InputTokens,
			OutputTokens: run.OutputTokens,
			TotalTokens:  run.InputTokens + run.OutputTokens,
			CostCents:    totalCostCents(run.Usage),
		},
		Usage: run.Usage,
	}

	e.logger.Printf("negotiation %s: action=%s overridden=%t calls=%d tokens=%d cost=%s",
		result.NegotiationID, result.Action, run.Evaluation.Overridden,
		result.Totals.Calls, result.Totals.TotalTokens,
		usage.FormatCostToDollars(result.Totals.CostCents))

	if e.recorder != nil {
		e.recorder.RecordTurn(ctx, req, result)
	}
	return result, nil
}

func totalCostCents(calls []CallUsage) int64 {
	var total int64
	for _, c := range calls {
		total += usage.CalculateCost(c.Provider, c.Model, c.InputTokens, c.OutputTokens)
	}
	return total
}
