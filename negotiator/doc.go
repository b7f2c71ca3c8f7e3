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

/*
Package negotiator provides the AxonFlow Negotiator service - the
multi-expert decision engine for supplier negotiations.

# Overview

The Negotiator reads one supplier message per turn and decides what the
buying side should do next. Each turn it:

  - Extracts structured quote data (price, quantities, lead times, terms)
  - Consults specialist experts for escalation triggers and missing data
  - Synthesizes a single action through an iterative orchestrator loop
  - Enforces deterministic policy guardrails over whatever the model proposes
  - Crafts the outward-facing payload (counter-offer, approval, clarification)

# Architecture

A turn flows through a fixed pipeline:

	Supplier Message → Experts (extraction, escalation, needs)
	                 → Synthesis Loop → Guardrails → Crafted Response

The synthesis loop may consult further experts between iterations; the
loop is bounded and every exit path yields a well-formed decision. Model
failures never surface as errors: they degrade to an escalation so a
human always receives the turn.

# Decision Actions

Every turn resolves to exactly one action:

  - accept: terms are within policy, a purchase approval is drafted
  - counter: terms miss targets, a counter-offer message is drafted
  - clarify: required data is missing, a clarification email is drafted
  - escalate: a trigger fired or confidence is too low, a human takes over

Guardrails may override the model's proposal; the final evaluation
records both the proposed and the enforced action.

# Expert Panel

Experts are single-purpose model calls with strict JSON contracts:

  - extraction: parses the supplier message into ExtractedQuoteData
  - escalation: looks for discontinuation and supply-risk triggers
  - needs: lists missing fields and drafts clarification questions

Each expert opinion carries its provider, model, token counts and
latency so a turn's cost is fully attributable.

# Model Providers

Model calls go through a failover client that tries providers strictly
in configured order (Anthropic first, then AWS Bedrock by default) with
bounded retries per provider. Without credentials the mock provider
backs the chain so local runs still produce decisions.

# HTTP API

The service exposes a small decision surface:

	POST   /api/v1/negotiate          - Decide one supplier message
	DELETE /api/v1/negotiations/{id}  - Drop a closed negotiation's state
	GET    /health                    - Component health
	GET    /metrics                   - Prometheus metrics

The HTTP layer owns the conversation accumulator: repeated calls with
the same negotiation_id merge extracted data across turns and replay
conversation history into the prompts.

# Usage

	// Start the Negotiator service
	negotiator.Run()

	// The Negotiator reads configuration from environment variables:
	// PORT                  - HTTP server port (default: 8084)
	// DATABASE_URL          - PostgreSQL connection string for decision audit
	// REDIS_URL             - Redis URL for distributed rate limiting
	// ANTHROPIC_API_KEY     - Anthropic API key (optional)
	// BEDROCK_REGION        - AWS Bedrock region (optional)
	// RATE_LIMIT_PER_MINUTE - Per-client request cap (default: 60)

# Thread Safety

All exported types in this package are safe for concurrent use. The
accumulator and rate limiter synchronize internally; engines and
orchestrators are immutable after construction and may be shared across
goroutines.

# Metrics

The service exposes Prometheus metrics at /metrics:

  - axonflow_negotiator_requests_total - Decisions by action and status
  - axonflow_negotiator_decision_duration_milliseconds - Decision latency
  - axonflow_negotiator_model_calls_total - Model calls by provider/status
  - axonflow_negotiator_input_tokens_total - Prompt tokens consumed
  - axonflow_negotiator_output_tokens_total - Completion tokens produced
*/
package negotiator
