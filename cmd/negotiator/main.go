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

// Package main is the entry point for the AxonFlow Negotiator service.
//
// The Negotiator is a supplier negotiation decision engine that:
// - Extracts structured quote data from supplier messages
// - Consults specialist experts for escalation and missing-data analysis
// - Synthesizes one action per turn through an iterative orchestrator
// - Enforces deterministic policy guardrails over model proposals
// - Persists every decision for audit
//
// Usage:
//
//	./negotiator
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8084)
//	DATABASE_URL - PostgreSQL connection string for decision audit
//	REDIS_URL - Redis URL for distributed rate limiting
//	ANTHROPIC_API_KEY - Anthropic API key (optional)
//	BEDROCK_REGION - AWS Bedrock region (optional)
package main

import (
	"github.com/joho/godotenv"

	"axonflow/negotiation/negotiator"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	negotiator.Run()
}
