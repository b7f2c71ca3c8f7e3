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

package llm

import (
	"context"
)

// Provider is the unified interface for all LLM providers.
// Implementations must be safe for concurrent use.
//
// Providers are purely transport: they know nothing about prompt content
// or output schemas beyond passing them along. Resilience (retries,
// ordered fallback) belongs to the failover Client, not to providers.
type Provider interface {
	// Name returns the unique identifier for this provider instance.
	// This is used for routing, logging, and metrics.
	Name() string

	// Type returns the provider type (e.g., "anthropic", "bedrock").
	Type() ProviderType

	// Complete generates a completion for the given request.
	// The context should be used for cancellation and timeout.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// IsHealthy reports whether the provider believes it is operational.
	// Providers flip this on server-side failures so status surfaces can
	// show degraded providers without issuing probe calls.
	IsHealthy() bool

	// GetCapabilities returns the list of features this provider supports.
	GetCapabilities() []string
}
