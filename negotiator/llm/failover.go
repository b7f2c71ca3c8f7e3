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
	"fmt"
	"log"
	"os"
	"time"
)

const (
	// DefaultMaxRetriesPerProvider is the attempt budget per provider.
	DefaultMaxRetriesPerProvider = 2

	// DefaultRetryDelay is the fixed wait between attempts after a failure.
	// A simple backoff floor; retries are never issued in parallel.
	DefaultRetryDelay = 500 * time.Millisecond
)

// FailoverConfig configures the failover Client.
type FailoverConfig struct {
	// MaxRetriesPerProvider is how many attempts each provider gets before
	// the next provider in order is tried. Zero means the default.
	MaxRetriesPerProvider int

	// RetryDelay is the fixed delay observed between any two attempts once
	// a failure has occurred. Zero means the default; use WithNoRetryDelay
	// to disable the delay entirely.
	RetryDelay time.Duration

	// noDelay disables the inter-attempt delay (tests).
	noDelay bool
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger for the client.
func WithClientLogger(l *log.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithNoRetryDelay disables the fixed delay between attempts.
func WithNoRetryDelay() ClientOption {
	return func(c *Client) {
		c.config.noDelay = true
	}
}

// Client issues completion requests against an ordered provider list with
// bounded per-provider retries. Providers are tried strictly in order:
// the primary gets its full attempt budget before the first fallback is
// touched. All retries are sequential so a failing provider is never
// hit with amplified concurrent load.
type Client struct {
	providers []Provider
	config    FailoverConfig
	logger    *log.Logger
}

// NewClient creates a failover client over the given ordered provider list.
// The provider list is a contract requirement; an empty list is a
// configuration error, not a runtime failure.
func NewClient(providers []Provider, config FailoverConfig, opts ...ClientOption) (*Client, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("failover client requires at least one provider")
	}

	if config.MaxRetriesPerProvider <= 0 {
		config.MaxRetriesPerProvider = DefaultMaxRetriesPerProvider
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultRetryDelay
	}

	c := &Client{
		providers: providers,
		config:    config,
		logger:    log.New(os.Stdout, "[LLM_FAILOVER] ", log.LstdFlags),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Providers returns the configured provider order.
func (c *Client) Providers() []Provider {
	return c.providers
}

// Call issues the request against the provider chain. It returns the first
// successful response together with the ordered attempt log. When every
// attempt on every provider fails, the returned error is a ProviderError
// with code ErrCodeExhausted whose message embeds the last attempt's error;
// the attempt log is still returned for observability.
func (c *Client) Call(ctx context.Context, req CompletionRequest) (*CompletionResponse, []Attempt, error) {
	var attempts []Attempt
	var lastErr error

	for _, provider := range c.providers {
		for attempt := 1; attempt <= c.config.MaxRetriesPerProvider; attempt++ {
			// Fixed delay between attempts once something has failed
			if len(attempts) > 0 {
				if err := c.waitRetryDelay(ctx); err != nil {
					return nil, attempts, &ProviderError{
						Provider:  provider.Name(),
						Code:      ErrCodeTimeout,
						Message:   fmt.Sprintf("cancelled while waiting to retry: %v", err),
						Retryable: false,
						Cause:     err,
					}
				}
			}

			start := time.Now()
			resp, err := provider.Complete(ctx, req)
			latency := time.Since(start)

			if err != nil {
				lastErr = err
				attempts = append(attempts, Attempt{
					Provider: provider.Name(),
					Model:    req.Model,
					Latency:  latency,
					Success:  false,
					Error:    err.Error(),
				})
				c.logger.Printf("provider %s attempt %d/%d failed: %v",
					provider.Name(), attempt, c.config.MaxRetriesPerProvider, err)
				continue
			}

			attempts = append(attempts, Attempt{
				Provider: provider.Name(),
				Model:    resp.Model,
				Latency:  latency,
				Success:  true,
			})
			return resp, attempts, nil
		}
	}

	return nil, attempts, &ProviderError{
		Provider:  c.providers[len(c.providers)-1].Name(),
		Code:      ErrCodeExhausted,
		Message:   fmt.Sprintf("all providers failed after %d attempts, last error: %v", len(attempts), lastErr),
		Retryable: false,
		Cause:     lastErr,
	}
}

// waitRetryDelay blocks for the configured delay or until the context is
// cancelled, whichever comes first.
func (c *Client) waitRetryDelay(ctx context.Context) error {
	if c.config.noDelay {
		return ctx.Err()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.config.RetryDelay):
		return nil
	}
}
