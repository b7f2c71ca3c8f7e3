// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package llm provides a unified interface for model providers and the
failover client the negotiation engine calls through.

# Overview

This package defines the common abstractions used by every model
integration in the negotiator. Providers are pure transports: they send a
prompt, return a completion, and surface failures as ProviderError values.
All resilience lives in the Client.

# Provider Interface

The Provider interface is the core abstraction that all model providers
must implement:

	type Provider interface {
		Name() string
		Type() ProviderType
		Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
		IsHealthy() bool
		GetCapabilities() []string
	}

Implementations live in the anthropic and bedrock subpackages. A
deterministic mock provider is built in for development without
credentials.

# Failover

Client tries providers in their configured order. Each provider gets a
fixed attempt budget before the next one is tried, with a fixed delay
between attempts once the first failure has occurred:

	client, err := llm.NewClient([]llm.Provider{primary, fallback}, llm.FailoverConfig{
		MaxRetriesPerProvider: 2,
		RetryDelay:            500 * time.Millisecond,
	})
	resp, attempts, err := client.Call(ctx, req)

Call returns the ordered attempt log alongside the response so callers
can record which providers were tried. When every provider is exhausted
the returned error has code ErrCodeExhausted and wraps the last
underlying failure.

# Error Handling

Provider errors carry error codes for categorization:

	resp, err := provider.Complete(ctx, req)
	if err != nil {
		var provErr *llm.ProviderError
		if errors.As(err, &provErr) {
			switch provErr.Code {
			case llm.ErrCodeRateLimited:
				// Handle rate limiting
			case llm.ErrCodeAuthFailed:
				// Handle auth failure
			}
		}
	}

# Thread Safety

All provider implementations must be safe for concurrent use. Client is
stateless apart from its configuration and may be shared freely.
*/
package llm
