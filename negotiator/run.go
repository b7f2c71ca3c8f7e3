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
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"axonflow/negotiation/config"
	"axonflow/negotiation/negotiator/llm"
	"axonflow/negotiation/negotiator/llm/anthropic"
	"axonflow/negotiation/negotiator/llm/bedrock"
	"axonflow/negotiation/shared/logger"
)

// Service components
var (
	serviceLog     *logger.Logger
	decisionEngine *Engine
	conversations  *Accumulator
	auditStore     *AuditStore
	rateLimiter    *RateLimiter
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_negotiator_requests_total",
			Help: "Total number of decision requests processed by the negotiator",
		},
		[]string{"action", "status"},
	)
	promDecisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "axonflow_negotiator_decision_duration_milliseconds",
			Help:    "End to end decision latency in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"action"},
	)
	promModelCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_negotiator_model_calls_total",
			Help: "Total number of model calls made while deciding",
		},
		[]string{"provider", "status"},
	)
	promInputTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "axonflow_negotiator_input_tokens_total",
			Help: "Total prompt tokens consumed by model calls",
		},
	)
	promOutputTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "axonflow_negotiator_output_tokens_total",
			Help: "Total completion tokens produced by model calls",
		},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promDecisionDuration)
	prometheus.MustRegister(promModelCalls)
	prometheus.MustRegister(promInputTokens)
	prometheus.MustRegister(promOutputTokens)
}

// ErrorResponse is the JSON error envelope for every service endpoint.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Run starts the negotiation decision service and blocks serving HTTP.
func Run() {
	log.Println("Starting AxonFlow Negotiator...")

	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := initializeService(ctx, cfg); err != nil {
		log.Fatalf("Failed to initialize service: %v", err)
	}
	defer auditStore.Close()
	defer func() { _ = rateLimiter.Close() }()

	r := mux.NewRouter()

	// CORS configuration
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	// Decision endpoints
	r.HandleFunc("/api/v1/negotiate", negotiateHandler).Methods("POST")
	r.HandleFunc("/api/v1/negotiations/{id}", closeNegotiationHandler).Methods("DELETE")

	// Health and metrics
	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	port := cfg.Port
	log.Printf("Negotiator service listening on port %s", port)

	handler := c.Handler(r)
	log.Fatal(http.ListenAndServe(":"+port, handler))
}

// initializeService wires the decision pipeline from resolved
// configuration. Missing credentials degrade (mock provider, no-op
// audit, in-process rate limiting); only a misassembled pipeline is an
// error.
func initializeService(ctx context.Context, cfg *config.Config) error {
	serviceLog = logger.New("negotiator")

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize providers: %w", err)
	}

	client, err := llm.NewClient(providers, llm.FailoverConfig{
		MaxRetriesPerProvider: cfg.Providers.MaxRetriesPerProvider,
		RetryDelay:            cfg.Providers.RetryDelay,
	})
	if err != nil {
		return fmt.Errorf("initialize failover client: %w", err)
	}

	parser := NewParser(cfg.Guardrails.CurrencyAliases)
	guardrails := NewGuardrails(cfg.Guardrails.ConfidenceFloor, cfg.Guardrails.EscalationKeywords, nil)
	experts := NewExperts(client, parser, nil)
	orchestrator := NewOrchestrator(client, experts, parser, guardrails, cfg.Engine.MaxIterations, nil)

	auditStore = NewAuditStore(cfg.DatabaseURL, nil)
	rateLimiter = NewRateLimiter(cfg.RedisURL, cfg.RateLimitPerMinute, nil)
	conversations = NewAccumulator()

	engine, err := NewEngine(orchestrator, WithTurnRecorder(auditStore))
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	decisionEngine = engine

	log.Printf("Negotiator initialized: providers=%d max_iterations=%d rate_limit=%d/min",
		len(providers), cfg.Engine.MaxIterations, cfg.RateLimitPerMinute)
	return nil
}

// buildProviders assembles the failover chain in configured order.
// Providers without credentials are skipped, and when no Anthropic key
// is present the mock provider backs the chain so local runs still
// produce decisions.
func buildProviders(ctx context.Context, cfg *config.Config) ([]llm.Provider, error) {
	var providers []llm.Provider
	haveMock := false

	for _, name := range cfg.Providers.Order {
		switch name {
		case config.ProviderAnthropic:
			if cfg.Providers.AnthropicAPIKey == "" {
				log.Println("ANTHROPIC_API_KEY not set - skipping Anthropic provider")
				continue
			}
			p, err := anthropic.NewProvider(anthropic.Config{
				APIKey: cfg.Providers.AnthropicAPIKey,
				Model:  cfg.Providers.AnthropicModel,
			})
			if err != nil {
				return nil, fmt.Errorf("anthropic provider: %w", err)
			}
			providers = append(providers, p)
		case config.ProviderBedrock:
			p, err := bedrock.NewProvider(ctx, bedrock.Config{
				Region: cfg.Providers.BedrockRegion,
				Model:  cfg.Providers.BedrockModel,
			})
			if err != nil {
				log.Printf("Bedrock provider unavailable: %v - skipping", err)
				continue
			}
			providers = append(providers, p)
		case config.ProviderMock:
			providers = append(providers, llm.NewMockProvider("mock"))
			haveMock = true
		}
	}

	if !haveMock && cfg.Providers.AnthropicAPIKey == "" {
		log.Println("No Anthropic credentials - mock provider backing the failover chain")
		providers = append(providers, llm.NewMockProvider("mock"))
		haveMock = true
	}
	if len(providers) == 0 {
		log.Println("No LLM providers available - falling back to mock provider")
		providers = append(providers, llm.NewMockProvider("mock"))
	}
	return providers, nil
}

// negotiateHandler runs one supplier message through the decision
// pipeline. The handler owns the conversation accumulator: it seeds the
// request with accumulated data and history when the caller sent none,
// and folds the result back in afterwards.
func negotiateHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.New().String()
	clientID := clientIdentifier(r)
	reqLog := serviceLog.WithRequest(clientID, requestID)

	if err := rateLimiter.Allow(r.Context(), clientID); err != nil {
		count, reset := rateLimiter.Status(r.Context(), clientID)
		limit := rateLimiter.Limit()
		remaining := limit - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		promRequestsTotal.WithLabelValues("unknown", "rate_limited").Inc()
		reqLog.Warn("Rate limit exceeded", map[string]interface{}{"client_id": clientID})
		sendErrorResponse(w, err.Error(), http.StatusTooManyRequests)
		return
	}

	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		promRequestsTotal.WithLabelValues("unknown", "bad_request").Inc()
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.NegotiationID == "" {
		req.NegotiationID = uuid.New().String()
	}
	if req.PriorExtractedData == nil {
		req.PriorExtractedData = conversations.Get(req.NegotiationID)
	}
	if len(req.ConversationHistory) == 0 {
		req.ConversationHistory = conversations.History(req.NegotiationID)
	}

	result, err := decisionEngine.Process(r.Context(), req)
	if err != nil {
		promRequestsTotal.WithLabelValues("unknown", "error").Inc()
		reqLog.Error("Negotiation processing failed", map[string]interface{}{
			"negotiation_id": req.NegotiationID,
			"error":          err.Error(),
		})
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	conversations.Record(result.NegotiationID, result.ExtractedData)
	entries := []string{"Supplier: " + req.SupplierMessage}
	if reply := outboundReply(result); reply != "" {
		entries = append(entries, "Agent: "+reply)
	}
	conversations.AppendHistory(result.NegotiationID, entries...)

	durationMS := float64(time.Since(start).Milliseconds())
	promRequestsTotal.WithLabelValues(string(result.Action), "success").Inc()
	promDecisionDuration.WithLabelValues(string(result.Action)).Observe(durationMS)
	promInputTokens.Add(float64(result.Totals.InputTokens))
	promOutputTokens.Add(float64(result.Totals.OutputTokens))
	for _, u := range result.Usage {
		promModelCalls.WithLabelValues(u.Provider, "success").Inc()
	}
	for i := len(result.Usage); i < result.Totals.Calls; i++ {
		promModelCalls.WithLabelValues("unknown", "error").Inc()
	}

	reqLog.InfoWithDuration("Negotiation decision completed", durationMS, map[string]interface{}{
		"negotiation_id": result.NegotiationID,
		"action":         string(result.Action),
		"model_calls":    result.Totals.Calls,
		"total_tokens":   result.Totals.TotalTokens,
	})

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// closeNegotiationHandler drops a closed negotiation's accumulated
// state. Audit rows are unaffected.
func closeNegotiationHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	negotiationID := vars["id"]
	if negotiationID == "" {
		sendErrorResponse(w, "Negotiation ID is required", http.StatusBadRequest)
		return
	}

	conversations.Forget(negotiationID)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"success":        true,
		"negotiation_id": negotiationID,
	}); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	components := map[string]bool{
		"decision_engine": decisionEngine != nil,
		"conversations":   conversations != nil,
		"audit_store":     auditStore.IsHealthy(),
		"rate_limiter":    rateLimiter != nil,
	}

	health := map[string]interface{}{
		"status":     "healthy",
		"service":    "axonflow-negotiator",
		"version":    "1.0.0",
		"timestamp":  time.Now().UTC(),
		"components": components,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// outboundReply is the supplier-facing text a decision proposes to
// send, empty when the action produces none.
func outboundReply(result *ProcessResult) string {
	if result.CounterOffer != "" {
		return result.CounterOffer
	}
	return result.ClarificationEmail
}

// clientIdentifier resolves the rate limit key for a request. Clients
// send X-Client-ID; without it the remote address is the best we have.
func clientIdentifier(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := ErrorResponse{
		Success: false,
		Error:   message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("Error encoding error response: %v", err)
	}
}
