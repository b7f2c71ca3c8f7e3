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
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	auditQueueSize     = 10000
	auditBatchSize     = 100
	auditFlushInterval = 5 * time.Second
)

// DecisionRecord is one completed turn as persisted for audit.
type DecisionRecord struct {
	ID              string              `json:"id"`
	NegotiationID   string              `json:"negotiation_id"`
	Timestamp       time.Time           `json:"timestamp"`
	Action          string              `json:"action"`
	Reasoning       string              `json:"reasoning"`
	Overridden      bool                `json:"overridden"`
	ModelProposed   string              `json:"model_proposed,omitempty"`
	SupplierMessage string              `json:"supplier_message"`
	ExtractedData   *ExtractedQuoteData `json:"extracted_data,omitempty"`
	Checks          []GuardrailCheck    `json:"checks,omitempty"`
	Trace           *OrchestratorTrace  `json:"trace,omitempty"`
	Calls           int                 `json:"calls"`
	Iterations      int                 `json:"iterations"`
	InputTokens     int                 `json:"input_tokens"`
	OutputTokens    int                 `json:"output_tokens"`
	CostCents       int64               `json:"cost_cents"`
	DurationMs      int64               `json:"duration_ms"`
}

// AuditStore persists completed decision turns to PostgreSQL through a
// buffered queue and a batching writer. Without a database URL it
// degrades to a no-op so the engine never depends on persistence.
// Write-only: nothing in the decision path reads audit rows back.
type AuditStore struct {
	db       *sql.DB
	writer   *batchWriter
	queue    chan *DecisionRecord
	wg       sync.WaitGroup
	shutdown chan struct{}
	logger   *log.Logger
}

// NewAuditStore connects to the audit database. An empty URL or a
// connection failure yields a no-op store, never an error.
func NewAuditStore(databaseURL string, logger *log.Logger) *AuditStore {
	if logger == nil {
		logger = log.New(os.Stdout, "[AUDIT] ", log.LstdFlags)
	}
	if databaseURL == "" {
		logger.Printf("no database configured, decision audit disabled")
		return &AuditStore{logger: logger}
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		logger.Printf("failed to open audit database: %v", err)
		return &AuditStore{logger: logger}
	}
	if err := createDecisionTable(db); err != nil {
		logger.Printf("failed to create audit tables: %v", err)
	}
	return newAuditStoreWithDB(db, logger)
}

func newAuditStoreWithDB(db *sql.DB, logger *log.Logger) *AuditStore {
	store := &AuditStore{
		db:       db,
		writer:   newBatchWriter(db, auditBatchSize, logger),
		queue:    make(chan *DecisionRecord, auditQueueSize),
		shutdown: make(chan struct{}),
		logger:   logger,
	}
	store.wg.Add(1)
	go store.drainQueue()
	return store
}

// RecordTurn enqueues one completed turn. Never blocks the caller: when
// the queue is full the record is written directly on this goroutine.
func (s *AuditStore) RecordTurn(_ context.Context, req ProcessRequest, result *ProcessResult) {
	if s == nil || s.db == nil || result == nil {
		return
	}

	rec := &DecisionRecord{
		ID:              generateAuditID(),
		NegotiationID:   result.NegotiationID,
		Timestamp:       time.Now().UTC(),
		Action:          string(result.Action),
		Reasoning:       result.Reasoning,
		SupplierMessage: req.SupplierMessage,
		ExtractedData:   result.ExtractedData,
		Trace:           result.Trace,
		Calls:           result.Totals.Calls,
		InputTokens:     result.Totals.InputTokens,
		OutputTokens:    result.Totals.OutputTokens,
		CostCents:       result.Totals.CostCents,
		DurationMs:      result.Totals.DurationMs,
	}
	if result.PolicyEvaluation != nil {
		rec.Overridden = result.PolicyEvaluation.Overridden
		rec.ModelProposed = string(result.PolicyEvaluation.ModelProposed)
		rec.Checks = result.PolicyEvaluation.Checks
	}
	if result.Trace != nil {
		rec.Iterations = result.Trace.Iterations
	}

	select {
	case s.queue <- rec:
	default:
		s.logger.Printf("audit queue full, writing directly")
		if err := s.writer.write([]*DecisionRecord{rec}); err != nil {
			s.logger.Printf("direct audit write failed: %v", err)
		}
	}
}

// Flush forces any buffered records to the database.
func (s *AuditStore) Flush() {
	if s == nil || s.writer == nil {
		return
	}
	s.writer.flush()
}

// IsHealthy reports whether the audit database is reachable. The no-op
// store is always healthy.
func (s *AuditStore) IsHealthy() bool {
	if s == nil || s.db == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

// Close drains the queue, flushes pending records and closes the
// database.
func (s *AuditStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	close(s.shutdown)
	s.wg.Wait()
	_ = s.db.Close()
}

func (s *AuditStore) drainQueue() {
	defer s.wg.Done()

	ticker := time.NewTicker(auditFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-s.queue:
			s.writer.add(rec)
		case <-ticker.C:
			s.writer.flush()
		case <-s.shutdown:
			for {
				select {
				case rec := <-s.queue:
					s.writer.add(rec)
				default:
					s.writer.flush()
					return
				}
			}
		}
	}
}

func generateAuditID() string {
	return fmt.Sprintf("audit_%d_%s", time.Now().Unix(), uuid.NewString()[:8])
}

// ============================================================================
// Batch Writer
// ============================================================================

type batchWriter struct {
	db        *sql.DB
	batchSize int
	mu        sync.Mutex
	records   []*DecisionRecord
	logger    *log.Logger
}

func newBatchWriter(db *sql.DB, batchSize int, logger *log.Logger) *batchWriter {
	return &batchWriter{
		db:        db,
		batchSize: batchSize,
		records:   make([]*DecisionRecord, 0, batchSize),
		logger:    logger,
	}
}

func (w *batchWriter) add(rec *DecisionRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.records = append(w.records, rec)
	if len(w.records) >= w.batchSize {
		w.flushLocked()
	}
}

func (w *batchWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
}

// flushLocked writes and resets the buffer. Caller holds w.mu.
func (w *batchWriter) flushLocked() {
	if len(w.records) == 0 {
		return
	}
	if err := w.write(w.records); err != nil {
		w.logger.Printf("failed to write audit batch: %v", err)
	}
	w.records = w.records[:0]
}

func (w *batchWriter) write(records []*DecisionRecord) error {
	if w.db == nil {
		return nil
	}

	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO negotiation_decisions (
			id, negotiation_id, timestamp, action, reasoning, overridden,
			model_proposed, supplier_message, extracted_data, policy_checks,
			trace, calls, iterations, input_tokens, output_tokens,
			cost_cents, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range records {
		extractedJSON, _ := json.Marshal(rec.ExtractedData)
		checksJSON, _ := json.Marshal(rec.Checks)
		traceJSON, _ := json.Marshal(rec.Trace)

		_, err = stmt.Exec(
			rec.ID,
			rec.NegotiationID,
			rec.Timestamp,
			rec.Action,
			rec.Reasoning,
			rec.Overridden,
			rec.ModelProposed,
			rec.SupplierMessage,
			extractedJSON,
			checksJSON,
			traceJSON,
			rec.Calls,
			rec.Iterations,
			rec.InputTokens,
			rec.OutputTokens,
			rec.CostCents,
			rec.DurationMs,
		)
		if err != nil {
			w.logger.Printf("failed to insert decision record: %v", err)
		}
	}

	return tx.Commit()
}

// createDecisionTable creates the audit tables if they don't exist.
func createDecisionTable(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS negotiation_decisions (
		id VARCHAR(255) PRIMARY KEY,
		negotiation_id VARCHAR(255) NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		action VARCHAR(20) NOT NULL,
		reasoning TEXT NOT NULL,
		overridden BOOLEAN NOT NULL,
		model_proposed VARCHAR(20),
		supplier_message TEXT,
		extracted_data JSONB,
		policy_checks JSONB,
		trace JSONB,
		calls INTEGER,
		iterations INTEGER,
		input_tokens INTEGER,
		output_tokens INTEGER,
		cost_cents BIGINT,
		duration_ms BIGINT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_negotiation_decisions_negotiation_id ON negotiation_decisions(negotiation_id);
	CREATE INDEX IF NOT EXISTS idx_negotiation_decisions_timestamp ON negotiation_decisions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_negotiation_decisions_action ON negotiation_decisions(action);
	`

	_, err := db.Exec(query)
	return err
}
