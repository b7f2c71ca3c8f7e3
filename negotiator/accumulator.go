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

import "sync"

// MergeQuoteData folds a fresh extraction into prior data. Per field
// the latest non-absent value wins; an absent fresh value never erases
// a present prior one. Confidence always follows the fresh extraction,
// since it describes the newest read of the conversation. Neither
// input is mutated.
func MergeQuoteData(prior, fresh *ExtractedQuoteData) *ExtractedQuoteData {
	if prior == nil {
		return cloneQuoteData(fresh)
	}
	if fresh == nil {
		return cloneQuoteData(prior)
	}

	out := cloneQuoteData(prior)

	if fresh.QuotedPrice != nil {
		out.QuotedPrice = clonedFloat(fresh.QuotedPrice)
	}
	if fresh.Currency != "" {
		out.Currency = fresh.Currency
	}
	if fresh.PriceUSD != nil {
		out.PriceUSD = clonedFloat(fresh.PriceUSD)
	}
	if fresh.AvailableQuantity != nil {
		out.AvailableQuantity = clonedInt(fresh.AvailableQuantity)
	}
	if fresh.MinimumOrderQuantity != nil {
		out.MinimumOrderQuantity = clonedInt(fresh.MinimumOrderQuantity)
	}
	if fresh.LeadTimeMinDays != nil {
		out.LeadTimeMinDays = clonedInt(fresh.LeadTimeMinDays)
	}
	if fresh.LeadTimeMaxDays != nil {
		out.LeadTimeMaxDays = clonedInt(fresh.LeadTimeMaxDays)
	}
	if fresh.PaymentTerms != "" {
		out.PaymentTerms = fresh.PaymentTerms
	}
	if fresh.QuoteValidity != "" {
		out.QuoteValidity = fresh.QuoteValidity
	}
	if fresh.Notes != "" {
		out.Notes = fresh.Notes
	}
	if len(fresh.Raw) > 0 {
		out.Raw = append(out.Raw[:0:0], fresh.Raw...)
	}
	out.Confidence = fresh.Confidence

	return out
}

func cloneQuoteData(d *ExtractedQuoteData) *ExtractedQuoteData {
	if d == nil {
		return nil
	}
	out := *d
	out.QuotedPrice = clonedFloat(d.QuotedPrice)
	out.PriceUSD = clonedFloat(d.PriceUSD)
	out.AvailableQuantity = clonedInt(d.AvailableQuantity)
	out.MinimumOrderQuantity = clonedInt(d.MinimumOrderQuantity)
	out.LeadTimeMinDays = clonedInt(d.LeadTimeMinDays)
	out.LeadTimeMaxDays = clonedInt(d.LeadTimeMaxDays)
	if len(d.Raw) > 0 {
		out.Raw = append(d.Raw[:0:0], d.Raw...)
	}
	return &out
}

func clonedFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func clonedInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Accumulator keeps the best-known extracted data and the conversation
// history per negotiation across processing turns. The engine itself is
// stateless turn to turn; callers running multi-turn conversations own
// one of these and feed its snapshots back in as prior data and
// history. Safe for concurrent use.
type Accumulator struct {
	mu      sync.RWMutex
	data    map[string]*ExtractedQuoteData
	history map[string][]string
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		data:    make(map[string]*ExtractedQuoteData),
		history: make(map[string][]string),
	}
}

// Get returns a snapshot of the accumulated data for a negotiation, or
// nil when nothing has been recorded. The snapshot is the caller's to
// mutate.
func (a *Accumulator) Get(negotiationID string) *ExtractedQuoteData {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return cloneQuoteData(a.data[negotiationID])
}

// Record merges fresh data into the negotiation's accumulated state and
// returns a snapshot of the result.
func (a *Accumulator) Record(negotiationID string, fresh *ExtractedQuoteData) *ExtractedQuoteData {
	if fresh == nil {
		return a.Get(negotiationID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	merged := MergeQuoteData(a.data[negotiationID], fresh)
	a.data[negotiationID] = merged
	return cloneQuoteData(merged)
}

// AppendHistory adds conversation entries to a negotiation's history in
// arrival order. Empty entries are dropped.
func (a *Accumulator) AppendHistory(negotiationID string, entries ...string) {
	kept := make([]string, 0, len(entries))
	for _, e := range entries {
		if e != "" {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.history[negotiationID] = append(a.history[negotiationID], kept...)
}

// History returns a snapshot of a negotiation's conversation history,
// oldest first, or nil when nothing has been recorded.
func (a *Accumulator) History(negotiationID string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h := a.history[negotiationID]
	if len(h) == 0 {
		return nil
	}
	return append(h[:0:0], h...)
}

// Forget drops a negotiation's accumulated state and history, typically
// when the negotiation closes.
func (a *Accumulator) Forget(negotiationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.data, negotiationID)
	delete(a.history, negotiationID)
}

// Len reports how many negotiations currently hold state.
func (a *Accumulator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := len(a.data)
	for id := range a.history {
		if _, ok := a.data[id]; !ok {
			n++
		}
	}
	return n
}
