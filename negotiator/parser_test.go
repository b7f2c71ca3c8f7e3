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
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParser() *Parser {
	return NewParser(map[string]string{
		"RMB": "CNY",
		"$":   "USD",
		"US$": "USD",
	})
}

func fp(v float64) *float64 { return &v }
func ip(v int) *int         { return &v }

// ============================================================================
// JSON Extraction Tests
// ============================================================================

func TestExtractJSONObject_RawObject(t *testing.T) {
	obj, ok := extractJSONObject(`{"quoted_price": 4.5}`)

	require.True(t, ok)
	assert.Equal(t, `{"quoted_price": 4.5}`, obj)
}

func TestExtractJSONObject_MarkdownFence(t *testing.T) {
	raw := "Here is the extraction:\n```json\n{\"quoted_price\": 4.5}\n```\nLet me know if you need more."

	obj, ok := extractJSONObject(raw)

	require.True(t, ok)
	assert.Equal(t, `{"quoted_price": 4.5}`, obj)
}

func TestExtractJSONObject_BracesInsideStrings(t *testing.T) {
	raw := `{"notes": "use {placeholder} syntax", "ok": true}`

	obj, ok := extractJSONObject(raw)

	require.True(t, ok)
	assert.Equal(t, raw, obj)
}

func TestExtractJSONObject_EscapedQuotes(t *testing.T) {
	raw := `{"notes": "supplier said \"final offer\" {twice}"}`

	obj, ok := extractJSONObject(raw)

	require.True(t, ok)
	assert.Equal(t, raw, obj)
}

func TestExtractJSONObject_NestedObjects(t *testing.T) {
	raw := `prefix {"counter_terms": {"target_price": 4.0}} suffix`

	obj, ok := extractJSONObject(raw)

	require.True(t, ok)
	assert.Equal(t, `{"counter_terms": {"target_price": 4.0}}`, obj)
}

func TestExtractJSONObject_SkipsUnbalancedCandidate(t *testing.T) {
	raw := `opening { never closes, but later: {"ok": true}`

	obj, ok := extractJSONObject(raw)

	require.True(t, ok)
	assert.Equal(t, `{"ok": true}`, obj)
}

func TestExtractJSONObject_NoObject(t *testing.T) {
	_, ok := extractJSONObject("I could not produce structured output, sorry.")

	assert.False(t, ok)
}

func TestExtractJSONObject_EmptyInput(t *testing.T) {
	_, ok := extractJSONObject("")

	assert.False(t, ok)
}

// ============================================================================
// Newline Sanitization Tests
// ============================================================================

func TestSanitizeStringNewlines_BareNewlineInString(t *testing.T) {
	raw := "{\"notes\": \"line one\nline two\"}"

	got := sanitizeStringNewlines(raw)

	assert.Equal(t, `{"notes": "line one\nline two"}`, got)
	assert.True(t, json.Valid([]byte(got)))
}

func TestSanitizeStringNewlines_CarriageReturn(t *testing.T) {
	raw := "{\"notes\": \"line one\r\nline two\"}"

	got := sanitizeStringNewlines(raw)

	assert.Equal(t, `{"notes": "line one\r\nline two"}`, got)
	assert.True(t, json.Valid([]byte(got)))
}

func TestSanitizeStringNewlines_LeavesStructuralWhitespace(t *testing.T) {
	raw := "{\n  \"ok\": true\n}"

	assert.Equal(t, raw, sanitizeStringNewlines(raw))
}

func TestSanitizeStringNewlines_AlreadyEscaped(t *testing.T) {
	raw := `{"notes": "line one\nline two"}`

	assert.Equal(t, raw, sanitizeStringNewlines(raw))
}

// ============================================================================
// Extraction Parsing Tests
// ============================================================================

func TestParseExtraction_FullPayload(t *testing.T) {
	raw := "```json\n" + `{
		"quoted_price": 4.50,
		"currency": "USD",
		"available_quantity": 5000,
		"minimum_order_quantity": 500,
		"lead_time_min_days": 14,
		"lead_time_max_days": 21,
		"payment_terms": "30% deposit, 70% before shipment",
		"quote_validity": "30 days",
		"confidence": 0.9,
		"notes": "Bulk discount available above 10k units"
	}` + "\n```"

	data, issue := testParser().ParseExtraction(raw)

	require.Nil(t, issue)
	assert.Equal(t, fp(4.50), data.QuotedPrice)
	assert.Equal(t, "USD", data.Currency)
	assert.Equal(t, fp(4.50), data.PriceUSD)
	assert.Equal(t, ip(5000), data.AvailableQuantity)
	assert.Equal(t, ip(500), data.MinimumOrderQuantity)
	assert.Equal(t, ip(14), data.LeadTimeMinDays)
	assert.Equal(t, ip(21), data.LeadTimeMaxDays)
	assert.Equal(t, "30% deposit, 70% before shipment", data.PaymentTerms)
	assert.Equal(t, "30 days", data.QuoteValidity)
	assert.InDelta(t, 0.9, data.Confidence, 0.0001)
	assert.NotEmpty(t, data.Raw)
}

func TestParseExtraction_NumericStringsCoerced(t *testing.T) {
	raw := `{"quoted_price": "4.50", "currency": "USD", "minimum_order_quantity": "500", "confidence": "0.8"}`

	data, issue := testParser().ParseExtraction(raw)

	require.Nil(t, issue)
	assert.Equal(t, fp(4.50), data.QuotedPrice)
	assert.Equal(t, ip(500), data.MinimumOrderQuantity)
	assert.InDelta(t, 0.8, data.Confidence, 0.0001)
}

func TestParseExtraction_SentinelStringsMeanAbsent(t *testing.T) {
	raw := `{"quoted_price": "n/a", "available_quantity": "", "lead_time_min_days": "unknown", "confidence": 0.7}`

	data, issue := testParser().ParseExtraction(raw)

	require.Nil(t, issue)
	assert.Nil(t, data.QuotedPrice)
	assert.Nil(t, data.AvailableQuantity)
	assert.Nil(t, data.LeadTimeMinDays)
}

func TestParseExtraction_IntegerFieldsRounded(t *testing.T) {
	raw := `{"minimum_order_quantity": 499.7, "lead_time_max_days": "21.2", "confidence": 0.7}`

	data, issue := testParser().ParseExtraction(raw)

	require.Nil(t, issue)
	assert.Equal(t, ip(500), data.MinimumOrderQuantity)
	assert.Equal(t, ip(21), data.LeadTimeMaxDays)
}

func TestParseExtraction_CurrencyAliases(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"RMB", "CNY"},
		{"rmb", "CNY"},
		{"$", "USD"},
		{"US$", "USD"},
		{"eur", "EUR"},
		{"CNY", "CNY"},
	}

	for _, tt := range tests {
		data, issue := testParser().ParseExtraction(`{"currency": "` + tt.raw + `", "confidence": 0.5}`)

		require.Nil(t, issue, "currency %q", tt.raw)
		assert.Equal(t, tt.want, data.Currency, "currency %q", tt.raw)
	}
}

func TestParseExtraction_PriceUSDFilledForUSDQuotes(t *testing.T) {
	data, issue := testParser().ParseExtraction(`{"quoted_price": 4.5, "currency": "$", "confidence": 0.9}`)

	require.Nil(t, issue)
	assert.Equal(t, "USD", data.Currency)
	assert.Equal(t, fp(4.5), data.PriceUSD)
}

func TestParseExtraction_PriceUSDNotInventedForOtherCurrencies(t *testing.T) {
	data, issue := testParser().ParseExtraction(`{"quoted_price": 32.0, "currency": "RMB", "confidence": 0.9}`)

	require.Nil(t, issue)
	assert.Equal(t, "CNY", data.Currency)
	assert.Nil(t, data.PriceUSD)
}

func TestParseExtraction_ConfidenceClamped(t *testing.T) {
	data, issue := testParser().ParseExtraction(`{"confidence": 1.4}`)
	require.Nil(t, issue)
	assert.Equal(t, 1.0, data.Confidence)

	data, issue = testParser().ParseExtraction(`{"confidence": -0.2}`)
	require.Nil(t, issue)
	assert.Equal(t, 0.0, data.Confidence)
}

func TestParseExtraction_MistypedFieldIsValidationFailure(t *testing.T) {
	_, issue := testParser().ParseExtraction(`{"quoted_price": {"amount": 4.5}, "confidence": 0.9}`)

	require.NotNil(t, issue)
	assert.Equal(t, IssueValidationFailure, issue.Kind)
	assert.Contains(t, issue.Detail, "quoted_price")
}

func TestParseExtraction_NonNumericStringIsValidationFailure(t *testing.T) {
	_, issue := testParser().ParseExtraction(`{"quoted_price": "pretty cheap", "confidence": 0.9}`)

	require.NotNil(t, issue)
	assert.Equal(t, IssueValidationFailure, issue.Kind)
	assert.Contains(t, issue.Detail, "not numeric")
}

func TestParseExtraction_MalformedJSONIsParseFailure(t *testing.T) {
	_, issue := testParser().ParseExtraction(`{"quoted_price": 4.5,,}`)

	require.NotNil(t, issue)
	assert.Equal(t, IssueParseFailure, issue.Kind)
	assert.Contains(t, issue.Detail, "invalid JSON")
}

func TestParseExtraction_NoJSONIsParseFailure(t *testing.T) {
	_, issue := testParser().ParseExtraction("The supplier offered four fifty per unit.")

	require.NotNil(t, issue)
	assert.Equal(t, IssueParseFailure, issue.Kind)
	assert.Contains(t, issue.Detail, "no JSON object found")
}

func TestParseIssue_DetailTruncated(t *testing.T) {
	_, issue := testParser().ParseExtraction(strings.Repeat("supplier prose ", 40))

	require.NotNil(t, issue)
	assert.True(t, strings.HasSuffix(issue.Detail, "..."))
	assert.Less(t, len(issue.Detail), 250)
}

func TestParseExtraction_Idempotent(t *testing.T) {
	raw := `{"quoted_price": "4.50", "currency": "rmb", "minimum_order_quantity": 500.4, "confidence": 1.3, "notes": "ok"}`

	first, issue := testParser().ParseExtraction(raw)
	require.Nil(t, issue)

	serialized, err := json.Marshal(first)
	require.NoError(t, err)

	second, issue := testParser().ParseExtraction(string(serialized))
	require.Nil(t, issue)

	first.Raw, second.Raw = nil, nil
	assert.Equal(t, first, second)
}

// ============================================================================
// Escalation Parsing Tests
// ============================================================================

func TestParseEscalation_Success(t *testing.T) {
	raw := `{"should_escalate": true, "severity": "HIGH", "matched_triggers": ["MOQ above limit"], "reasoning": "MOQ of 2000 exceeds the configured limit"}`

	op, issue := testParser().ParseEscalation(raw)

	require.Nil(t, issue)
	assert.True(t, op.ShouldEscalate)
	assert.Equal(t, "high", op.Severity)
	assert.Equal(t, []string{"MOQ above limit"}, op.MatchedTriggers)
	assert.Contains(t, op.Reasoning, "2000")
}

func TestParseEscalation_MissingShouldEscalate(t *testing.T) {
	_, issue := testParser().ParseEscalation(`{"severity": "low"}`)

	require.NotNil(t, issue)
	assert.Equal(t, IssueValidationFailure, issue.Kind)
	assert.Contains(t, issue.Detail, "should_escalate")
}

func TestParseEscalation_BooleanStringCoerced(t *testing.T) {
	op, issue := testParser().ParseEscalation(`{"should_escalate": "true"}`)

	require.Nil(t, issue)
	assert.True(t, op.ShouldEscalate)
}

func TestParseEscalation_SeverityDefaults(t *testing.T) {
	op, issue := testParser().ParseEscalation(`{"should_escalate": true}`)
	require.Nil(t, issue)
	assert.Equal(t, "high", op.Severity)

	op, issue = testParser().ParseEscalation(`{"should_escalate": false}`)
	require.Nil(t, issue)
	assert.Equal(t, "low", op.Severity)
}

func TestParseEscalation_SingleTriggerStringTolerated(t *testing.T) {
	op, issue := testParser().ParseEscalation(`{"should_escalate": true, "matched_triggers": "price above cap"}`)

	require.Nil(t, issue)
	assert.Equal(t, []string{"price above cap"}, op.MatchedTriggers)
}

// ============================================================================
// Needs Parsing Tests
// ============================================================================

func TestParseNeeds_Success(t *testing.T) {
	raw := `{"missing_fields": ["shipping terms", "warranty"], "clarification_questions": ["What are your shipping terms?"]}`

	n, issue := testParser().ParseNeeds(raw)

	require.Nil(t, issue)
	assert.Equal(t, []string{"shipping terms", "warranty"}, n.MissingFields)
	assert.Len(t, n.ClarificationQuestions, 1)
}

func TestParseNeeds_EmptyObjectMeansNothingMissing(t *testing.T) {
	n, issue := testParser().ParseNeeds(`{}`)

	require.Nil(t, issue)
	assert.Empty(t, n.MissingFields)
	assert.Empty(t, n.ClarificationQuestions)
}

func TestParseNeeds_WrongTypeIsValidationFailure(t *testing.T) {
	_, issue := testParser().ParseNeeds(`{"missing_fields": 7}`)

	require.NotNil(t, issue)
	assert.Equal(t, IssueValidationFailure, issue.Kind)
}

// ============================================================================
// Synthesis Parsing Tests
// ============================================================================

func TestParseSynthesis_ReadyDecision(t *testing.T) {
	raw := `{"ready_to_act": true, "action": "counter", "reasoning": "Price above target", "counter_terms": {"target_price": "4.00", "target_quantity": 1000}, "confidence": 0.85}`

	dec, issue := testParser().ParseSynthesis(raw)

	require.Nil(t, issue)
	assert.True(t, dec.ReadyToAct)
	assert.Equal(t, ActionCounter, dec.Action)
	require.NotNil(t, dec.CounterTerms)
	assert.Equal(t, fp(4.00), dec.CounterTerms.TargetPrice)
	assert.Equal(t, ip(1000), dec.CounterTerms.TargetQuantity)
	assert.InDelta(t, 0.85, dec.Confidence, 0.0001)
}

func TestParseSynthesis_ReconsultDecision(t *testing.T) {
	raw := `{"ready_to_act": false, "reasoning": "Need escalation review", "next_expert": "Escalation", "question_for_expert": "Does the new MOQ trip any trigger?"}`

	dec, issue := testParser().ParseSynthesis(raw)

	require.Nil(t, issue)
	assert.False(t, dec.ReadyToAct)
	assert.Equal(t, ExpertEscalation, dec.NextExpert)
	assert.NotEmpty(t, dec.QuestionForExpert)
}

func TestParseSynthesis_MissingReadyToAct(t *testing.T) {
	_, issue := testParser().ParseSynthesis(`{"action": "accept", "reasoning": "fine"}`)

	require.NotNil(t, issue)
	assert.Equal(t, IssueValidationFailure, issue.Kind)
	assert.Contains(t, issue.Detail, "ready_to_act")
}

func TestParseSynthesis_UnknownActionRejectedWhenReady(t *testing.T) {
	_, issue := testParser().ParseSynthesis(`{"ready_to_act": true, "action": "ponder", "reasoning": "hmm"}`)

	require.NotNil(t, issue)
	assert.Equal(t, IssueValidationFailure, issue.Kind)
	assert.Contains(t, issue.Detail, "ponder")
}

func TestParseSynthesis_ActionOptionalWhenNotReady(t *testing.T) {
	dec, issue := testParser().ParseSynthesis(`{"ready_to_act": false, "reasoning": "still gathering", "next_expert": "needs"}`)

	require.Nil(t, issue)
	assert.Empty(t, string(dec.Action))
}

func TestParseSynthesis_BareNewlineInReasoningRepaired(t *testing.T) {
	raw := "{\"ready_to_act\": true, \"action\": \"escalate\", \"reasoning\": \"two conditions:\nMOQ and price\"}"

	dec, issue := testParser().ParseSynthesis(raw)

	require.Nil(t, issue)
	assert.Contains(t, dec.Reasoning, "MOQ and price")
}
