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
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ParseIssueKind distinguishes malformed model output from output that
// is valid JSON but violates the expected schema. The two are handled
// differently upstream, so the distinction is load-bearing.
type ParseIssueKind string

const (
	IssueParseFailure      ParseIssueKind = "parse_failure"
	IssueValidationFailure ParseIssueKind = "validation_failure"
)

// ParseIssue is the parser's only failure mode. The parser never
// panics; every malformed input maps to a typed issue whose Detail
// carries a truncated copy of the offending text for debugging.
type ParseIssue struct {
	Kind   ParseIssueKind `json:"kind"`
	Detail string         `json:"detail"`
}

func (i *ParseIssue) Error() string {
	return fmt.Sprintf("%s: %s", i.Kind, i.Detail)
}

// parseDetailLimit caps how much offending text a ParseIssue carries.
const parseDetailLimit = 160

// Parser turns raw model text into typed expert outputs. Models return
// JSON wrapped in markdown fences, prose, or with bare newlines inside
// string values; the parser tolerates all of that. Instances are
// stateless after construction and safe for concurrent use.
type Parser struct {
	currencyAliases map[string]string
}

// NewParser builds a parser with the given currency alias table
// (alias, upper or lower case, to ISO 4217 code). A nil table disables
// alias normalization; unknown currencies pass through uppercased.
func NewParser(aliases map[string]string) *Parser {
	table := make(map[string]string, len(aliases))
	for alias, code := range aliases {
		table[strings.ToUpper(strings.TrimSpace(alias))] = strings.ToUpper(strings.TrimSpace(code))
	}
	return &Parser{currencyAliases: table}
}

// ParseExtraction maps raw extraction output to ExtractedQuoteData.
// Numeric fields sent as strings are coerced, sentinel strings such as
// "n/a" become absent, quantity and day fields are rounded to integers,
// the currency is alias-normalized, and confidence is clamped to [0,1].
func (p *Parser) ParseExtraction(raw string) (*ExtractedQuoteData, *ParseIssue) {
	m, obj, issue := decodeObject(raw)
	if issue != nil {
		return nil, issue
	}

	d := &ExtractedQuoteData{Raw: json.RawMessage(obj)}

	var iss *ParseIssue
	if d.QuotedPrice, iss = floatField(m, "quoted_price"); iss != nil {
		return nil, iss
	}
	if d.PriceUSD, iss = floatField(m, "price_usd"); iss != nil {
		return nil, iss
	}
	if d.AvailableQuantity, iss = intField(m, "available_quantity"); iss != nil {
		return nil, iss
	}
	if d.MinimumOrderQuantity, iss = intField(m, "minimum_order_quantity"); iss != nil {
		return nil, iss
	}
	if d.LeadTimeMinDays, iss = intField(m, "lead_time_min_days"); iss != nil {
		return nil, iss
	}
	if d.LeadTimeMaxDays, iss = intField(m, "lead_time_max_days"); iss != nil {
		return nil, iss
	}

	var currency string
	if currency, iss = stringField(m, "currency"); iss != nil {
		return nil, iss
	}
	d.Currency = p.normalizeCurrency(currency)

	if d.PaymentTerms, iss = stringField(m, "payment_terms"); iss != nil {
		return nil, iss
	}
	if d.QuoteValidity, iss = stringField(m, "quote_validity"); iss != nil {
		return nil, iss
	}
	if d.Notes, iss = stringField(m, "notes"); iss != nil {
		return nil, iss
	}

	conf, _, iss := numberValue("confidence", m["confidence"])
	if iss != nil {
		return nil, iss
	}
	d.Confidence = clamp01(conf)

	// A USD quote fixes price_usd by definition. Other currencies stay
	// unconverted; conversion is out of scope for extraction.
	if d.PriceUSD == nil && d.QuotedPrice != nil && d.Currency == "USD" {
		v := *d.QuotedPrice
		d.PriceUSD = &v
	}

	return d, nil
}

// ParseEscalation maps raw escalation output to an EscalationOpinion.
// should_escalate is required; a missing severity defaults toward
// caution (high when escalating, low otherwise).
func (p *Parser) ParseEscalation(raw string) (*EscalationOpinion, *ParseIssue) {
	m, _, issue := decodeObject(raw)
	if issue != nil {
		return nil, issue
	}

	should, present, iss := boolValue("should_escalate", m["should_escalate"])
	if iss != nil {
		return nil, iss
	}
	if !present {
		return nil, validationFailure(`missing required field "should_escalate"`, raw)
	}

	op := &EscalationOpinion{ShouldEscalate: should}

	if op.Severity, iss = stringField(m, "severity"); iss != nil {
		return nil, iss
	}
	op.Severity = strings.ToLower(op.Severity)
	if op.Severity == "" {
		if op.ShouldEscalate {
			op.Severity = "high"
		} else {
			op.Severity = "low"
		}
	}

	if op.MatchedTriggers, iss = stringSliceField(m, "matched_triggers"); iss != nil {
		return nil, iss
	}
	if op.Reasoning, iss = stringField(m, "reasoning"); iss != nil {
		return nil, iss
	}
	return op, nil
}

// ParseNeeds maps raw needs-analysis output to a NeedsAssessment. Both
// lists are optional; an empty object is a valid "nothing missing".
func (p *Parser) ParseNeeds(raw string) (*NeedsAssessment, *ParseIssue) {
	m, _, issue := decodeObject(raw)
	if issue != nil {
		return nil, issue
	}

	n := &NeedsAssessment{}
	var iss *ParseIssue
	if n.MissingFields, iss = stringSliceField(m, "missing_fields"); iss != nil {
		return nil, iss
	}
	if n.ClarificationQuestions, iss = stringSliceField(m, "clarification_questions"); iss != nil {
		return nil, iss
	}
	return n, nil
}

// ParseSynthesis maps raw synthesis output to a SynthesisDecision.
// ready_to_act is required, and when it is true the action must be one
// of the four known actions.
func (p *Parser) ParseSynthesis(raw string) (*SynthesisDecision, *ParseIssue) {
	m, _, issue := decodeObject(raw)
	if issue != nil {
		return nil, issue
	}

	ready, present, iss := boolValue("ready_to_act", m["ready_to_act"])
	if iss != nil {
		return nil, iss
	}
	if !present {
		return nil, validationFailure(`missing required field "ready_to_act"`, raw)
	}

	dec := &SynthesisDecision{ReadyToAct: ready}

	var action string
	if action, iss = stringField(m, "action"); iss != nil {
		return nil, iss
	}
	dec.Action = AgentAction(strings.ToLower(action))
	if dec.ReadyToAct && !dec.Action.Valid() {
		return nil, validationFailure(fmt.Sprintf("action %q is not one of accept, counter, escalate, clarify", action), raw)
	}

	if dec.Reasoning, iss = stringField(m, "reasoning"); iss != nil {
		return nil, iss
	}
	if dec.NextExpert, iss = stringField(m, "next_expert"); iss != nil {
		return nil, iss
	}
	dec.NextExpert = strings.ToLower(dec.NextExpert)
	if dec.QuestionForExpert, iss = stringField(m, "question_for_expert"); iss != nil {
		return nil, iss
	}

	if rawTerms, ok := m["counter_terms"]; ok && rawTerms != nil {
		terms, ok := rawTerms.(map[string]any)
		if !ok {
			return nil, validationFailure(`field "counter_terms" must be an object`, raw)
		}
		ct := &CounterTerms{}
		if ct.TargetPrice, iss = floatField(terms, "target_price"); iss != nil {
			return nil, iss
		}
		if ct.TargetQuantity, iss = intField(terms, "target_quantity"); iss != nil {
			return nil, iss
		}
		if ct.OtherTerms, iss = stringField(terms, "other_terms"); iss != nil {
			return nil, iss
		}
		dec.CounterTerms = ct
	}

	conf, _, iss := numberValue("confidence", m["confidence"])
	if iss != nil {
		return nil, iss
	}
	dec.Confidence = clamp01(conf)

	return dec, nil
}

func (p *Parser) normalizeCurrency(raw string) string {
	c := strings.ToUpper(strings.TrimSpace(raw))
	if c == "" {
		return ""
	}
	if code, ok := p.currencyAliases[c]; ok {
		return code
	}
	return c
}

// decodeObject runs the lexical half of the pipeline: locate the first
// balanced JSON object, repair bare newlines inside string literals,
// and unmarshal. It returns the parsed map plus the sanitized object
// text so callers can retain it verbatim.
func decodeObject(raw string) (map[string]any, string, *ParseIssue) {
	obj, ok := extractJSONObject(raw)
	if !ok {
		return nil, "", parseFailure("no JSON object found in model output", raw)
	}
	obj = sanitizeStringNewlines(obj)

	var m map[string]any
	if err := json.Unmarshal([]byte(obj), &m); err != nil {
		return nil, "", parseFailure("invalid JSON: "+err.Error(), obj)
	}
	return m, obj, nil
}

// extractJSONObject returns the first balanced JSON object in s. The
// scan counts brace depth, ignores braces inside string literals, and
// honors backslash escapes, so fenced or prose-wrapped output and
// string values containing braces all resolve correctly.
func extractJSONObject(s string) (string, bool) {
	for start := 0; start < len(s); {
		i := strings.IndexByte(s[start:], '{')
		if i < 0 {
			return "", false
		}
		i += start
		if obj, ok := scanBalanced(s, i); ok {
			return obj, true
		}
		start = i + 1
	}
	return "", false
}

func scanBalanced(s string, from int) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := from; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[from : i+1], true
			}
		}
	}
	return "", false
}

// sanitizeStringNewlines escapes bare newlines and carriage returns
// that appear inside string literals. Models emit these in multi-line
// notes fields and encoding/json correctly rejects them, so they are
// repaired before unmarshaling. Already-escaped sequences pass through
// untouched, which keeps the repair idempotent.
func sanitizeStringNewlines(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			case c == '\n':
				b.WriteString(`\n`)
				continue
			case c == '\r':
				b.WriteString(`\r`)
				continue
			}
			b.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = true
		}
		b.WriteByte(c)
	}
	return b.String()
}

// absentTokens are string values models use to mean "no value". They
// coerce to absent rather than failing validation.
var absentTokens = map[string]bool{
	"n/a":     true,
	"na":      true,
	"none":    true,
	"null":    true,
	"unknown": true,
	"-":       true,
}

// numberValue coerces a decoded JSON value to a float64. Numeric
// strings are converted, sentinel strings and nil mean absent, and
// anything else is a validation failure.
func numberValue(field string, v any) (float64, bool, *ParseIssue) {
	switch t := v.(type) {
	case nil:
		return 0, false, nil
	case float64:
		return t, true, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" || absentTokens[strings.ToLower(s)] {
			return 0, false, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, validationFailure(fmt.Sprintf("field %q is not numeric", field), s)
		}
		return f, true, nil
	default:
		return 0, false, validationFailure(fmt.Sprintf("field %q must be a number", field), fmt.Sprintf("%v", v))
	}
}

func boolValue(field string, v any) (bool, bool, *ParseIssue) {
	switch t := v.(type) {
	case nil:
		return false, false, nil
	case bool:
		return t, true, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes":
			return true, true, nil
		case "false", "no":
			return false, true, nil
		}
		return false, false, validationFailure(fmt.Sprintf("field %q is not a boolean", field), t)
	default:
		return false, false, validationFailure(fmt.Sprintf("field %q must be a boolean", field), fmt.Sprintf("%v", v))
	}
}

func stringValue(field string, v any) (string, *ParseIssue) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		return "", validationFailure(fmt.Sprintf("field %q must be a string", field), fmt.Sprintf("%v", v))
	}
}

func floatField(m map[string]any, field string) (*float64, *ParseIssue) {
	f, present, iss := numberValue(field, m[field])
	if iss != nil || !present {
		return nil, iss
	}
	return &f, nil
}

// intField coerces like floatField and rounds to the nearest integer,
// since quantities and day counts are conceptually integral even when
// models send them as 14.0 or "14".
func intField(m map[string]any, field string) (*int, *ParseIssue) {
	f, present, iss := numberValue(field, m[field])
	if iss != nil || !present {
		return nil, iss
	}
	n := int(math.Round(f))
	return &n, nil
}

func stringField(m map[string]any, field string) (string, *ParseIssue) {
	return stringValue(field, m[field])
}

func stringSliceField(m map[string]any, field string) ([]string, *ParseIssue) {
	switch t := m[field].(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, el := range t {
			s, iss := stringValue(field, el)
			if iss != nil {
				return nil, iss
			}
			if s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	case string:
		// A lone string where a list belongs is tolerated as one entry.
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}, nil
		}
		return nil, nil
	default:
		return nil, validationFailure(fmt.Sprintf("field %q must be a list of strings", field), fmt.Sprintf("%v", t))
	}
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func parseFailure(msg, offending string) *ParseIssue {
	return &ParseIssue{Kind: IssueParseFailure, Detail: issueDetail(msg, offending)}
}

func validationFailure(msg, offending string) *ParseIssue {
	return &ParseIssue{Kind: IssueValidationFailure, Detail: issueDetail(msg, offending)}
}

func issueDetail(msg, offending string) string {
	off := truncateForLog(offending)
	if off == "" {
		return msg
	}
	return msg + ": " + off
}

func truncateForLog(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= parseDetailLimit {
		return s
	}
	cut := parseDetailLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
