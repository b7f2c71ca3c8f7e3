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
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Guardrail rule identifiers, used in check reports and logs.
const (
	RuleExtractionFailed        = "extraction_failed"
	RuleLowConfidence           = "low_confidence"
	RuleDiscontinuationKeyword  = "discontinuation_keyword"
	RuleSynthesisErrorText      = "synthesis_error_text"
	RuleTriggerViolation        = "trigger_violation"
	RuleUnsubstantiatedEscalate = "unsubstantiated_escalation"
	RuleRangeViolation          = "range_violation"
)

// Guardrails is the deterministic check layer around synthesis. The
// model proposes; these checks dispose. Pre-synthesis checks stop a
// turn before a synthesis call is spent on doomed input, post-synthesis
// checks enforce the merchant's numeric rules over whatever the model
// concluded.
//
// The rule parsing here is intentionally heuristic: it recognizes the
// comparative phrasings merchants actually write ("exceeds", "above",
// ">") followed by a number, not general natural language. Trigger text
// the regexes cannot read is still seen by the escalation expert.
type Guardrails struct {
	confidenceFloor float64
	keywords        []string
	logger          *log.Logger
}

// NewGuardrails creates the check layer. keywords are matched
// case-insensitively as substrings of the extracted notes field.
func NewGuardrails(confidenceFloor float64, keywords []string, logger *log.Logger) *Guardrails {
	if logger == nil {
		logger = log.New(os.Stdout, "[GUARDRAILS] ", log.LstdFlags)
	}
	return &Guardrails{
		confidenceFloor: confidenceFloor,
		keywords:        keywords,
		logger:          logger,
	}
}

// PreSynthesis evaluates this turn's extraction before any synthesis
// call is made. A non-nil evaluation is a final escalate decision and
// the turn must skip synthesis. The returned checks record every rule
// consulted, fired or not, and feed the final report either way.
func (g *Guardrails) PreSynthesis(extraction *ExtractionResult) (*PolicyEvaluation, []GuardrailCheck) {
	var checks []GuardrailCheck

	if extraction == nil || !extraction.Success || extraction.Data == nil {
		cause := "no structured data produced"
		if extraction != nil && extraction.Error != "" {
			cause = extraction.Error
		}
		reason := fmt.Sprintf("Extraction failed: %s", cause)
		checks = append(checks, GuardrailCheck{Rule: RuleExtractionFailed, Fired: true, Detail: cause})
		g.logger.Printf("%s fired: %s", RuleExtractionFailed, cause)
		return g.forcedEscalation(reason, "", checks), checks
	}
	checks = append(checks, GuardrailCheck{Rule: RuleExtractionFailed, Fired: false})

	data := extraction.Data
	if data.Confidence < g.confidenceFloor {
		detail := fmt.Sprintf("confidence %.2f below floor %.2f", data.Confidence, g.confidenceFloor)
		reason := fmt.Sprintf("Extraction confidence %.2f is below the %.2f floor; deferring to a human reviewer.",
			data.Confidence, g.confidenceFloor)
		checks = append(checks, GuardrailCheck{Rule: RuleLowConfidence, Fired: true, Detail: detail})
		g.logger.Printf("%s fired: %s", RuleLowConfidence, detail)
		return g.forcedEscalation(reason, "", checks), checks
	}
	checks = append(checks, GuardrailCheck{Rule: RuleLowConfidence, Fired: false})

	if keyword := g.matchKeyword(data.Notes); keyword != "" {
		detail := fmt.Sprintf("notes mention %q", keyword)
		reason := fmt.Sprintf("Supplier note mentions %q: %q. Escalating for sourcing review.", keyword, data.Notes)
		checks = append(checks, GuardrailCheck{Rule: RuleDiscontinuationKeyword, Fired: true, Detail: detail})
		g.logger.Printf("%s fired: %s", RuleDiscontinuationKeyword, detail)
		return g.forcedEscalation(reason, "", checks), checks
	}
	checks = append(checks, GuardrailCheck{Rule: RuleDiscontinuationKeyword, Fired: false})

	return nil, checks
}

// PostSynthesis applies the deterministic rules to the model's proposed
// decision and returns the final evaluation. checks carries the rows
// accumulated by PreSynthesis so the report covers the whole turn.
func (g *Guardrails) PostSynthesis(dec *SynthesisDecision, data *ExtractedQuoteData, order OrderInformation, checks []GuardrailCheck) *PolicyEvaluation {
	// Failure text in the reasoning means an upstream substitution or a
	// model reporting its own inability. Never act on such a turn.
	lowered := strings.ToLower(dec.Reasoning)
	if strings.Contains(lowered, "failed") || strings.Contains(lowered, "unparseable") {
		checks = append(checks, GuardrailCheck{Rule: RuleSynthesisErrorText, Fired: true, Detail: truncateForLog(dec.Reasoning)})
		g.logger.Printf("%s fired on reasoning: %s", RuleSynthesisErrorText, truncateForLog(dec.Reasoning))
		reason := fmt.Sprintf("Synthesis reported a failure: %s", dec.Reasoning)
		return g.override(dec, ActionEscalate, reason, checks)
	}

	triggers := parseNumericTriggers(order.EscalationTriggers)
	if len(triggers) > 0 {
		if fired := evaluateTriggers(triggers, data); len(fired) > 0 {
			detail := strings.Join(fired, "; ")
			checks = append(checks, GuardrailCheck{Rule: RuleTriggerViolation, Fired: true, Detail: detail})
			g.logger.Printf("%s fired: %s (model proposed %q)", RuleTriggerViolation, detail, dec.Action)
			reason := fmt.Sprintf("Deterministic trigger check: %s. Model proposed %q; escalation triggers are authoritative.",
				detail, dec.Action)
			return g.override(dec, ActionEscalate, reason, checks)
		}
		checks = append(checks, GuardrailCheck{Rule: RuleTriggerViolation, Fired: false})
	}

	lowText, highText, high, hasRange := parsePriceRange(order.NegotiationRules)

	// An escalation no deterministic trigger substantiates is noise for
	// a human queue; downgrade it to a counter.
	if dec.Action == ActionEscalate {
		checks = append(checks, GuardrailCheck{Rule: RuleUnsubstantiatedEscalate, Fired: true, Detail: "no deterministic trigger fired"})
		g.logger.Printf("%s fired: model escalation had no matching trigger", RuleUnsubstantiatedEscalate)
		if hasRange && data != nil && data.PriceUSD != nil && *data.PriceUSD > high {
			reason := fmt.Sprintf("Model proposed escalation without a matching trigger; price $%.2f is above the acceptable range $%s-$%s, countering toward the range instead.",
				*data.PriceUSD, lowText, highText)
			return g.override(dec, ActionCounter, reason, checks)
		}
		reason := "Model proposed escalation but no deterministic trigger fired; downgraded to a counter offer. Model reasoning: " + dec.Reasoning
		return g.override(dec, ActionCounter, reason, checks)
	}

	if dec.Action == ActionAccept && hasRange && data != nil && data.PriceUSD != nil {
		if *data.PriceUSD > high {
			detail := fmt.Sprintf("price %.2f above range upper bound %s", *data.PriceUSD, highText)
			checks = append(checks, GuardrailCheck{Rule: RuleRangeViolation, Fired: true, Detail: detail})
			g.logger.Printf("%s fired: %s", RuleRangeViolation, detail)
			reason := fmt.Sprintf("Model proposed accept at $%.2f, above the acceptable range $%s-$%s; countering toward the range.",
				*data.PriceUSD, lowText, highText)
			return g.override(dec, ActionCounter, reason, checks)
		}
		checks = append(checks, GuardrailCheck{Rule: RuleRangeViolation, Fired: false})
	}

	// Nothing fired; the model's decision stands verbatim.
	return &PolicyEvaluation{
		Action:        dec.Action,
		Reasoning:     dec.Reasoning,
		Overridden:    false,
		ModelProposed: dec.Action,
		Checks:        checks,
	}
}

// forcedEscalation builds an evaluation for a pre-synthesis stop. There
// is no model decision yet, so ModelProposed stays empty.
func (g *Guardrails) forcedEscalation(reason string, modelProposed AgentAction, checks []GuardrailCheck) *PolicyEvaluation {
	return &PolicyEvaluation{
		Action:        ActionEscalate,
		Reasoning:     reason,
		Overridden:    modelProposed != "" && modelProposed != ActionEscalate,
		ModelProposed: modelProposed,
		Checks:        checks,
	}
}

// override replaces the model's action while keeping the distinction
// between what the model proposed and what the rules decided.
func (g *Guardrails) override(dec *SynthesisDecision, action AgentAction, reason string, checks []GuardrailCheck) *PolicyEvaluation {
	return &PolicyEvaluation{
		Action:        action,
		Reasoning:     reason,
		Overridden:    dec.Action != action,
		ModelProposed: dec.Action,
		Checks:        checks,
	}
}

func (g *Guardrails) matchKeyword(notes string) string {
	if notes == "" {
		return ""
	}
	lowered := strings.ToLower(notes)
	for _, keyword := range g.keywords {
		if keyword == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(keyword)) {
			return keyword
		}
	}
	return ""
}

// ============================================================================
// Rule Text Parsing
// ============================================================================

// Trigger subjects the deterministic evaluator understands.
const (
	subjectMOQ      = "moq"
	subjectPrice    = "price"
	subjectLeadTime = "lead_time"
)

// numericTrigger is one comparison parsed out of trigger text. The
// threshold text is kept verbatim so override reasons can quote the
// merchant's own numbers.
type numericTrigger struct {
	Subject       string
	Threshold     float64
	ThresholdText string
	Clause        string
}

var (
	clauseSplitRe = regexp.MustCompile(`[;\n]|\.\s`)
	comparisonRe  = regexp.MustCompile(`(?i)(?:\b(?:exceeds|higher\s+than|greater\s+than|over|above)\b|>)\s*\$?\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)
	priceRangeRe  = regexp.MustCompile(`(?i)acceptable\s+range\s+is\s*\$?\s*([0-9][0-9,]*(?:\.[0-9]+)?)\s*(?:-|–|—|to)\s*\$?\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)
)

// parseNumericTriggers pulls evaluable comparisons out of free-text
// escalation triggers. Clauses whose subject cannot be classified are
// skipped; they remain the escalation expert's job.
func parseNumericTriggers(text string) []numericTrigger {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var triggers []numericTrigger
	for _, clause := range clauseSplitRe.Split(text, -1) {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		m := comparisonRe.FindStringSubmatch(clause)
		if m == nil {
			continue
		}
		subject := classifyTriggerSubject(clause)
		if subject == "" {
			continue
		}
		raw := m[1]
		value, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
		if err != nil {
			continue
		}
		triggers = append(triggers, numericTrigger{
			Subject:       subject,
			Threshold:     value,
			ThresholdText: raw,
			Clause:        clause,
		})
	}
	return triggers
}

func classifyTriggerSubject(clause string) string {
	c := strings.ToLower(clause)
	switch {
	case strings.Contains(c, "moq") || strings.Contains(c, "minimum order"):
		return subjectMOQ
	case strings.Contains(c, "lead time") || strings.Contains(c, "lead-time") || strings.Contains(c, "delivery"):
		return subjectLeadTime
	case strings.Contains(c, "price") || strings.Contains(c, "cost") || strings.Contains(c, "$"):
		return subjectPrice
	}
	return ""
}

// evaluateTriggers checks parsed triggers against extracted data.
// Comparisons are strictly greater-than: a value equal to its threshold
// is compliant. Missing data never fires a trigger.
func evaluateTriggers(triggers []numericTrigger, data *ExtractedQuoteData) []string {
	if data == nil {
		return nil
	}

	var fired []string
	for _, t := range triggers {
		switch t.Subject {
		case subjectMOQ:
			if data.MinimumOrderQuantity != nil && float64(*data.MinimumOrderQuantity) > t.Threshold {
				fired = append(fired, fmt.Sprintf("MOQ %d exceeds the escalation threshold %s",
					*data.MinimumOrderQuantity, t.ThresholdText))
			}
		case subjectPrice:
			if data.PriceUSD != nil && *data.PriceUSD > t.Threshold {
				fired = append(fired, fmt.Sprintf("price $%.2f exceeds the escalation threshold $%s",
					*data.PriceUSD, t.ThresholdText))
			}
		case subjectLeadTime:
			if days := effectiveLeadTime(data); days != nil && float64(*days) > t.Threshold {
				fired = append(fired, fmt.Sprintf("lead time %d days exceeds the escalation threshold %s",
					*days, t.ThresholdText))
			}
		}
	}
	return fired
}

// effectiveLeadTime is the pessimistic lead-time bound: the max when
// stated, otherwise the min.
func effectiveLeadTime(data *ExtractedQuoteData) *int {
	if data.LeadTimeMaxDays != nil {
		return data.LeadTimeMaxDays
	}
	return data.LeadTimeMinDays
}

// parsePriceRange finds an "acceptable range is $X - $Y" directive in
// rule text. The bound texts are returned verbatim for use in reasons.
func parsePriceRange(rules string) (lowText, highText string, high float64, ok bool) {
	m := priceRangeRe.FindStringSubmatch(rules)
	if m == nil {
		return "", "", 0, false
	}
	low, errLow := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	hi, errHigh := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
	if errLow != nil || errHigh != nil {
		return "", "", 0, false
	}
	if low > hi {
		m[1], m[2] = m[2], m[1]
		hi = low
	}
	return m[1], m[2], hi, true
}
