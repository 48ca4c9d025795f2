package ai

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/camuig/arena-trader/internal/storage"
)

var thinkTagRegex = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinkTags removes reasoning-model <think> blocks from the response.
func StripThinkTags(text string) string {
	return strings.TrimSpace(thinkTagRegex.ReplaceAllString(text, ""))
}

// flexNumber accepts 12, 12.5 and "12.5".
type flexNumber float64

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimPrefix(s, "$"), 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	*n = flexNumber(v)
	return nil
}

type rawDecision struct {
	Action                string      `json:"action"`
	Symbol                string      `json:"symbol"`
	Ticker                string      `json:"ticker"`
	Quantity              flexNumber  `json:"quantity"`
	Amount                flexNumber  `json:"amount"`
	Reasoning             string      `json:"reasoning"`
	Confidence            flexNumber  `json:"confidence"`
	RiskAssessment        string      `json:"risk_assessment"`
	TargetPrice           *flexNumber `json:"target_price"`
	StopLoss              *flexNumber `json:"stop_loss"`
	InvalidationCondition string      `json:"invalidation_condition"`
}

func (r rawDecision) decision() *Decision {
	d := &Decision{
		Action:                storage.ParseAction(r.Action),
		Symbol:                strings.ToUpper(strings.TrimSpace(r.Symbol)),
		Quantity:              float64(r.Quantity),
		Amount:                float64(r.Amount),
		Reasoning:             strings.TrimSpace(r.Reasoning),
		RiskAssessment:        r.RiskAssessment,
		InvalidationCondition: r.InvalidationCondition,
	}
	if d.Symbol == "" {
		d.Symbol = strings.ToUpper(strings.TrimSpace(r.Ticker))
	}
	conf := float64(r.Confidence)
	if conf > 0 && conf <= 1 {
		conf *= 100 // 0.75 style
	}
	d.Confidence = int(math.Round(min(max(conf, 0), 100)))
	if r.TargetPrice != nil && *r.TargetPrice > 0 {
		v := float64(*r.TargetPrice)
		d.TargetPrice = &v
	}
	if r.StopLoss != nil && *r.StopLoss > 0 {
		v := float64(*r.StopLoss)
		d.StopLoss = &v
	}
	if d.Action == storage.ActionHold {
		d.Quantity, d.Amount = 0, 0
	}
	return d
}

// ParseDecision extracts one decision from a model reply.
// Handles: bare JSON object, markdown code fences, prose around the JSON and
// a one-element array.
func ParseDecision(text string) (*Decision, error) {
	cleaned := StripThinkTags(text)

	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return nil, fmt.Errorf("empty model response")
	}

	var single rawDecision
	if err := json.Unmarshal([]byte(cleaned), &single); err == nil {
		return single.decision(), nil
	}

	var many []rawDecision
	if err := json.Unmarshal([]byte(cleaned), &many); err == nil {
		if len(many) == 0 {
			return Hold("no opportunities"), nil
		}
		return many[0].decision(), nil
	}

	// Try extracting a JSON object from the text
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), &single); err == nil {
			return single.decision(), nil
		}
	}

	return nil, fmt.Errorf("failed to parse model response as JSON: %.200s", cleaned)
}
