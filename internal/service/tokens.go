package service

import "github.com/Strob0t/ChatGate/internal/port/provider"

const (
	// charsPerToken is the classic ~4-characters-per-token heuristic. Exact
	// tokenizer counts differ per model; billing only needs a stable
	// approximation applied consistently to both directions.
	charsPerToken = 4
	// messageOverhead approximates the per-message framing tokens charged
	// by chat-completion APIs.
	messageOverhead = 4
	// imageTokens is the flat charge assumed for one inlined image part.
	imageTokens = 1000
	// perMillion is the billing-rate denominator: rates are quoted per one
	// million tokens.
	perMillion = 1_000_000
)

// EstimateTokens approximates the token count of a text.
func EstimateTokens(text string) int {
	return len(text) / charsPerToken
}

// PayloadTokens approximates the input token count of a formatted payload:
// per-message overhead plus role and content tokens, with a flat charge per
// image part.
func PayloadTokens(p provider.Payload) int {
	total := 0
	if p.System != "" {
		total += messageOverhead + EstimateTokens(p.System)
	}
	for _, m := range p.Messages {
		total += messageOverhead + EstimateTokens(m.Role)
		for _, part := range m.Parts {
			if part.Type == "image" {
				total += imageTokens
				continue
			}
			total += EstimateTokens(part.Text)
		}
	}
	return total
}

// Rates are the billing prices for one turn, quoted per million tokens. The
// search rate is zero for providers without a per-request search surcharge.
type Rates struct {
	In     float64
	Out    float64
	Search float64
}

// EstimateCost prices one turn: input tokens at the input rate, output tokens
// at the output rate, and, when a search rate is set, the combined count at
// the search rate. The result is never negative for non-negative inputs.
func EstimateCost(inTokens, outTokens int, rates Rates) float64 {
	cost := float64(inTokens)*rates.In/perMillion + float64(outTokens)*rates.Out/perMillion
	if rates.Search > 0 {
		cost += float64(inTokens+outTokens) * rates.Search / perMillion
	}
	return cost
}
