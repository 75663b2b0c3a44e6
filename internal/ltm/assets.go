package ltm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemosyne/internal/provider"
)

// Asset is a structured cognitive asset distilled from raw text.
type Asset struct {
	Agent         string `json:"agent"`
	Action        string `json:"action"`
	CoreStatement string `json:"core_statement"`
	Context       string `json:"context,omitempty"`
	Importance    int    `json:"importance"`
	Confidence    int    `json:"confidence"`
}

// Weight collapses importance and confidence into a single [0,1] factor
// used when deriving graph edge weights.
func (a Asset) Weight() float64 {
	return float64(a.Importance*a.Confidence) / 100.0
}

const extractorSystemPrompt = `You distill conversation fragments into cognitive assets.
A cognitive asset captures one discrete claim: who (agent), did or stated what
(action), and the claim itself (core_statement), with optional context.
Rate each asset's importance and confidence on a 1-10 integer scale.
Respond with a JSON object of the form {"assets": [...]} and nothing else.
Each element must have the keys: agent, action, core_statement, context,
importance, confidence. If the text contains no extractable claim, respond
with {"assets": []}.`

// Completer issues one LLM call. Satisfied by provider.Gateway.
type Completer interface {
	Complete(ctx context.Context, req *provider.Request) (*provider.Response, error)
}

// Extractor turns unstructured text into cognitive assets through a single
// structured LLM call.
type Extractor struct {
	completer Completer
	logger    *zap.Logger
}

// NewExtractor builds an extractor over the provider gateway.
func NewExtractor(completer Completer, logger *zap.Logger) *Extractor {
	return &Extractor{completer: completer, logger: logger}
}

type rawAsset struct {
	Agent         string `json:"agent"`
	Action        string `json:"action"`
	CoreStatement string `json:"core_statement"`
	Context       string `json:"context"`
	Importance    *int   `json:"importance"`
	Confidence    *int   `json:"confidence"`
}

type extractionEnvelope struct {
	Assets []rawAsset `json:"assets"`
}

// Extract runs one extraction call and returns every valid asset in the
// response. Invalid elements are dropped individually; if nothing survives,
// or the envelope itself cannot be parsed, ErrNoAsset. Provider failures
// pass through wrapped so callers can distinguish "nothing there" from
// "could not look".
func (e *Extractor) Extract(ctx context.Context, text string) ([]Asset, error) {
	resp, err := e.completer.Complete(ctx, &provider.Request{
		Messages: []provider.Message{
			{Role: "system", Content: extractorSystemPrompt},
			{Role: "user", Content: text},
		},
		Temperature:  0.1,
		JSONResponse: true,
	})
	if err != nil {
		return nil, fmt.Errorf("asset extraction: %w", err)
	}

	var envelope extractionEnvelope
	content := strings.TrimSpace(resp.Content)
	if err := json.Unmarshal([]byte(content), &envelope); err != nil {
		// Some models wrap the object in a fenced block despite the
		// JSON response format. Strip and retry once.
		stripped := stripFence(content)
		if err2 := json.Unmarshal([]byte(stripped), &envelope); err2 != nil {
			// An envelope the model garbled means no assets were found,
			// not that the call failed.
			e.logger.Warn("unparseable extraction envelope",
				zap.Error(err),
				zap.String("content", content))
			return nil, ErrNoAsset
		}
	}

	assets := make([]Asset, 0, len(envelope.Assets))
	for _, raw := range envelope.Assets {
		a, ok := validateAsset(raw)
		if !ok {
			e.logger.Debug("discarded malformed asset",
				zap.String("agent", raw.Agent),
				zap.String("action", raw.Action))
			continue
		}
		assets = append(assets, a)
	}
	if len(assets) == 0 {
		return nil, ErrNoAsset
	}
	return assets, nil
}

// validateAsset enforces the asset contract: agent, action and core_statement
// are required; importance and confidence must be present and are clamped
// into [1,10].
func validateAsset(raw rawAsset) (Asset, bool) {
	agent := strings.TrimSpace(raw.Agent)
	action := strings.TrimSpace(raw.Action)
	statement := strings.TrimSpace(raw.CoreStatement)
	if agent == "" || action == "" || statement == "" {
		return Asset{}, false
	}
	if raw.Importance == nil || raw.Confidence == nil {
		return Asset{}, false
	}
	return Asset{
		Agent:         agent,
		Action:        action,
		CoreStatement: statement,
		Context:       strings.TrimSpace(raw.Context),
		Importance:    clampScale(*raw.Importance),
		Confidence:    clampScale(*raw.Confidence),
	}, true
}

func clampScale(v int) int {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
