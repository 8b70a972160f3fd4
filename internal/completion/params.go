package completion

import "fmt"

// Params are the sampling parameters sent with each request. Nil fields are
// left to the configured defaults.
type Params struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxTokens       *int     `json:"max_tokens,omitempty"`
	TopP            *float64 `json:"top_p,omitempty"`
	PresencePenalty *float64 `json:"presence_penalty,omitempty"`
}

// BuiltinParams returns the provider defaults used when nothing is configured.
func BuiltinParams() Params {
	return Params{
		Temperature:     Float(0.7),
		MaxTokens:       Int(800),
		TopP:            Float(0.9),
		PresencePenalty: Float(0),
	}
}

// Merge returns p with every non-nil field of override applied on top.
func (p Params) Merge(override *Params) Params {
	if override == nil {
		return p
	}
	merged := p
	if override.Temperature != nil {
		merged.Temperature = Float(*override.Temperature)
	}
	if override.MaxTokens != nil {
		merged.MaxTokens = Int(*override.MaxTokens)
	}
	if override.TopP != nil {
		merged.TopP = Float(*override.TopP)
	}
	if override.PresencePenalty != nil {
		merged.PresencePenalty = Float(*override.PresencePenalty)
	}
	return merged
}

// Validate enforces the provider's accepted ranges.
func (p Params) Validate() error {
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return fmt.Errorf("temperature must be within [0, 2], got %v", *p.Temperature)
	}
	if p.MaxTokens != nil && *p.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be at least 1, got %d", *p.MaxTokens)
	}
	if p.TopP != nil && (*p.TopP < 0 || *p.TopP > 1) {
		return fmt.Errorf("top_p must be within [0, 1], got %v", *p.TopP)
	}
	if p.PresencePenalty != nil && (*p.PresencePenalty < -2 || *p.PresencePenalty > 2) {
		return fmt.Errorf("presence_penalty must be within [-2, 2], got %v", *p.PresencePenalty)
	}
	return nil
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// Int returns a pointer to v.
func Int(v int) *int {
	return &v
}
