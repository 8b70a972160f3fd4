package generations

import "strings"

// RawProposal is one card as returned by the provider; either side may be missing.
type RawProposal struct {
	Front string `json:"front"`
	Back  string `json:"back"`
}

type proposalsPayload struct {
	Cards []RawProposal `json:"cards"`
}

// NormalizeProposals keeps items whose trimmed front and back are both non-empty,
// tagged as ai_created. Text is otherwise stored as generated. Order is preserved.
func NormalizeProposals(raw []RawProposal) []Proposal {
	proposals := make([]Proposal, 0, len(raw))
	for _, item := range raw {
		front := strings.TrimSpace(item.Front)
		back := strings.TrimSpace(item.Back)
		if front == "" || back == "" {
			continue
		}
		proposals = append(proposals, Proposal{Front: front, Back: back, Source: SourceAICreated})
	}
	return proposals
}
