package generations

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/flashcards/backend/internal/completion"
)

const (
	MinPromptLength = 1000
	MaxPromptLength = 10000

	LocalePolish  = "pl"
	LocaleEnglish = "en"

	responseSchemaName = "flashcards_response"
)

var (
	// ErrPromptTooShort indicates a trimmed prompt below MinPromptLength characters.
	ErrPromptTooShort = errors.New("prompt_text_too_short")
	// ErrPromptTooLong indicates a trimmed prompt above MaxPromptLength characters.
	ErrPromptTooLong = errors.New("prompt_text_too_long")
)

// HashPrompt returns the hex SHA-256 digest of the trimmed prompt.
func HashPrompt(promptText string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(promptText)))
	return hex.EncodeToString(sum[:])
}

// ValidatePrompt trims promptText and checks its character count.
func ValidatePrompt(promptText string) (string, error) {
	trimmed := strings.TrimSpace(promptText)
	length := utf8.RuneCountInString(trimmed)
	if length < MinPromptLength {
		return "", fmt.Errorf("%w: %d characters, minimum %d", ErrPromptTooShort, length, MinPromptLength)
	}
	if length > MaxPromptLength {
		return "", fmt.Errorf("%w: %d characters, maximum %d", ErrPromptTooLong, length, MaxPromptLength)
	}
	return trimmed, nil
}

var systemMessages = map[string]string{
	LocalePolish: "Jesteś asystentem, który generuje propozycje fiszek w języku polskim. Odpowiadaj tylko w JSON zgodnym ze schematem. " +
		"Fiszki powinny być jasne, zwięzłe i związane z tematyką tekstu. Każda fiszka zawiera front (pytanie) i back (odpowiedź). " +
		"Skup się na ważnych faktach, definicjach, pojęciach i relacjach.",
	LocaleEnglish: "You are an assistant that creates flashcard proposals in English. Respond only with JSON matching the schema. " +
		"Flashcards should be clear, concise and tied to the subject of the text. Each flashcard has a front (question) and a back (answer). " +
		"Focus on important facts, definitions, concepts and relationships.",
}

// SystemPrompt returns the localized instruction asking for cardCount cards.
// Unknown locales fall back to Polish.
func SystemPrompt(locale string, cardCount int) string {
	if locale == LocaleEnglish {
		return fmt.Sprintf("%s Generate exactly %d flashcards from the provided text.", systemMessages[LocaleEnglish], cardCount)
	}
	return fmt.Sprintf("%s Wygeneruj dokładnie %d fiszek na podstawie dostarczonego tekstu.", systemMessages[LocalePolish], cardCount)
}

// ProposalsResponseFormat is the strict schema the provider must answer with.
func ProposalsResponseFormat() completion.ResponseFormat {
	return completion.NewJSONSchemaFormat(responseSchemaName, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"cards": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"front": map[string]any{"type": "string"},
						"back":  map[string]any{"type": "string"},
					},
					"required":             []string{"front", "back"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"cards"},
		"additionalProperties": false,
	})
}
