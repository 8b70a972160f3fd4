package cards

import (
	"errors"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var errUnsafeText = errors.New("card text is empty or unsafe")

var manualTextPolicy = bluemonday.UGCPolicy()

// checkManualText rejects typed text that holds nothing once unsafe markup is
// removed. Accepted text is stored as typed.
func checkManualText(front, back string) error {
	for _, value := range []string{front, back} {
		if strings.TrimSpace(manualTextPolicy.Sanitize(value)) == "" {
			return errUnsafeText
		}
	}
	return nil
}
