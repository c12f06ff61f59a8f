package entities

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// prefixedID builds IDs of the form <prefix>_<unix>_<hex8>. The timestamp
// keeps them sortable in logs; the hex suffix keeps them unique within a
// second.
func prefixedID(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().Unix(), hex[:8])
}

// NewRecognitionID returns an identifier for one recognition run.
func NewRecognitionID() string {
	return prefixedID("rec")
}

// NewContextID returns an identifier correlating the streamed fragments of
// one synthesized utterance.
func NewContextID() string {
	return prefixedID("ctx")
}
