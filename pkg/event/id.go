package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewEventID returns a time-ordered event ID with a random suffix.
func NewEventID() string {
	return fmt.Sprintf("evt_%d_%s", time.Now().UnixMilli(), nanoid.MustGenerate(idAlphabet, 8))
}

func NewSubscriptionID() string {
	return "sub_" + nanoid.MustGenerate(idAlphabet, 10)
}

func NewSocketID() string {
	return "sock_" + nanoid.MustGenerate(idAlphabet, 10)
}

// DedupKey derives the deduplication key for a publish request. Two requests
// with the same type, source, tenant, payload and correlation ID collapse to
// the same key. Map marshaling sorts keys, so the payload hash is stable.
func DedupKey(t EventType, source, organizationID string, data map[string]any, correlationID string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|", t, source, organizationID, correlationID)
	if raw, err := json.Marshal(data); err == nil {
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}
