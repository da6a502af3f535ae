package chain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	audit "knowton/pkg/platform/audit"
)

// canonicalEvent fixes the field order of the hashed projection so
// json.Marshal output is reproducible across processes and sinks.
type canonicalEvent struct {
	ID           string         `json:"id"`
	Timestamp    string         `json:"timestamp"`
	EventType    string         `json:"eventType"`
	Actor        audit.Actor    `json:"actor"`
	Action       string         `json:"action"`
	Resource     audit.Resource `json:"resource"`
	PreviousHash string         `json:"previousHash"`
}

// Canonicalize returns the bytes covered by an event's HMAC.
func Canonicalize(e audit.Event) ([]byte, error) {
	b, err := json.Marshal(canonicalEvent{
		ID:           e.ID,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		EventType:    string(e.EventType),
		Actor:        e.Actor,
		Action:       e.Action,
		Resource:     e.Resource,
		PreviousHash: e.PreviousHash,
	})
	if err != nil {
		return nil, fmt.Errorf("canonicalize event: %w", err)
	}
	return b, nil
}

// ComputeHash returns hex(HMAC-SHA256(secret, canonical(e))).
func ComputeHash(secret []byte, e audit.Event) (string, error) {
	payload, err := Canonicalize(e)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
