package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const idempotencyKeyLength = 48

// ISOTimestamp renders t as UTC with millisecond precision
func ISOTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// IdempotencyKey derives the stable dedup key for one recipient of a campaign
func IdempotencyKey(campaignID, recipientEmail string, scheduledAt time.Time) string {
	raw := campaignID + ":" + strings.ToLower(strings.TrimSpace(recipientEmail)) + ":" + ISOTimestamp(scheduledAt)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:idempotencyKeyLength]
}

// CampaignFingerprint identifies a schedule request so that a retried request
// resolves to the same campaign.
func CampaignFingerprint(ownerID, title, subject, body string, scheduledAt time.Time) string {
	h := sha256.New()
	for _, part := range []string{ownerID, title, subject, body, ISOTimestamp(scheduledAt)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
