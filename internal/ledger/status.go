package ledger

import "strings"

// KYC statuses understood by the ledger provider.
const (
	StatusPending    = "pending"
	StatusIncomplete = "incomplete"
	StatusVerified   = "verified"
	StatusDeclined   = "declined"
)

var statusAliases = map[string]string{
	"pending":    StatusPending,
	"queued":     StatusPending,
	"onhold":     StatusPending,
	"review":     StatusPending,
	"incomplete": StatusIncomplete,
	"init":       StatusIncomplete,
	"retry":      StatusIncomplete,
	"verified":   StatusVerified,
	"approved":   StatusVerified,
	"completed":  StatusVerified,
	"green":      StatusVerified,
	"declined":   StatusDeclined,
	"rejected":   StatusDeclined,
	"red":        StatusDeclined,
}

// ComputeStatus normalises a raw status from the identity provider into a
// ledger status. An empty value is a fresh submission and yields pending;
// anything unrecognised also yields pending.
func ComputeStatus(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if s, ok := statusAliases[key]; ok {
		return s
	}
	return StatusPending
}
