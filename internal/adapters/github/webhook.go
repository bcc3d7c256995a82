package github

import "github.com/alekspetrov/hookpilot/internal/adapters"

// Webhook headers.
const (
	HeaderEvent     = "X-GitHub-Event"
	HeaderDelivery  = "X-GitHub-Delivery"
	HeaderSignature = "X-Hub-Signature-256"
)

// VerifyWebhookSignature checks X-Hub-Signature-256 against secret. An empty
// secret disables verification.
func VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	if secret == "" {
		return true
	}
	return adapters.VerifySHA256(secret, payload, signature)
}
