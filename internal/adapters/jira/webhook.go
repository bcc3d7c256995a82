package jira

import (
	"crypto/subtle"
	"strings"

	"github.com/alekspetrov/hookpilot/internal/adapters"
)

// HeaderSignature carries the HMAC of a Jira webhook body.
const HeaderSignature = "X-Hub-Signature"

// VerifyWebhook accepts either an HMAC signature header ("sha256=<hex>" or
// bare hex) or a ?secret= query value equal to secret. An empty secret
// disables verification.
func VerifyWebhook(payload []byte, signature, querySecret, secret string) bool {
	if secret == "" {
		return true
	}
	if signature != "" {
		if !strings.HasPrefix(signature, "sha256=") {
			signature = "sha256=" + signature
		}
		return adapters.VerifySHA256(secret, payload, signature)
	}
	return querySecret != "" && subtle.ConstantTimeCompare([]byte(querySecret), []byte(secret)) == 1
}
