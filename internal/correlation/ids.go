// Package correlation ties repeated webhook events about the same external
// object (a PR, a ticket, a Slack thread) into one flow and one conversation.
package correlation

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/alekspetrov/hookpilot/internal/payload"
)

// fallbackKeys are tried in order when no provider rule matches.
var fallbackKeys = []string{
	"issue.key",
	"issue.number",
	"pull_request.number",
	"event_id",
	"event.id",
	"id",
	"key",
	"number",
}

// ExternalID derives the natural key of the object an event is about,
// prefixed with "source:". It returns "" when the payload names no object.
func ExternalID(source string, raw []byte) string {
	if !gjson.ValidBytes(raw) {
		return ""
	}
	doc := gjson.ParseBytes(raw)

	switch payload.Provider(source) {
	case payload.GitHub:
		repo := doc.Get("repository.full_name").String()
		num := firstOf(doc, "issue.number", "pull_request.number")
		if repo != "" && num != "" {
			return "github:" + repo + ":" + num
		}
	case payload.Jira:
		if key := doc.Get("issue.key").String(); key != "" {
			return "jira:" + key
		}
	case payload.Slack:
		channel := doc.Get("event.channel").String()
		ts := firstOf(doc, "event.thread_ts", "event.ts")
		if channel != "" && ts != "" {
			return "slack:" + channel + ":" + ts
		}
	}

	if v := firstOf(doc, fallbackKeys...); v != "" {
		return source + ":" + v
	}
	return ""
}

func firstOf(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		r := doc.Get(p)
		if !r.Exists() {
			continue
		}
		switch r.Type {
		case gjson.String, gjson.Number:
			if s := strings.TrimSpace(r.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

// FlowID is stable for a given external id. Events with no external id get a
// fresh random flow.
func FlowID(externalID string) string {
	if externalID == "" {
		return "flow-" + randomHex(12)
	}
	return "flow-" + digest("flow:"+externalID, 12)
}

// ConversationID is stable for a given external id and uses a separate,
// shorter hash namespace than FlowID.
func ConversationID(externalID string) string {
	if externalID == "" {
		return "conv-" + randomHex(8)
	}
	return "conv-" + digest("conversation:"+externalID, 8)
}

// conversationIDCandidates lists the ids tried when creating a conversation
// for externalID: the short stable id, a longer stable id, then a random one.
// Later candidates are only used when an earlier id already belongs to a
// different flow.
func conversationIDCandidates(externalID string) []string {
	ids := []string{ConversationID(externalID)}
	if externalID != "" {
		ids = append(ids, "conv-"+digest("conversation:"+externalID, 16))
	}
	return append(ids, "conv-"+randomHex(16))
}

// NewTaskID returns "task-" plus 12 random hex characters.
func NewTaskID() string {
	return "task-" + randomHex(12)
}

func digest(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}

func randomHex(n int) string {
	id := uuid.New()
	return hex.EncodeToString(id[:])[:n]
}
