package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Callback headers.
const (
	HeaderTimestamp = "X-Slack-Request-Timestamp"
	HeaderSignature = "X-Slack-Signature"
	HeaderRetryNum  = "X-Slack-Retry-Num"
)

// MaxClockSkew bounds how old a signed request may be.
const MaxClockSkew = 5 * time.Minute

// VerifySignature checks a v0 request signature. An empty secret disables
// verification.
func VerifySignature(secret, timestamp string, body []byte, signature string, now time.Time) bool {
	if secret == "" {
		return true
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if d := now.Sub(time.Unix(ts, 0)); d > MaxClockSkew || d < -MaxClockSkew {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}

// Sign computes the v0 signature of body at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

type interactionPayload struct {
	Type        string `json:"type"`
	ResponseURL string `json:"response_url"`
	User        *struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"user"`
	Channel *struct {
		ID string `json:"id"`
	} `json:"channel"`
	Message *struct {
		TS       string            `json:"ts"`
		ThreadTS string            `json:"thread_ts"`
		Blocks   []json.RawMessage `json:"blocks"`
	} `json:"message"`
	Actions []struct {
		ActionID string `json:"action_id"`
		BlockID  string `json:"block_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

// InteractionAction is one button click.
type InteractionAction struct {
	ActionID    string
	Value       string
	UserID      string
	Username    string
	ChannelID   string
	MessageTS   string
	ThreadTS    string
	ResponseURL string

	// MessageBlocks are the blocks of the message carrying the button.
	MessageBlocks []json.RawMessage
}

// ErrNotBlockActions is returned for interaction types other than button
// clicks; callers acknowledge and ignore them.
var ErrNotBlockActions = errors.New("not a block_actions interaction")

// ParseInteraction decodes the form-encoded body of an interactivity
// callback.
func ParseInteraction(body []byte) ([]InteractionAction, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("invalid form data: %w", err)
	}
	raw := values.Get("payload")
	if raw == "" {
		return nil, errors.New("missing payload")
	}

	var p interactionPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if p.Type != "block_actions" {
		return nil, ErrNotBlockActions
	}

	actions := make([]InteractionAction, 0, len(p.Actions))
	for _, a := range p.Actions {
		action := InteractionAction{ActionID: a.ActionID, Value: a.Value, ResponseURL: p.ResponseURL}
		if p.User != nil {
			action.UserID = p.User.ID
			action.Username = p.User.Username
			if action.Username == "" {
				action.Username = p.User.Name
			}
		}
		if p.Channel != nil {
			action.ChannelID = p.Channel.ID
		}
		if p.Message != nil {
			action.MessageTS = p.Message.TS
			action.ThreadTS = p.Message.ThreadTS
			action.MessageBlocks = p.Message.Blocks
		}
		actions = append(actions, action)
	}
	return actions, nil
}
