package payload

import (
	"encoding/json"
	"fmt"
)

type slackWire struct {
	Type      string `json:"type"`
	EventID   string `json:"event_id"`
	TeamID    string `json:"team_id"`
	Challenge string `json:"challenge"`
	Event     *struct {
		Type     string `json:"type"`
		Subtype  string `json:"subtype"`
		Channel  string `json:"channel"`
		User     string `json:"user"`
		BotID    string `json:"bot_id"`
		AppID    string `json:"app_id"`
		Text     string `json:"text"`
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
	} `json:"event,omitempty"`
}

// SlackEvent is an Events API callback (message or app_mention).
type SlackEvent struct {
	EnvelopeType string // "event_callback" or "url_verification"
	EventID      string
	Challenge    string
	EventKind    string
	Subtype      string
	Channel      string
	User         string
	BotID        string
	AppID        string
	Body         string
	TS           string
	ThreadTS     string

	raw json.RawMessage
}

func newSlackEvent(w *slackWire, raw json.RawMessage) *SlackEvent {
	e := &SlackEvent{
		EnvelopeType: w.Type,
		EventID:      w.EventID,
		Challenge:    w.Challenge,
		raw:          raw,
	}
	if w.Event != nil {
		e.EventKind = w.Event.Type
		e.Subtype = w.Event.Subtype
		e.Channel = w.Event.Channel
		e.User = w.Event.User
		e.BotID = w.Event.BotID
		e.AppID = w.Event.AppID
		e.Body = w.Event.Text
		e.TS = w.Event.TS
		e.ThreadTS = w.Event.ThreadTS
	}
	return e
}

// IsURLVerification reports the Events API handshake request.
func (e *SlackEvent) IsURLVerification() bool { return e.EnvelopeType == "url_verification" }

func (e *SlackEvent) Provider() Provider   { return Slack }
func (e *SlackEvent) Kind() string         { return e.EventKind }
func (e *SlackEvent) Text() string         { return e.Body }
func (e *SlackEvent) PlatformID() string   { return e.TS }
func (e *SlackEvent) Actor() string        { return e.User }
func (e *SlackEvent) Raw() json.RawMessage { return e.raw }

func (e *SlackEvent) Identities() []string {
	return nonEmpty(e.User, e.BotID, e.AppID)
}

func (e *SlackEvent) IsBot() bool {
	return e.BotID != "" || e.Subtype == "bot_message"
}

// RootTS is the thread a reply belongs in: the parent for threaded
// messages, the message itself otherwise.
func (e *SlackEvent) RootTS() string {
	if e.ThreadTS != "" {
		return e.ThreadTS
	}
	return e.TS
}

func (e *SlackEvent) Object() string {
	if e.Channel == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s", e.Channel, e.RootTS())
}

func (e *SlackEvent) Routing() Routing {
	return Routing{Provider: Slack, Channel: e.Channel, ThreadTS: e.RootTS()}
}
