package slack

// Block is a Block Kit layout block. Actions blocks use ActionsBlock.
type Block struct {
	Type     string       `json:"type"`
	BlockID  string       `json:"block_id,omitempty"`
	Text     *TextObject  `json:"text,omitempty"`
	Fields   []TextObject `json:"fields,omitempty"`
	Elements []TextObject `json:"elements,omitempty"`
}

// TextObject is plain_text or mrkdwn.
type TextObject struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// ButtonElement is an interactive button.
type ButtonElement struct {
	Type     string      `json:"type"`
	Text     *TextObject `json:"text"`
	ActionID string      `json:"action_id"`
	Value    string      `json:"value,omitempty"`
	Style    string      `json:"style,omitempty"` // "primary" or "danger"
}

// ActionsBlock holds interactive elements.
type ActionsBlock struct {
	Type     string          `json:"type"`
	BlockID  string          `json:"block_id,omitempty"`
	Elements []ButtonElement `json:"elements"`
}

// Header returns a header block.
func Header(text string) Block {
	return Block{Type: "header", Text: &TextObject{Type: "plain_text", Text: text, Emoji: true}}
}

// Section returns a mrkdwn section block.
func Section(text string) Block {
	return Block{Type: "section", Text: &TextObject{Type: "mrkdwn", Text: text}}
}

// Divider returns a divider block.
func Divider() Block {
	return Block{Type: "divider"}
}

// Context returns a context block of mrkdwn elements.
func Context(texts ...string) Block {
	b := Block{Type: "context"}
	for _, t := range texts {
		b.Elements = append(b.Elements, TextObject{Type: "mrkdwn", Text: t})
	}
	return b
}

// Button returns a button element.
func Button(label, actionID, value, style string) ButtonElement {
	return ButtonElement{
		Type:     "button",
		Text:     &TextObject{Type: "plain_text", Text: label, Emoji: true},
		ActionID: actionID,
		Value:    value,
		Style:    style,
	}
}
