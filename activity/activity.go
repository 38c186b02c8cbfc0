package activity

import (
	"encoding/json"
	"time"
)

// Activity types exchanged over the transport.
const (
	TypeMessage = "message"
	TypeEvent   = "event"
	TypeTyping  = "typing"
)

// Sender roles.
const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// OAuthCardContentType marks an inbound attachment that requests a
// secondary sign-in from the user mid-conversation.
const OAuthCardContentType = "application/vnd.microsoft.card.oauth"

// ChannelAccount identifies the sender or recipient of an activity.
type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Attachment carries typed content alongside an activity's text.
type Attachment struct {
	ContentType string          `json:"contentType"`
	Content     json.RawMessage `json:"content,omitempty"`
}

// Activity is a single unit of conversation. The ID is unique within a
// session; stores drop duplicate IDs on append.
type Activity struct {
	ID          string         `json:"id,omitempty"`
	Type        string         `json:"type"`
	From        ChannelAccount `json:"from"`
	Text        string         `json:"text,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Timestamp   time.Time      `json:"timestamp,omitempty"`
	ChannelData map[string]any `json:"channelData,omitempty"`
}

// HasAttachment reports whether any attachment carries the given content type.
func (a *Activity) HasAttachment(contentType string) bool {
	for _, att := range a.Attachments {
		if att.ContentType == contentType {
			return true
		}
	}
	return false
}

// SetChannelData stores a key under the activity's channel data, allocating
// the map on first use.
func (a *Activity) SetChannelData(key string, value any) {
	if a.ChannelData == nil {
		a.ChannelData = make(map[string]any)
	}
	a.ChannelData[key] = value
}
