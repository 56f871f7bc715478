package msteams

import "encoding/json"

const (
	activityTypeMessage = "message"
	activityTypeTyping  = "typing"
	entityTypeMention   = "mention"
)

// ChannelAccount identifies a user or bot in a Bot Framework activity.
type ChannelAccount struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	AADObjectID string `json:"aadObjectId,omitempty"`
}

// ConversationAccount identifies the conversation of an activity.
type ConversationAccount struct {
	ID               string `json:"id,omitempty"`
	Name             string `json:"name,omitempty"`
	ConversationType string `json:"conversationType,omitempty"`
	IsGroup          bool   `json:"isGroup,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
}

// Entity is a Bot Framework entity; only mentions are read.
type Entity struct {
	Type      string          `json:"type,omitempty"`
	Mentioned *ChannelAccount `json:"mentioned,omitempty"`
	Text      string          `json:"text,omitempty"`
}

// Attachment is a file or card attached to an activity.
type Attachment struct {
	ContentType string          `json:"contentType,omitempty"`
	ContentURL  string          `json:"contentUrl,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	Name        string          `json:"name,omitempty"`
}

type idRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// ChannelData carries the Teams-specific activity fields.
type ChannelData struct {
	Team    *idRef `json:"team,omitempty"`
	Channel *idRef `json:"channel,omitempty"`
	Tenant  *idRef `json:"tenant,omitempty"`
}

// Activity is the subset of the Bot Framework activity schema the adapter uses.
type Activity struct {
	Type         string              `json:"type"`
	ID           string              `json:"id,omitempty"`
	Timestamp    string              `json:"timestamp,omitempty"`
	ServiceURL   string              `json:"serviceUrl,omitempty"`
	ChannelID    string              `json:"channelId,omitempty"`
	From         ChannelAccount      `json:"from"`
	Recipient    ChannelAccount      `json:"recipient"`
	Conversation ConversationAccount `json:"conversation"`
	Text         string              `json:"text,omitempty"`
	TextFormat   string              `json:"textFormat,omitempty"`
	ReplyToID    string              `json:"replyToId,omitempty"`
	Entities     []Entity            `json:"entities,omitempty"`
	Attachments  []Attachment        `json:"attachments,omitempty"`
	ChannelData  *ChannelData        `json:"channelData,omitempty"`
}

func (a Activity) teamID() string {
	if a.ChannelData == nil || a.ChannelData.Team == nil {
		return ""
	}
	return a.ChannelData.Team.ID
}

func (a Activity) teamsChannelID() string {
	if a.ChannelData == nil || a.ChannelData.Channel == nil {
		return ""
	}
	return a.ChannelData.Channel.ID
}

func (a Activity) tenantID() string {
	if a.Conversation.TenantID != "" {
		return a.Conversation.TenantID
	}
	if a.ChannelData != nil && a.ChannelData.Tenant != nil {
		return a.ChannelData.Tenant.ID
	}
	return ""
}

// IsFromSelf reports whether the bot sent this activity.
func (a Activity) IsFromSelf() bool {
	return a.From.ID != "" && a.From.ID == a.Recipient.ID
}
