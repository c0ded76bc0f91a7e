package b2chat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Contact is one record from the contacts export endpoint.
type Contact struct {
	ContactID      int64             `json:"contact_id"`
	FullName       string            `json:"full_name"`
	FirstName      string            `json:"first_name"`
	LastName       string            `json:"last_name"`
	MobileNumber   string            `json:"mobile_number"`
	PhoneNumber    string            `json:"phone_number"`
	Email          string            `json:"email"`
	Identification string            `json:"identification"`
	Address        string            `json:"address"`
	City           string            `json:"city"`
	Country        string            `json:"country"`
	Company        string            `json:"company"`
	Tags           []string          `json:"tags"`
	Attributes     []CustomAttribute `json:"custom_attributes"`
	CreatedAt      *time.Time        `json:"created_at"`
	UpdatedAt      *time.Time        `json:"updated_at"`
}

type CustomAttribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SourceID is the stable platform identity of the contact, empty when the
// record carries none.
func (c Contact) SourceID() string {
	if c.ContactID == 0 {
		return ""
	}
	return strconv.FormatInt(c.ContactID, 10)
}

// Chat is one conversation from the chat search endpoint, messages included.
type Chat struct {
	ChatID      string     `json:"chat_id"`
	Code        string     `json:"code"`
	Status      string     `json:"status"`
	Provider    string     `json:"provider"`
	Priority    string     `json:"priority"`
	Department  string     `json:"department"`
	Contact     ContactRef `json:"contact"`
	Agent       AgentRef   `json:"agent"`
	CreatedAt   *time.Time `json:"created_at"`
	PickedUpAt  *time.Time `json:"picked_up_at"`
	RespondedAt *time.Time `json:"responded_at"`
	ClosedAt    *time.Time `json:"closed_at"`
	ClosedBy    string     `json:"closed_by"`
	Messages    []Message  `json:"messages"`
	Tags        []string   `json:"tags"`
}

// ContactRef is the abbreviated contact embedded in a chat.
type ContactRef struct {
	ContactID    int64  `json:"contact_id"`
	FullName     string `json:"full_name"`
	MobileNumber string `json:"mobile_number"`
	Email        string `json:"email"`
}

func (r ContactRef) SourceID() string {
	if r.ContactID == 0 {
		return ""
	}
	return strconv.FormatInt(r.ContactID, 10)
}

// AgentRef is the abbreviated agent embedded in a chat. Username is the
// stable identity.
type AgentRef struct {
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

type Message struct {
	MessageID string     `json:"message_id"`
	Direction string     `json:"direction"` // INCOMING or OUTGOING
	Type      string     `json:"type"`
	Text      string     `json:"text"`
	Sender    string     `json:"sender"`
	Timestamp *time.Time `json:"timestamp"`
}

// pageEnvelope is the shared pagination wrapper. Items stay raw so callers
// can stage payloads verbatim.
type pageEnvelope struct {
	Items      []json.RawMessage `json:"items"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
	TotalPages int               `json:"total_pages"`
	TotalItems int               `json:"total_items"`
	ExistsMore bool              `json:"exists_more"`
}

// ContactItem pairs the parsed contact with its verbatim payload. When an
// item does not decode the Contact stays zero-valued; the payload is still
// staged and the failure surfaces at transform time.
type ContactItem struct {
	Contact
	Raw json.RawMessage `json:"-"`
}

type ContactPage struct {
	Items      []ContactItem
	Page       int
	PageSize   int
	TotalPages int
	TotalItems int
	ExistsMore bool
}

func (p *ContactPage) UnmarshalJSON(data []byte) error {
	var env pageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p.Page = env.Page
	p.PageSize = env.PageSize
	p.TotalPages = env.TotalPages
	p.TotalItems = env.TotalItems
	p.ExistsMore = env.ExistsMore
	p.Items = make([]ContactItem, 0, len(env.Items))
	for _, raw := range env.Items {
		var c Contact
		_ = json.Unmarshal(raw, &c)
		p.Items = append(p.Items, ContactItem{Contact: c, Raw: raw})
	}
	return nil
}

// ChatItem pairs the parsed chat with its verbatim payload.
type ChatItem struct {
	Chat
	Raw json.RawMessage `json:"-"`
}

type ChatPage struct {
	Items      []ChatItem
	Page       int
	PageSize   int
	TotalPages int
	TotalItems int
	ExistsMore bool
}

func (p *ChatPage) UnmarshalJSON(data []byte) error {
	var env pageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p.Page = env.Page
	p.PageSize = env.PageSize
	p.TotalPages = env.TotalPages
	p.TotalItems = env.TotalItems
	p.ExistsMore = env.ExistsMore
	p.Items = make([]ChatItem, 0, len(env.Items))
	for _, raw := range env.Items {
		var c Chat
		_ = json.Unmarshal(raw, &c)
		p.Items = append(p.Items, ChatItem{Chat: c, Raw: raw})
	}
	return nil
}

// ParseContact decodes a staged contact payload.
func ParseContact(raw []byte) (*Contact, error) {
	var c Contact
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("malformed contact payload: %w", err)
	}
	return &c, nil
}

// ParseChat decodes a staged chat payload.
func ParseChat(raw []byte) (*Chat, error) {
	var c Chat
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("malformed chat payload: %w", err)
	}
	return &c, nil
}
