package realtime

import (
	"slices"
	"sync"
)

// Roles of conversation message items.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Item types the client renders or reacts to.
const (
	ItemMessage             = "message"
	ItemFunctionCall        = "function_call"
	ItemFunctionCallOutput  = "function_call_output"
	ItemMCPListTools        = "mcp_list_tools"
	ItemMCPCall             = "mcp_call"
	ItemMCPApprovalRequest  = "mcp_approval_request"
	ContentInputText        = "input_text"
	ContentInputAudio       = "input_audio"
	ContentOutputText       = "output_text"
	ContentOutputAudio      = "output_audio"
	StatusInProgress        = "in_progress"
	StatusCompleted         = "completed"
	StatusIncomplete        = "incomplete"
)

// Item is one entry of the remote conversation history.
type Item struct {
	ID      string
	Type    string
	Role    string
	Status  string
	Name    string
	Content []Content
}

// Content is one part of a message item.
type Content struct {
	Type       string
	Text       string
	Transcript string
}

// Text returns the readable text of a message item: for assistants the
// newest non-empty output text, else the newest audio transcript; for users
// the newest typed text, else the newest input transcript; for system
// messages the newest input text.
func (it Item) Text() string {
	var primary, fallback string
	switch it.Role {
	case RoleAssistant:
		primary, fallback = ContentOutputText, ContentOutputAudio
	case RoleUser:
		primary, fallback = ContentInputText, ContentInputAudio
	default:
		primary = ContentInputText
	}
	if s := newestPart(it.Content, primary, func(c Content) string { return c.Text }); s != "" {
		return s
	}
	if fallback == "" {
		return ""
	}
	return newestPart(it.Content, fallback, func(c Content) string { return c.Transcript })
}

func newestPart(parts []Content, typ string, field func(Content) string) string {
	for _, c := range slices.Backward(parts) {
		if c.Type == typ {
			if s := field(c); s != "" {
				return s
			}
		}
	}
	return ""
}

func (it Item) clone() Item {
	it.Content = slices.Clone(it.Content)
	return it
}

// History is the decoder's view of the conversation, kept in the order
// items were first seen. It is safe for concurrent use.
type History struct {
	mu    sync.Mutex
	items []Item
	index map[string]int
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{index: make(map[string]int)}
}

// Upsert inserts it or merges it into the existing item with the same ID.
// Non-empty fields of it win; content parts are merged index by index so a
// snapshot without transcripts does not erase ones received as deltas.
func (h *History) Upsert(it Item) {
	if it.ID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	i, ok := h.index[it.ID]
	if !ok {
		h.index[it.ID] = len(h.items)
		h.items = append(h.items, it.clone())
		return
	}
	cur := &h.items[i]
	cur.Type = orDefault(it.Type, cur.Type)
	cur.Role = orDefault(it.Role, cur.Role)
	cur.Status = orDefault(it.Status, cur.Status)
	cur.Name = orDefault(it.Name, cur.Name)
	for j, c := range it.Content {
		if j >= len(cur.Content) {
			cur.Content = append(cur.Content, c)
			continue
		}
		p := &cur.Content[j]
		p.Type = orDefault(c.Type, p.Type)
		p.Text = orDefault(c.Text, p.Text)
		p.Transcript = orDefault(c.Transcript, p.Transcript)
	}
}

// AppendText appends a text or transcript delta to content part idx of the
// item, creating the item and part as needed.
func (h *History) AppendText(itemID, role, partType string, idx int, delta string, transcript bool) {
	h.edit(itemID, role, partType, idx, func(c *Content) {
		if transcript {
			c.Transcript += delta
		} else {
			c.Text += delta
		}
	})
}

// SetText replaces the text or transcript of content part idx.
func (h *History) SetText(itemID, role, partType string, idx int, text string, transcript bool) {
	h.edit(itemID, role, partType, idx, func(c *Content) {
		if transcript {
			c.Transcript = text
		} else {
			c.Text = text
		}
	})
}

// SetStatus updates the status of an existing item. It reports whether the
// item was found.
func (h *History) SetStatus(itemID, status string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	i, ok := h.index[itemID]
	if !ok {
		return false
	}
	h.items[i].Status = status
	return true
}

// Get returns a copy of the item with the given ID.
func (h *History) Get(itemID string) (Item, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i, ok := h.index[itemID]
	if !ok {
		return Item{}, false
	}
	return h.items[i].clone(), true
}

// Snapshot returns a deep copy of all items.
func (h *History) Snapshot() []Item {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Item, len(h.items))
	for i, it := range h.items {
		out[i] = it.clone()
	}
	return out
}

// Len returns the number of items.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

func (h *History) edit(itemID, role, partType string, idx int, fn func(*Content)) {
	if itemID == "" || idx < 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	i, ok := h.index[itemID]
	if !ok {
		i = len(h.items)
		h.index[itemID] = i
		h.items = append(h.items, Item{ID: itemID, Type: ItemMessage, Role: role, Status: StatusInProgress})
	}
	it := &h.items[i]
	for len(it.Content) <= idx {
		it.Content = append(it.Content, Content{Type: partType})
	}
	if it.Content[idx].Type == "" {
		it.Content[idx].Type = partType
	}
	fn(&it.Content[idx])
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
