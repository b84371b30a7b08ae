package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// FetchChats returns the tenant's chat list snapshot.
func (c *Client) FetchChats(ctx context.Context, t Tenant) ([]Chat, error) {
	var chats []Chat
	if err := c.do(ctx, t, http.MethodPost, instancePath("/chat/findChats", t), map[string]interface{}{}, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// FetchContacts returns the tenant's contact list.
func (c *Client) FetchContacts(ctx context.Context, t Tenant) ([]Contact, error) {
	var contacts []Contact
	err := c.do(ctx, t, http.MethodPost, instancePath("/chat/findContacts", t),
		map[string]interface{}{"where": map[string]interface{}{}}, &contacts)
	if err != nil {
		return nil, err
	}
	return contacts, nil
}

type findMessagesRequest struct {
	Where struct {
		Key struct {
			RemoteJID string `json:"remoteJid"`
		} `json:"key"`
	} `json:"where"`
	Page   int `json:"page,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// FetchMessages returns the history of every id in remoteIDs merged into one
// list ordered by timestamp ascending. A contact merged from several JIDs has
// its history spread across them.
func (c *Client) FetchMessages(ctx context.Context, t Tenant, remoteIDs []string, page, pageSize int) ([]MessageRecord, error) {
	seen := make(map[string]struct{})
	var out []MessageRecord
	for _, id := range remoteIDs {
		if strings.TrimSpace(id) == "" {
			continue
		}
		var req findMessagesRequest
		req.Where.Key.RemoteJID = id
		req.Page = page
		req.Offset = pageSize

		var raw json.RawMessage
		if err := c.do(ctx, t, http.MethodPost, instancePath("/chat/findMessages", t), req, &raw); err != nil {
			return nil, fmt.Errorf("fetch messages for %s: %w", id, err)
		}
		records, err := decodeMessagePage(raw)
		if err != nil {
			return nil, fmt.Errorf("fetch messages for %s: %w", id, err)
		}
		for _, r := range records {
			if r.Key.ID != "" {
				if _, dup := seen[r.Key.ID]; dup {
					continue
				}
				seen[r.Key.ID] = struct{}{}
			}
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MessageTimestamp < out[j].MessageTimestamp
	})
	return out, nil
}

// decodeMessagePage accepts both the paginated envelope
// {"messages":{"records":[...]}} and a bare array.
func decodeMessagePage(raw json.RawMessage) ([]MessageRecord, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var records []MessageRecord
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
		return records, nil
	}
	var page struct {
		Messages struct {
			Records []MessageRecord `json:"records"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return page.Messages.Records, nil
}

func avatarKey(tenant, numberOrID string) string {
	return tenant + "|" + numberOrID
}

// forgetAvatars drops the cached avatars of one tenant.
func (c *Client) forgetAvatars(tenant string) {
	prefix := avatarKey(tenant, "")
	for k := range c.avatars.Items() {
		if strings.HasPrefix(k, prefix) {
			c.avatars.Delete(k)
		}
	}
}

// FetchProfilePicture returns the avatar URL of numberOrID, or "" when the
// contact has none or hides it. Results, including misses, are cached.
func (c *Client) FetchProfilePicture(ctx context.Context, t Tenant, numberOrID string) (string, error) {
	cacheKey := avatarKey(t.ID, numberOrID)
	if cached, ok := c.avatars.Get(cacheKey); ok {
		return cached.(string), nil
	}
	var resp struct {
		WUID              string `json:"wuid"`
		ProfilePictureURL string `json:"profilePictureUrl"`
	}
	err := c.do(ctx, t, http.MethodPost, instancePath("/chat/fetchProfilePictureUrl", t),
		map[string]string{"number": numberOrID}, &resp)
	if err != nil {
		return "", err
	}
	c.avatars.SetDefault(cacheKey, resp.ProfilePictureURL)
	return resp.ProfilePictureURL, nil
}
