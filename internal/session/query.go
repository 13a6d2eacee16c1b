package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ship-commander/wamux/internal/client"
	"github.com/ship-commander/wamux/internal/state"
)

// DefaultRecentChats is the RecentChats limit when none is given.
const DefaultRecentChats = 10

// Details is the operator-facing summary of a session.
type Details struct {
	SessionID     string                `json:"sessionId"`
	Phase         state.Phase           `json:"phase"`
	Connected     bool                  `json:"isConnected"`
	Ready         bool                  `json:"isReady"`
	Suspended     bool                  `json:"suspended"`
	Reconnecting  bool                  `json:"reconnecting"`
	Identity      *client.AccountHandle `json:"connectedIdentity"`
	StartedAt     *time.Time            `json:"startedAt"`
	UptimeSeconds int64                 `json:"uptimeSeconds"`
	RepliesSent   int                   `json:"repliesSent"`
}

// Details summarizes status, phase, and stats.
func (s *Session) Details() Details {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.copyStatusLocked()
	details := Details{
		SessionID:    s.id,
		Phase:        s.machine.Current(),
		Connected:    status.Connected,
		Ready:        status.Ready,
		Suspended:    status.Suspended,
		Reconnecting: status.Reconnecting,
		Identity:     status.ConnectedIdentity,
		RepliesSent:  s.stats.RepliesSent,
	}
	if s.stats.StartedAt != nil {
		startedAt := *s.stats.StartedAt
		details.StartedAt = &startedAt
		if status.Ready {
			details.UptimeSeconds = int64(s.now().Sub(startedAt) / time.Second)
		}
	}
	return details
}

// Contacts lists the account's contacts.
func (s *Session) Contacts(ctx context.Context) ([]client.Contact, error) {
	c, err := s.readyClient()
	if err != nil {
		return nil, err
	}
	contacts, err := c.Contacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return contacts, nil
}

// Chats lists the account's chats.
func (s *Session) Chats(ctx context.Context) ([]client.Chat, error) {
	c, err := s.readyClient()
	if err != nil {
		return nil, err
	}
	chats, err := c.Chats(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

// PinnedChats returns only pinned chats.
func (s *Session) PinnedChats(ctx context.Context) ([]client.Chat, error) {
	chats, err := s.Chats(ctx)
	if err != nil {
		return nil, err
	}
	pinned := make([]client.Chat, 0, len(chats))
	for _, chat := range chats {
		if chat.Pinned {
			pinned = append(pinned, chat)
		}
	}
	return pinned, nil
}

// RecentChats returns up to limit chats, most recently active first.
func (s *Session) RecentChats(ctx context.Context, limit int) ([]client.Chat, error) {
	if limit <= 0 {
		limit = DefaultRecentChats
	}
	chats, err := s.Chats(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].LastMessageAt.After(chats[j].LastMessageAt)
	})
	if len(chats) > limit {
		chats = chats[:limit]
	}
	return chats, nil
}
