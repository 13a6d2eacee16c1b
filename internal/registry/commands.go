package registry

import (
	"context"

	"github.com/ship-commander/wamux/internal/client"
	"github.com/ship-commander/wamux/internal/session"
)

// Command wrappers resolve an empty id to the active session.

// Initialize creates the session if needed and starts its client.
func (r *Registry) Initialize(ctx context.Context, id string) error {
	s, err := r.GetOrCreate(id)
	if err != nil {
		return err
	}
	return s.Initialize(ctx)
}

// Disconnect manually disconnects a registered session.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	return s.Disconnect(ctx, true)
}

// RequestPairingCode creates the session if needed and runs the pairing
// handshake for accountHint.
func (r *Registry) RequestPairingCode(ctx context.Context, accountHint, id string) (string, error) {
	s, err := r.GetOrCreate(id)
	if err != nil {
		return "", err
	}
	return s.RequestPairingCode(ctx, accountHint)
}

// Suspend suspends a registered session.
func (r *Registry) Suspend(id string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	return s.Suspend()
}

// Resume resumes a registered session.
func (r *Registry) Resume(id string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	return s.Resume()
}

// IsSuspended reports false for unknown sessions.
func (r *Registry) IsSuspended(id string) bool {
	s, ok := r.Get(id)
	return ok && s.IsSuspended()
}

// SendMessage sends text through a registered session.
func (r *Registry) SendMessage(ctx context.Context, to, body, id string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	return s.SendMessage(ctx, to, body)
}

// SendImage sends an image or sticker through a registered session.
func (r *Registry) SendImage(ctx context.Context, to, url string, asSticker bool, id string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	return s.SendImage(ctx, to, url, asSticker)
}

// The query surface never fails: unknown or unready sessions yield empty
// results so dashboard polling stays simple.

// Contacts lists contacts, or none.
func (r *Registry) Contacts(ctx context.Context, id string) []client.Contact {
	s, ok := r.Get(id)
	if !ok {
		return []client.Contact{}
	}
	contacts, err := s.Contacts(ctx)
	if err != nil {
		r.logQueryError("contacts", id, err)
		return []client.Contact{}
	}
	return contacts
}

// Chats lists chats, or none.
func (r *Registry) Chats(ctx context.Context, id string) []client.Chat {
	return r.chatQuery(ctx, id, "chats", func(s *session.Session) ([]client.Chat, error) {
		return s.Chats(ctx)
	})
}

// PinnedChats lists pinned chats, or none.
func (r *Registry) PinnedChats(ctx context.Context, id string) []client.Chat {
	return r.chatQuery(ctx, id, "pinned chats", func(s *session.Session) ([]client.Chat, error) {
		return s.PinnedChats(ctx)
	})
}

// RecentChats lists up to limit recent chats, or none.
func (r *Registry) RecentChats(ctx context.Context, id string, limit int) []client.Chat {
	return r.chatQuery(ctx, id, "recent chats", func(s *session.Session) ([]client.Chat, error) {
		return s.RecentChats(ctx, limit)
	})
}

// SessionDetails returns the session summary, or a zeroed record.
func (r *Registry) SessionDetails(id string) session.Details {
	s, ok := r.Get(id)
	if !ok {
		return session.Details{SessionID: r.resolve(id)}
	}
	return s.Details()
}

func (r *Registry) chatQuery(_ context.Context, id, what string, query func(*session.Session) ([]client.Chat, error)) []client.Chat {
	s, ok := r.Get(id)
	if !ok {
		return []client.Chat{}
	}
	chats, err := query(s)
	if err != nil {
		r.logQueryError(what, id, err)
		return []client.Chat{}
	}
	return chats
}

func (r *Registry) logQueryError(what, id string, err error) {
	r.logger.Debug("query returned empty", "query", what, "session_id", r.resolve(id), "err", err)
}
