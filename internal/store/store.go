// Package store keeps API conversations between turns.
//
// Conversations live in memory only. Each one carries its own lock so turns
// on the same conversation run one at a time while different conversations
// proceed in parallel.
package store

import (
	"context"
	"errors"

	"github.com/cardmate/advisor/pkg/models"
)

// Store is the conversation storage interface the API handlers depend on.
type Store interface {
	ConversationStore

	// Close stops background work.
	Close() error
}

// ── Conversation Store ──────────────────────────────────────

// TurnFunc runs one turn against a conversation's history while the
// conversation is locked.
type TurnFunc func(ctx context.Context, history *models.History) string

type ConversationStore interface {
	CreateConversation(ctx context.Context, seed models.History) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	// RunTurn applies fn to the conversation's history under its lock and
	// returns fn's reply.
	RunTurn(ctx context.Context, id string, fn TurnFunc) (string, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is or wraps an *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// ErrBusy is returned by RunTurn when ctx ends while waiting for another
// turn on the same conversation.
var ErrBusy = errors.New("conversation busy")
