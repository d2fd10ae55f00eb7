// Package repository defines the persistence boundary: the interface
// the orchestrator core consumes, implemented externally
// (internal/storage/sqlite is this module's concrete implementation).
package repository

import (
	"context"

	"github.com/manthya/agentorch/pkg/models"
)

// Repository is the persistence contract consumed by the orchestrator,
// memory composer, and summarizer.
type Repository interface {
	CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)

	AddMessage(ctx context.Context, msg models.Message) (*models.Message, error)
	UpdateMessageEmbedding(ctx context.Context, messageID string, vector []float32) error
	SearchSimilar(ctx context.Context, userID string, vector []float32, limit int, minSimilarity float64) ([]models.Message, error)

	UpdateSummary(ctx context.Context, conversationID, summary string, lastSummarizedSeq int) error
	GetSummary(ctx context.Context, conversationID string) (summary string, lastSummarizedSeq int, ok bool, err error)

	GetUserMemories(ctx context.Context, userID string) ([]models.MemoryFact, error)
}
