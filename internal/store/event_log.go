package store

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"clubpass-bot/internal/models"
)

// EventLog appends issuance decisions to the issuance_events table.
type EventLog struct {
	db   *gorm.DB
	node *snowflake.Node
}

func NewEventLog(db *gorm.DB, nodeID int64) (*EventLog, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &EventLog{db: db, node: node}, nil
}

func (l *EventLog) Append(ctx context.Context, ev models.IssuanceEvent) error {
	ev.ID = l.node.Generate()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if err := l.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return fmt.Errorf("append %s event for %s: %w", ev.Kind, ev.UserID, err)
	}
	return nil
}

// ForUser lists a subscriber's events, oldest first.
func (l *EventLog) ForUser(ctx context.Context, userID string) ([]models.IssuanceEvent, error) {
	var events []models.IssuanceEvent
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}
