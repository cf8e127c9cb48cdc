package storage

import (
	"context"
	"fmt"
	"time"
)

// DeliveryLog remembers processed webhook deliveries so redeliveries are skipped.
type DeliveryLog struct {
	db *Database
}

// NewDeliveryLog creates a new delivery log.
func NewDeliveryLog(db *Database) *DeliveryLog {
	return &DeliveryLog{db: db}
}

// MarkDelivery records a delivery id and reports whether it was seen for the first time.
func (l *DeliveryLog) MarkDelivery(ctx context.Context, deliveryID, event string) (bool, error) {
	result, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO webhook_deliveries (delivery_id, event) VALUES (?, ?)`,
		deliveryID, event)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Forget removes a delivery record so a redelivery will be processed again.
func (l *DeliveryLog) Forget(ctx context.Context, deliveryID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE delivery_id = ?`, deliveryID)
	return err
}

// CleanupOlderThan removes delivery records older than age to prevent database bloat.
func (l *DeliveryLog) CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	modifier := fmt.Sprintf("-%d seconds", int64(age.Seconds()))
	result, err := l.db.ExecContext(ctx,
		`DELETE FROM webhook_deliveries WHERE created_at < datetime('now', ?)`, modifier)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
