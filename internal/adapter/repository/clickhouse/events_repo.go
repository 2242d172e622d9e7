package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

// EventsRepository archives WAF events
type EventsRepository struct {
	conn   *Connection
	logger *slog.Logger
}

// NewEventsRepository creates a new events repository
func NewEventsRepository(conn *Connection, logger *slog.Logger) *EventsRepository {
	return &EventsRepository{
		conn:   conn,
		logger: logger,
	}
}

// InsertEvents writes one batch
func (r *EventsRepository) InsertEvents(ctx context.Context, events []entity.WAFEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := r.conn.Conn().PrepareBatch(ctx, `
		INSERT INTO waf_events (
			event_id, client_ip, severity, attack_type, rule_id, timestamp,
			hostname, uri, message, source, ingested_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, e := range events {
		err := batch.Append(
			e.EventID,
			e.ClientIP,
			string(e.Severity),
			e.AttackType,
			e.RuleID,
			e.Timestamp,
			e.Hostname,
			e.URI,
			e.Message,
			e.Source,
			e.IngestedAt,
		)
		if err != nil {
			return fmt.Errorf("append batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// RecentByIP returns the latest archived events of one address
func (r *EventsRepository) RecentByIP(ctx context.Context, ip string, limit int) ([]entity.WAFEvent, error) {
	rows, err := r.conn.Conn().Query(ctx, `
		SELECT
			event_id, client_ip, severity, attack_type, rule_id, timestamp,
			hostname, uri, message, source, ingested_at
		FROM waf_events
		WHERE client_ip = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, ip, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query waf events: %w", err)
	}
	defer rows.Close()

	events := []entity.WAFEvent{}
	for rows.Next() {
		var e entity.WAFEvent
		var severity string
		if err := rows.Scan(
			&e.EventID, &e.ClientIP, &severity, &e.AttackType, &e.RuleID, &e.Timestamp,
			&e.Hostname, &e.URI, &e.Message, &e.Source, &e.IngestedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan waf event: %w", err)
		}
		e.Severity = entity.Severity(severity)
		events = append(events, e)
	}
	return events, rows.Err()
}

// TopAttackTypes counts attack types of one address since a point in time
func (r *EventsRepository) TopAttackTypes(ctx context.Context, ip string, since time.Time, limit int) ([]entity.AttackTypeCount, error) {
	rows, err := r.conn.Conn().Query(ctx, `
		SELECT attack_type, count() AS count
		FROM waf_events
		WHERE client_ip = ? AND timestamp >= ?
		GROUP BY attack_type
		ORDER BY count DESC
		LIMIT ?
	`, ip, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query attack types: %w", err)
	}
	defer rows.Close()

	out := []entity.AttackTypeCount{}
	for rows.Next() {
		var c entity.AttackTypeCount
		if err := rows.Scan(&c.AttackType, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan attack type: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
