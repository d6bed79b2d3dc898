package changes

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/technosupport/parkwatch/internal/data"
)

// EventPublisher pushes change notifications to downstream consumers.
// Publishing is best effort; a failed publish never fails the diff.
type EventPublisher interface {
	PublishChanges(snap *data.Snapshot, records []data.ChangeRecord)
}

// ChangeEvent is the wire shape of one snapshot's inferred changes.
// Only real and unknown transitions are included.
type ChangeEvent struct {
	SnapshotID  int64             `json:"snapshot_id"`
	TaskID      int64             `json:"task_id"`
	IP          string            `json:"ip"`
	Channel     string            `json:"channel"`
	DetectedAt  time.Time         `json:"detected_at"`
	ChangeCount int               `json:"change_count"`
	Changes     []ChangeEventItem `json:"changes"`
}

type ChangeEventItem struct {
	SpaceID    string   `json:"space_id"`
	ChangeType string   `json:"change_type"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// NATSPublisher emits one event per diffed snapshot on a fixed
// subject.
type NATSPublisher struct {
	conn       *nats.Conn
	subject    string
	maxRetries int
}

func NewNATSPublisher(conn *nats.Conn, subject string, maxRetries int) *NATSPublisher {
	if subject == "" {
		subject = "parkwatch.changes"
	}
	return &NATSPublisher{conn: conn, subject: subject, maxRetries: maxRetries}
}

func (p *NATSPublisher) PublishChanges(snap *data.Snapshot, records []data.ChangeRecord) {
	event := ChangeEvent{
		SnapshotID: snap.ID,
		TaskID:     snap.TaskID,
		IP:         snap.IP,
		Channel:    snap.Channel,
		DetectedAt: snap.DetectedAt,
	}
	for _, r := range records {
		if r.ChangeType == nil {
			continue
		}
		event.ChangeCount++
		event.Changes = append(event.Changes, ChangeEventItem{
			SpaceID:    r.SpaceID,
			ChangeType: *r.ChangeType,
			Confidence: r.Confidence,
		})
	}
	if event.ChangeCount == 0 {
		return
	}
	if err := p.publish(event); err != nil {
		log.Printf("[WARN] change event publish failed: %v", err)
	}
}

func (p *NATSPublisher) publish(event ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(p.subject, payload)
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, err)
}
