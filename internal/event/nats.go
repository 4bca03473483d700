// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams DOI minting and usage events to support downstream consumers and
// audit trails.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dataportal/query-dois-go/internal/model"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Publisher interface defines the event publishing operations required by the
// query DOI service. It provides methods for publishing DOI lifecycle and
// usage events to the event stream.
type Publisher interface {
	// DOI lifecycle events
	PublishDOIMinted(ctx context.Context, record model.QueryDOI) error

	// Usage events
	PublishStatRecorded(ctx context.Context, stat model.QueryDOIStat) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
// It implements all Publisher methods but does nothing, allowing the service
// to function without event streaming when NATS is not available.
type noop struct{}

// Close implements Publisher
// It does nothing and always returns nil.
func (n *noop) Close() error { return nil }

// PublishDOIMinted implements Publisher
// It does nothing and always returns nil.
func (n *noop) PublishDOIMinted(ctx context.Context, record model.QueryDOI) error {
	return nil
}

// PublishStatRecorded implements Publisher
// It does nothing and always returns nil.
func (n *noop) PublishStatRecorded(ctx context.Context, stat model.QueryDOIStat) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
// It connects to a NATS server and publishes events to JetStream streams.
type natsPub struct {
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations

	// Deduplication fields
	doiDedup map[string]time.Time // Map of DOI strings to last publish time
	mutex    sync.RWMutex         // Mutex for thread-safe access to the dedup map
}

// NewPublisherFromEnv creates a new publisher based on environment configuration.
// It reads the QDOI_NATS_URL environment variable to determine if NATS should be used.
// If NATS is not configured or connection fails, it returns a no-op publisher.
// Returns:
//   - Publisher: Either a NATS publisher or a no-op publisher
func NewPublisherFromEnv() Publisher {
	// Check if NATS is configured
	url := os.Getenv("QDOI_NATS_URL")
	if url == "" {
		return &noop{}
	}

	// Connect to NATS server
	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	// Create JetStream context for stream operations
	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	// Initialize required streams
	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{
		nc:       nc,
		js:       js,
		doiDedup: make(map[string]time.Time),
	}
}

// initStreams initializes the required NATS streams.
// It creates the QD_DOIS and QD_STATS streams with appropriate configurations.
func initStreams(js nats.JetStreamContext) error {
	// Create QD_DOIS stream for DOI lifecycle events
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "QD_DOIS",                // Stream name
		Subjects:  []string{"qdoi.dois.*"},  // Subjects pattern for DOI events
		Retention: nats.LimitsPolicy,        // Retention policy
		MaxAge:    24 * time.Hour,           // Keep events for 24 hours
		Discard:   nats.DiscardOld,          // Discard old messages when limits reached
		Storage:   nats.FileStorage,         // Use file storage for persistence
	})
	if err != nil {
		return fmt.Errorf("failed to create QD_DOIS stream: %w", err)
	}

	// Create QD_STATS stream for usage events
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      "QD_STATS",               // Stream name
		Subjects:  []string{"qdoi.stats.*"}, // Subjects pattern for usage events
		Retention: nats.LimitsPolicy,        // Retention policy
		MaxAge:    24 * time.Hour,           // Keep events for 24 hours
		Discard:   nats.DiscardOld,          // Discard old messages when limits reached
		Storage:   nats.FileStorage,         // Use file storage for persistence
	})
	if err != nil {
		return fmt.Errorf("failed to create QD_STATS stream: %w", err)
	}

	return nil
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

// Close closes the NATS connection.
// It gracefully closes the connection to the NATS server.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// shouldDedup checks if a minted event should be deduplicated based on the
// 2-minute window. A DOI is only ever minted once, so a repeat within the
// window can only be a retry of the same mint.
func (p *natsPub) shouldDedup(doi string) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if lastTime, exists := p.doiDedup[doi]; exists {
		// Check if the last event was within the 2-minute dedup window
		return time.Since(lastTime) < 2*time.Minute
	}

	return false
}

// updateDedup updates the deduplication map with the current time for a DOI.
// This should be called after successfully publishing an event.
func (p *natsPub) updateDedup(doi string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	// Clean up old entries to prevent memory leaks
	cutoff := time.Now().Add(-5 * time.Minute) // Keep entries for 5 minutes
	for k, t := range p.doiDedup {
		if t.Before(cutoff) {
			delete(p.doiDedup, k)
		}
	}

	// Update the current key with the current time
	p.doiDedup[doi] = time.Now()
}

// PublishDOIMinted publishes an event announcing a newly minted query DOI.
// It wraps the record in an event envelope and publishes it to the QD_DOIS stream.
// Parameters:
//   - ctx: Context for the operation
//   - record: The query DOI record that was minted
// Returns:
//   - error: Any error that occurred during publishing
func (p *natsPub) PublishDOIMinted(ctx context.Context, record model.QueryDOI) error {
	// Check if this event should be deduplicated
	if p.shouldDedup(record.DOI) {
		// Event was published recently, skip it
		return nil
	}

	// Subject for minted events
	subject := "qdoi.dois.minted"

	// Create the event envelope with metadata
	envelope := EventEnvelope{
		Type:          "qdoi.dois.minted",  // Event type
		Version:       "1.0.0",             // Event schema version
		OccurredAt:    time.Now().UTC(),    // Event timestamp
		CorrelationID: uuid.New().String(), // Unique correlation ID
		Payload:       record,              // The DOI record
	}

	// Marshal the envelope to JSON
	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	// Publish the event to the stream
	_, err = p.js.Publish(subject, b)
	if err != nil {
		return err
	}

	// Update deduplication map on successful publish
	p.updateDedup(record.DOI)

	return nil
}

// PublishStatRecorded publishes an event announcing a recorded usage stat.
// Stats are append-only and each has a unique ID, so no deduplication applies.
// Parameters:
//   - ctx: Context for the operation
//   - stat: The usage stat that was recorded
// Returns:
//   - error: Any error that occurred during publishing
func (p *natsPub) PublishStatRecorded(ctx context.Context, stat model.QueryDOIStat) error {
	// Subject for usage events, one subject per action tag
	subject := fmt.Sprintf("qdoi.stats.%s", stat.Action)

	// Create the event envelope with metadata
	envelope := EventEnvelope{
		Type:          fmt.Sprintf("qdoi.stats.%s", stat.Action), // Event type
		Version:       "1.0.0",                                   // Event schema version
		OccurredAt:    time.Now().UTC(),                          // Event timestamp
		CorrelationID: uuid.New().String(),                       // Unique correlation ID
		Payload:       stat,                                      // The usage stat data
	}

	// Marshal the envelope to JSON
	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	// Publish the event to the stream
	_, err = p.js.Publish(subject, b)
	return err
}
