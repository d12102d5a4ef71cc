// Package deadletter archives entries the bridge could not deliver to
// Pub/Sub as gzipped JSON lines in Cloud Storage.
package deadletter

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-mqttbridge/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds the archive location. An empty Bucket disables archiving.
type Config struct {
	Bucket       string
	ObjectPrefix string
	// WriteTimeout bounds one upload, independent of the caller's deadline.
	WriteTimeout time.Duration
}

// Env constants for the dead-letter archive.
const (
	DeadLetterBucket       = "DEADLETTER_GCS_BUCKET"
	DeadLetterPrefix       = "DEADLETTER_GCS_PREFIX"
	DeadLetterWriteTimeout = "DEADLETTER_WRITE_TIMEOUT"
)

// LoadConfigFromEnv returns the archive config. Archiving stays disabled
// unless DEADLETTER_GCS_BUCKET is set.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Bucket:       os.Getenv(DeadLetterBucket),
		ObjectPrefix: "mqtt-bridge/deadletter",
		WriteTimeout: 10 * time.Second,
	}
	if v := os.Getenv(DeadLetterPrefix); v != "" {
		cfg.ObjectPrefix = v
	}
	if v := os.Getenv(DeadLetterWriteTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.WriteTimeout = d
		}
	}
	return cfg
}

// Enabled reports whether a bucket is configured.
func (c *Config) Enabled() bool {
	return c != nil && c.Bucket != ""
}

// Record is one archived line.
type Record struct {
	Topic      string            `json:"topic"`
	Payload    json.RawMessage   `json:"payload"`
	Attributes map[string]string `json:"attributes"`
	Priority   types.Priority    `json:"priority"`
	ReceivedAt time.Time         `json:"receivedAt"`
	Error      string            `json:"error"`
	ArchivedAt time.Time         `json:"archivedAt"`
}

// Archiver writes undeliverable entries to the Store.
type Archiver struct {
	store  Store
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(store Store, cfg *Config, logger zerolog.Logger) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("dead-letter store cannot be nil")
	}
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%s is required for the dead-letter archive", DeadLetterBucket)
	}
	c := *cfg
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return &Archiver{
		store:  store,
		cfg:    c,
		logger: logger.With().Str("component", "DeadLetterArchiver").Logger(),
		now:    time.Now,
	}, nil
}

// ObjectName returns the object path for a new archive of topic at t:
// prefix/topic/yyyy/mm/dd/hh/<uuid>.jsonl.gz.
func (a *Archiver) ObjectName(topic string, t time.Time) string {
	t = t.UTC()
	return path.Join(a.cfg.ObjectPrefix, topic, t.Format("2006/01/02/15"), uuid.NewString()+".jsonl.gz")
}

// Archive uploads entries as one object. It ignores cancellation of ctx so
// that entries dropped during shutdown are still written, bounded by WriteTimeout.
func (a *Archiver) Archive(ctx context.Context, topic string, entries []types.BufferedEntry, cause error) error {
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.WriteTimeout)
	defer cancel()

	now := a.now()
	objectName := a.ObjectName(topic, now)
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	w := a.store.NewObjectWriter(ctx, a.cfg.Bucket, objectName)
	pr, pw := io.Pipe()

	go func() {
		var err error
		defer func() { _ = pw.CloseWithError(err) }()
		gz := gzip.NewWriter(pw)
		enc := json.NewEncoder(gz)
		for _, e := range entries {
			rec := Record{
				Topic:      topic,
				Payload:    json.RawMessage(e.Payload),
				Attributes: e.Attributes,
				Priority:   e.Priority,
				ReceivedAt: e.ReceivedAt,
				Error:      reason,
				ArchivedAt: now,
			}
			if !json.Valid(e.Payload) {
				rec.Payload, _ = json.Marshal(string(e.Payload))
			}
			if err = enc.Encode(rec); err != nil {
				err = fmt.Errorf("json encoding failed for %s: %w", objectName, err)
				_ = gz.Close()
				return
			}
		}
		err = gz.Close()
	}()

	written, copyErr := io.Copy(w, pr)
	closeErr := w.Close()
	if copyErr != nil {
		return fmt.Errorf("failed to stream dead-letter object %s: %w", objectName, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to finalize dead-letter object %s: %w", objectName, closeErr)
	}

	a.logger.Warn().
		Str("topic", topic).
		Str("object_name", objectName).
		Int("entries", len(entries)).
		Int64("bytes_written", written).
		Msg("Archived undeliverable entries.")
	return nil
}
