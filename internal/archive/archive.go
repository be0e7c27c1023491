// Package archive writes purged events to durable storage before retention
// deletes them. Archives are snappy-compressed JSON Lines.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"

	"github.com/marketkit/variantd/internal/config"
	"github.com/marketkit/variantd/internal/store"
)

// Extension is appended to every archive object name.
const Extension = ".jsonl.sz"

// Sink stores one archive object.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
}

// Record is the archived form of an event.
type Record struct {
	ID         int64          `json:"id"`
	Kind       string         `json:"kind"`
	UserID     string         `json:"user_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	ProductID  string         `json:"product_id,omitempty"`
	SellerID   string         `json:"seller_id,omitempty"`
	AddonID    string         `json:"addon_id,omitempty"`
	Experiment string         `json:"experiment,omitempty"`
	Variant    string         `json:"variant,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewRecord converts an event to its archived form.
func NewRecord(e *store.Event) Record {
	return Record{
		ID:         e.ID,
		Kind:       e.Kind,
		UserID:     e.UserID,
		SessionID:  e.SessionID,
		ProductID:  e.ProductID,
		SellerID:   e.SellerID,
		AddonID:    e.AddonID,
		Experiment: e.Experiment,
		Variant:    e.Variant,
		Metadata:   e.Metadata,
		CreatedAt:  e.CreatedAt.UTC(),
	}
}

// Encode renders events as JSON Lines and compresses them with snappy.
func Encode(events []*store.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if err := enc.Encode(NewRecord(e)); err != nil {
			return nil, fmt.Errorf("failed to encode event %d: %w", e.ID, err)
		}
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

// Decode reverses Encode.
func Decode(data []byte) ([]Record, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress archive: %w", err)
	}

	var records []Record
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var r Record
		if err := dec.Decode(&r); err != nil {
			return nil, fmt.Errorf("failed to decode archive record: %w", err)
		}
		records = append(records, r)
	}
	return records, nil
}

// ObjectName names the archive for events before cutoff.
func ObjectName(cutoff time.Time) string {
	return "events-before-" + cutoff.UTC().Format("20060102T150405Z") + Extension
}

// New builds the sink selected by cfg. It returns nil for type "none".
func New(ctx context.Context, cfg config.ArchiveConfig) (Sink, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "local":
		sink, err := NewLocalSink(cfg.Path)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "s3":
		sink, err := NewS3Sink(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("unknown archive type %q", cfg.Type)
	}
}
