package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketkit/variantd/internal/config"
	"github.com/marketkit/variantd/internal/store"
)

func TestEncodeDecode(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []*store.Event{
		{ID: 1, Kind: "view", UserID: "u1", ProductID: "p1", CreatedAt: created},
		{ID: 2, Kind: "search", SessionID: "s1", Metadata: map[string]any{"search": "boots"}, CreatedAt: created},
	}

	data, err := Encode(events)
	require.NoError(t, err)

	records, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "view", records[0].Kind)
	assert.Equal(t, "p1", records[0].ProductID)
	assert.True(t, records[0].CreatedAt.Equal(created))
	assert.Equal(t, "boots", records[1].Metadata["search"])
}

func TestDecode_Corrupt(t *testing.T) {
	_, err := Decode([]byte("not snappy"))
	assert.Error(t, err)
}

func TestObjectName(t *testing.T) {
	cutoff := time.Date(2024, 3, 1, 12, 30, 5, 0, time.UTC)
	assert.Equal(t, "events-before-20240301T123005Z.jsonl.sz", ObjectName(cutoff))
}

func TestLocalSink_Put(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "archive")
	sink, err := NewLocalSink(dir)
	require.NoError(t, err)

	require.NoError(t, sink.Put(context.Background(), "a.jsonl.sz", []byte("payload")))

	data, err := os.ReadFile(filepath.Join(dir, "a.jsonl.sz"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = os.Stat(filepath.Join(dir, "a.jsonl.sz.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalSink_CanceledContext(t *testing.T) {
	sink, err := NewLocalSink(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.Put(ctx, "a", nil), context.Canceled)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	sink, err := New(ctx, config.ArchiveConfig{Type: "none"})
	require.NoError(t, err)
	assert.Nil(t, sink)

	sink, err = New(ctx, config.ArchiveConfig{Type: "local", Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalSink{}, sink)

	_, err = New(ctx, config.ArchiveConfig{Type: "s3"})
	assert.Error(t, err, "bucket is required")

	_, err = New(ctx, config.ArchiveConfig{Type: "ftp"})
	assert.Error(t, err)
}

func TestS3Sink_Key(t *testing.T) {
	assert.Equal(t, "a.sz", NewS3SinkWithClient(nil, "b", "").key("a.sz"))
	assert.Equal(t, "variantd/events/a.sz", NewS3SinkWithClient(nil, "b", "variantd/events").key("a.sz"))
}
