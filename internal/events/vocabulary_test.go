package events_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketkit/variantd/internal/apperr"
	"github.com/marketkit/variantd/internal/events"
	"github.com/marketkit/variantd/internal/store"
)

func TestVocabulary_Validate(t *testing.T) {
	vocab := events.DefaultVocabulary()

	tests := []struct {
		name  string
		event store.Event
		field string
	}{
		{"view ok", store.Event{Kind: "view", UserID: "u", ProductID: "p"}, ""},
		{"purchase by session", store.Event{Kind: "purchase", SessionID: "s"}, ""},
		{"search ok", store.Event{Kind: "search", SessionID: "s", Metadata: map[string]any{"search": "boots"}}, ""},
		{"missing kind", store.Event{UserID: "u"}, "kind"},
		{"unknown kind", store.Event{Kind: "teleport", UserID: "u"}, "kind"},
		{"no unit", store.Event{Kind: "purchase"}, "user_id"},
		{"view without product", store.Event{Kind: "view", UserID: "u"}, "product_id"},
		{"search without text", store.Event{Kind: "search", UserID: "u", Metadata: map[string]any{"search": "  "}}, "metadata.search"},
		{"browse without category", store.Event{Kind: "category_browse", UserID: "u"}, "metadata.category"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := vocab.Validate(&tt.event)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, apperr.ErrValidation)
			assert.Equal(t, tt.field, apperr.FieldOf(err))
		})
	}
}

func TestNewVocabulary(t *testing.T) {
	vocab, err := events.NewVocabulary(nil)
	require.NoError(t, err)
	assert.Len(t, vocab.Kinds(), 8)

	vocab, err = events.NewVocabulary(map[string][]string{
		"wishlist": {"product_id", "metadata.list"},
		"signup":   nil,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"signup", "wishlist"}, vocab.Kinds())

	// The custom vocabulary replaces the defaults.
	err = vocab.Validate(&store.Event{Kind: "view", UserID: "u", ProductID: "p"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = events.NewVocabulary(map[string][]string{"x": {"price"}})
	assert.Error(t, err)
	_, err = events.NewVocabulary(map[string][]string{"x": {"metadata."}})
	assert.Error(t, err)
}
