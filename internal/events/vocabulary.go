// Package events validates, stores and batches interaction events.
package events

import (
	"fmt"
	"sort"
	"strings"

	"github.com/marketkit/variantd/internal/apperr"
	"github.com/marketkit/variantd/internal/store"
)

// Well-known event kinds.
const (
	KindView           = "view"
	KindClick          = "click"
	KindAddToCart      = "add_to_cart"
	KindPurchase       = "purchase"
	KindImpression     = "impression"
	KindSearch         = "search"
	KindCategoryBrowse = "category_browse"
	KindOutboundClick  = "outbound_click"
)

// Vocabulary maps each accepted event kind to the fields it requires.
// Field names are user_id, session_id, product_id, seller_id, addon_id,
// experiment, variant or metadata.<key>.
type Vocabulary map[string][]string

// DefaultVocabulary returns the built-in event kinds.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		KindView:           {"product_id"},
		KindClick:          {"product_id"},
		KindAddToCart:      {"product_id"},
		KindPurchase:       nil,
		KindImpression:     nil,
		KindSearch:         {"metadata.search"},
		KindCategoryBrowse: {"metadata.category"},
		KindOutboundClick:  nil,
	}
}

// NewVocabulary builds a vocabulary from configuration. An empty map yields
// the default vocabulary.
func NewVocabulary(kinds map[string][]string) (Vocabulary, error) {
	if len(kinds) == 0 {
		return DefaultVocabulary(), nil
	}

	v := make(Vocabulary, len(kinds))
	for kind, fields := range kinds {
		for _, f := range fields {
			if !knownField(f) {
				return nil, fmt.Errorf("event kind %q requires unknown field %q", kind, f)
			}
		}
		v[kind] = fields
	}
	return v, nil
}

// Kinds returns the accepted kinds, sorted.
func (v Vocabulary) Kinds() []string {
	kinds := make([]string, 0, len(v))
	for k := range v {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Validate checks the kind of e and the fields that kind requires. Every
// event also needs a user or session id.
func (v Vocabulary) Validate(e *store.Event) error {
	if e.Kind == "" {
		return apperr.Validation("kind", "is required")
	}
	required, ok := v[e.Kind]
	if !ok {
		return apperr.Validation("kind", "unknown event kind %q", e.Kind)
	}
	if e.UserID == "" && e.SessionID == "" {
		return apperr.Validation("user_id", "one of user_id and session_id is required")
	}
	for _, f := range required {
		if fieldValue(e, f) == "" {
			return apperr.Validation(f, "is required for %s events", e.Kind)
		}
	}
	return nil
}

func knownField(f string) bool {
	switch f {
	case "user_id", "session_id", "product_id", "seller_id", "addon_id", "experiment", "variant":
		return true
	}
	key, ok := strings.CutPrefix(f, "metadata.")
	return ok && key != ""
}

func fieldValue(e *store.Event, f string) string {
	switch f {
	case "user_id":
		return e.UserID
	case "session_id":
		return e.SessionID
	case "product_id":
		return e.ProductID
	case "seller_id":
		return e.SellerID
	case "addon_id":
		return e.AddonID
	case "experiment":
		return e.Experiment
	case "variant":
		return e.Variant
	}
	if key, ok := strings.CutPrefix(f, "metadata."); ok {
		val, present := e.Metadata[key]
		if !present || val == nil {
			return ""
		}
		return strings.TrimSpace(fmt.Sprint(val))
	}
	return ""
}
