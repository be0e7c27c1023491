package assign

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/marketkit/variantd/internal/events"
	"github.com/marketkit/variantd/internal/store"
)

// DefaultDisplayExperiment drives product-display ranking.
const DefaultDisplayExperiment = "product_display_strategy"

// DisplayConfig tells the storefront how to lay out products. A display
// variant's config is decoded over the defaults, so variants only name the
// fields they change.
type DisplayConfig struct {
	Strategy          string `json:"strategy"`
	MaxItems          int    `json:"max_items"`
	PrioritizeRevenue bool   `json:"prioritize_revenue"`
	FallbackToRelated bool   `json:"fallback_to_related"`

	Experiment string `json:"experiment,omitempty"`
	Variant    string `json:"variant,omitempty"`
}

func DefaultDisplayConfig() DisplayConfig {
	return DisplayConfig{
		Strategy:          "default",
		MaxItems:          8,
		FallbackToRelated: true,
	}
}

// GetDisplayConfig resolves the display experiment for unit and records an
// impression for productID. It always returns a usable configuration.
func (e *Engine) GetDisplayConfig(ctx context.Context, productID string, unit Unit, attrs Attributes) DisplayConfig {
	cfg := e.defaults

	if a, ok := e.GetVariant(ctx, e.display, unit, attrs); ok {
		variantCfg := cfg
		if len(a.Config) > 0 {
			if err := json.Unmarshal(a.Config, &variantCfg); err != nil {
				e.logger.Warn("invalid display variant config, serving default",
					zap.String("experiment", a.Experiment), zap.String("variant", a.Variant), zap.Error(err))
				variantCfg = cfg
			}
		}
		cfg = variantCfg
		cfg.Experiment = a.Experiment
		cfg.Variant = a.Variant
	}

	if unit.Validate() == nil {
		impression := &store.Event{
			Kind:       events.KindImpression,
			UserID:     unit.UserID,
			SessionID:  unit.SessionID,
			ProductID:  productID,
			SellerID:   attrs.SellerID,
			Experiment: cfg.Experiment,
			Variant:    cfg.Variant,
			Metadata:   impressionMetadata(cfg, attrs),
		}
		if err := e.events.Submit(impression); err != nil {
			e.logger.Warn("failed to record display impression", zap.String("product_id", productID), zap.Error(err))
		}
	}

	return cfg
}

func impressionMetadata(cfg DisplayConfig, attrs Attributes) map[string]any {
	md := map[string]any{"strategy": cfg.Strategy}
	if attrs.Category != "" {
		md["category"] = attrs.Category
	}
	if attrs.UserAgent != "" {
		md["user_agent"] = attrs.UserAgent
	}
	if attrs.Origin != "" {
		md["origin"] = attrs.Origin
	}
	return md
}
