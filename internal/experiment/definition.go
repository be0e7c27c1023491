package experiment

import (
	"time"

	"github.com/marketkit/variantd/internal/store"
)

// Definition is the operator-supplied part of an experiment.
type Definition struct {
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	Variants         []store.Variant `json:"variants"`
	Targeting        store.Targeting `json:"targeting"`
	PrimaryMetric    string          `json:"primary_metric"`
	SecondaryMetrics []string        `json:"secondary_metrics,omitempty"`
	MinSampleSize    int             `json:"min_sample_size"`
	ConfidenceLevel  float64         `json:"confidence_level"`
	StartAt          *time.Time      `json:"start_at,omitempty"`
	EndAt            *time.Time      `json:"end_at,omitempty"`
}

// Defaults applied to omitted definition fields.
const (
	DefaultPrimaryMetric   = "conversion_rate"
	DefaultConfidenceLevel = 0.95
)

func (d Definition) withDefaults() Definition {
	if d.PrimaryMetric == "" {
		d.PrimaryMetric = DefaultPrimaryMetric
	}
	if d.ConfidenceLevel == 0 {
		d.ConfidenceLevel = DefaultConfidenceLevel
	}
	return d
}

// Patch changes selected fields of an experiment. Nil fields are left as is.
type Patch struct {
	Name             *string          `json:"name,omitempty"`
	Description      *string          `json:"description,omitempty"`
	Variants         *[]store.Variant `json:"variants,omitempty"`
	Targeting        *store.Targeting `json:"targeting,omitempty"`
	PrimaryMetric    *string          `json:"primary_metric,omitempty"`
	SecondaryMetrics *[]string        `json:"secondary_metrics,omitempty"`
	MinSampleSize    *int             `json:"min_sample_size,omitempty"`
	ConfidenceLevel  *float64         `json:"confidence_level,omitempty"`
	StartAt          *time.Time       `json:"start_at,omitempty"`
	EndAt            *time.Time       `json:"end_at,omitempty"`
}

func (p Patch) apply(exp *store.Experiment) {
	if p.Name != nil {
		exp.Name = *p.Name
	}
	if p.Description != nil {
		exp.Description = *p.Description
	}
	if p.Variants != nil {
		exp.Variants = *p.Variants
	}
	if p.Targeting != nil {
		exp.Targeting = *p.Targeting
	}
	if p.PrimaryMetric != nil {
		exp.PrimaryMetric = *p.PrimaryMetric
	}
	if p.SecondaryMetrics != nil {
		exp.SecondaryMetrics = *p.SecondaryMetrics
	}
	if p.MinSampleSize != nil {
		exp.MinSampleSize = *p.MinSampleSize
	}
	if p.ConfidenceLevel != nil {
		exp.ConfidenceLevel = *p.ConfidenceLevel
	}
	if p.StartAt != nil {
		exp.StartAt = p.StartAt
	}
	if p.EndAt != nil {
		exp.EndAt = p.EndAt
	}
}
