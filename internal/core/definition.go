package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrFeatureNotFound is returned when a feature has not been defined.
	ErrFeatureNotFound = errors.New("feature not found")

	// ErrInvalidVariants is returned when a definition's variant weights
	// fail validation.
	ErrInvalidVariants = errors.New("invalid variants")
)

// VariantWeight is one named outcome of a variant feature together with its
// share of the distribution. Declaration order is semantic: buckets are
// walked in order and the last-declared variant is the fallback.
type VariantWeight struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
}

// Definition describes a feature: how it resolves, what it depends on, when
// it expires, and how variants are distributed. Definitions are mutated only
// by redefinition (last write wins) and never implicitly deleted.
type Definition struct {
	Name         string
	Resolver     Resolver
	Dependencies []string
	ExpiresAt    *time.Time
	Variants     []VariantWeight
}

// Validate checks the definition the same way [Engine.Define] does, so
// callers can reject bad definitions before persisting them.
func (d Definition) Validate() error {
	return d.validate()
}

func (d Definition) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("feature name is required")
	}
	if d.Resolver == nil && len(d.Variants) == 0 {
		return fmt.Errorf("feature %q needs a resolver or variants", d.Name)
	}
	if len(d.Variants) > 0 {
		return validateVariants(d.Variants)
	}

	return nil
}

func validateVariants(weights []VariantWeight) error {
	total := 0
	seen := make(map[string]bool, len(weights))
	for _, w := range weights {
		if strings.TrimSpace(w.Name) == "" {
			return fmt.Errorf("%w: variant name is required", ErrInvalidVariants)
		}
		if seen[w.Name] {
			return fmt.Errorf("%w: duplicate variant %q", ErrInvalidVariants, w.Name)
		}
		seen[w.Name] = true
		if w.Weight <= 0 {
			return fmt.Errorf("%w: variant %q weight must be > 0", ErrInvalidVariants, w.Name)
		}
		total += w.Weight
	}
	if total != 100 {
		return fmt.Errorf("%w: weights sum to %d, want 100", ErrInvalidVariants, total)
	}

	return nil
}

func (d Definition) expired(now time.Time) bool {
	return d.ExpiresAt != nil && d.ExpiresAt.Before(now)
}
