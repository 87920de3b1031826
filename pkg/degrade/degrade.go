package degrade

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bobmatnyc/memguardian/pkg/logging"
)

// FeatureState is the availability of one named feature
type FeatureState string

const (
	FeatureAvailable   FeatureState = "available"
	FeatureDegraded    FeatureState = "degraded"
	FeatureUnavailable FeatureState = "unavailable"
)

// Level is the aggregate degradation level, derived from the proportion
// of features that are not fully available
type Level string

const (
	LevelNormal  Level = "normal"
	LevelReduced Level = "reduced"
	LevelMinimal Level = "minimal"
)

// Feature is one independently degradable capability
type Feature struct {
	Name      string       `json:"name"`
	State     FeatureState `json:"state"`
	Reason    string       `json:"reason,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	ChangedAt time.Time    `json:"changed_at"`
}

// Status is a point-in-time aggregate over the registry
type Status struct {
	Level            Level `json:"level"`
	AvailableCount   int   `json:"available_count"`
	DegradedCount    int   `json:"degraded_count"`
	UnavailableCount int   `json:"unavailable_count"`
}

// Registry tracks named features and their degradation state
type Registry struct {
	mu       sync.RWMutex
	features map[string]*Feature
	logger   *logging.Logger
}

// NewRegistry creates an empty feature registry
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{
		features: make(map[string]*Feature),
		logger:   logger,
	}
}

// RegisterFeature adds a feature in the available state
func (r *Registry) RegisterFeature(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.features[name]; exists {
		return
	}
	r.features[name] = &Feature{
		Name:      name,
		State:     FeatureAvailable,
		ChangedAt: time.Now(),
	}
}

// DegradeFeature marks a feature degraded with a reason and a description
// of the fallback behavior
func (r *Registry) DegradeFeature(name, reason, fallback string) error {
	return r.transition(name, FeatureDegraded, reason, fallback)
}

// MarkUnavailable takes a feature out of service entirely
func (r *Registry) MarkUnavailable(name, reason string) error {
	return r.transition(name, FeatureUnavailable, reason, "")
}

// RecoverFeature returns a feature to full availability
func (r *Registry) RecoverFeature(name string) error {
	return r.transition(name, FeatureAvailable, "", "")
}

func (r *Registry) transition(name string, to FeatureState, reason, fallback string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, exists := r.features[name]
	if !exists {
		return fmt.Errorf("unknown feature: %s", name)
	}
	if f.State == to {
		return nil
	}

	f.State = to
	f.Reason = reason
	f.Fallback = fallback
	f.ChangedAt = time.Now()

	if r.logger != nil {
		r.logger.Info("feature state changed", map[string]interface{}{
			"feature": name,
			"state":   string(to),
			"reason":  reason,
		})
	}
	return nil
}

// Features returns a sorted copy of the registry
func (r *Registry) Features() []Feature {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Feature, 0, len(r.features))
	for _, f := range r.features {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Status derives the aggregate degradation level from the proportion of
// features that are degraded or unavailable
func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Status{Level: LevelNormal}
	for _, f := range r.features {
		switch f.State {
		case FeatureAvailable:
			st.AvailableCount++
		case FeatureDegraded:
			st.DegradedCount++
		case FeatureUnavailable:
			st.UnavailableCount++
		}
	}

	total := len(r.features)
	if total == 0 {
		return st
	}
	impaired := float64(st.DegradedCount+st.UnavailableCount) / float64(total)
	switch {
	case impaired >= 0.6:
		st.Level = LevelMinimal
	case impaired >= 0.25:
		st.Level = LevelReduced
	}
	return st
}
