package resources

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type identifies a tracked resource category.
type Type string

const (
	TypeCompute   Type = "compute"
	TypeMemory    Type = "memory"
	TypeStorage   Type = "storage"
	TypeNetwork   Type = "network"
	TypeAPICalls  Type = "api_calls"
	TypeHumanTime Type = "human_time"
)

// ErrAllocationNotFound indicates an unknown allocation ID.
var ErrAllocationNotFound = errors.New("resources: allocation not found")

// Allocation is a resource grant for a phase.
type Allocation struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Phase     string    `json:"phase"`
	Requested float64   `json:"requested"`
	Allocated float64   `json:"allocated"`
	Unit      string    `json:"unit"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage records consumption against an allocation. Efficiency is clamped to
// 1.0; consumption beyond the allocation is reported as Overrun instead of an
// efficiency above one.
type Usage struct {
	ID           string    `json:"id"`
	AllocationID string    `json:"allocation_id"`
	Type         Type      `json:"type"`
	Phase        string    `json:"phase"`
	Used         float64   `json:"used"`
	Wasted       float64   `json:"wasted"`
	Overrun      float64   `json:"overrun"`
	Efficiency   float64   `json:"efficiency"`
	Unit         string    `json:"unit"`
	CreatedAt    time.Time `json:"created_at"`
}

// Assessment is a waste-governance verdict over recorded usage.
type Assessment struct {
	ID              string           `json:"id"`
	Period          string           `json:"period"`
	TotalWaste      map[Type]float64 `json:"total_waste"`
	Breaches        []string         `json:"breaches,omitempty"`
	Recommendations []string         `json:"recommendations,omitempty"`
	Compliant       bool             `json:"compliant"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Stats aggregates utilization for reporting.
type Stats struct {
	Count             int     `json:"count"`
	AverageEfficiency float64 `json:"average_efficiency"`
	TotalUsed         float64 `json:"total_used"`
	TotalWaste        float64 `json:"total_waste"`
	TotalOverrun      float64 `json:"total_overrun"`
}

// Config configures the tracker.
type Config struct {
	// WasteThresholds caps the tolerated waste fraction per resource type.
	WasteThresholds map[Type]float64 `koanf:"waste_thresholds"`
}

// DefaultConfig returns the standard waste thresholds.
func DefaultConfig() *Config {
	return &Config{
		WasteThresholds: map[Type]float64{
			TypeCompute:   0.15,
			TypeMemory:    0.20,
			TypeStorage:   0.10,
			TypeNetwork:   0.25,
			TypeAPICalls:  0.05,
			TypeHumanTime: 0.10,
		},
	}
}

// Validate checks the config is usable.
func (c *Config) Validate() error {
	for typ, threshold := range c.WasteThresholds {
		if threshold < 0 || threshold > 1 {
			return fmt.Errorf("waste threshold for %s must be in [0,1]", typ)
		}
	}
	return nil
}

// Tracker owns all allocation and usage records for a process.
type Tracker struct {
	cfg    *Config
	logger *zap.Logger

	mu          sync.Mutex
	allocations map[string]*Allocation
	usages      []*Usage
}

// NewTracker creates a tracker.
func NewTracker(cfg *Config, logger *zap.Logger) (*Tracker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cfg:         cfg,
		logger:      logger,
		allocations: make(map[string]*Allocation),
	}, nil
}

// Allocate grants resources to a phase. The granted amount follows a priority
// curve: priorities 8-10 receive the full request, 4-7 receive 80-95%, and
// 1-3 receive 60-80%.
func (t *Tracker) Allocate(typ Type, phase string, requested float64, unit string, priority int) (*Allocation, error) {
	if requested < 0 {
		return nil, errors.New("requested amount must be non-negative")
	}
	if priority < 1 || priority > 10 {
		return nil, fmt.Errorf("priority must be in [1,10], got %d", priority)
	}

	alloc := &Allocation{
		ID:        uuid.New().String(),
		Type:      typ,
		Phase:     phase,
		Requested: requested,
		Allocated: requested * allocationFactor(priority),
		Unit:      unit,
		Priority:  priority,
		CreatedAt: time.Now(),
	}

	t.mu.Lock()
	t.allocations[alloc.ID] = alloc
	t.mu.Unlock()

	t.logger.Debug("resource allocated",
		zap.String("type", string(typ)),
		zap.String("phase", phase),
		zap.Float64("allocated", alloc.Allocated),
	)

	cp := *alloc
	return &cp, nil
}

func allocationFactor(priority int) float64 {
	switch {
	case priority >= 8:
		return 1.0
	case priority >= 4:
		return 0.80 + float64(priority-4)*0.05
	default:
		return 0.60 + float64(priority)*0.067
	}
}

// Release discards an allocation that will never record usage, such as one
// granted to a phase that failed before settling. A released allocation
// cannot record usage afterwards.
func (t *Tracker) Release(allocationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	alloc, ok := t.allocations[allocationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAllocationNotFound, allocationID)
	}
	delete(t.allocations, allocationID)

	t.logger.Debug("resource allocation released",
		zap.String("type", string(alloc.Type)),
		zap.String("phase", alloc.Phase),
	)
	return nil
}

// RecordUsage records consumption against an allocation.
func (t *Tracker) RecordUsage(allocationID string, used float64) (*Usage, error) {
	if used < 0 {
		return nil, errors.New("used amount must be non-negative")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	alloc, ok := t.allocations[allocationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAllocationNotFound, allocationID)
	}

	usage := &Usage{
		ID:           uuid.New().String(),
		AllocationID: allocationID,
		Type:         alloc.Type,
		Phase:        alloc.Phase,
		Used:         used,
		Wasted:       maxFloat(0, alloc.Allocated-used),
		Overrun:      maxFloat(0, used-alloc.Allocated),
		Unit:         alloc.Unit,
		Efficiency:   1.0,
		CreatedAt:    time.Now(),
	}
	if alloc.Allocated > 0 {
		usage.Efficiency = minFloat(1.0, used/alloc.Allocated)
	}

	t.usages = append(t.usages, usage)

	if usage.Overrun > 0 {
		t.logger.Warn("resource usage exceeded allocation",
			zap.String("type", string(alloc.Type)),
			zap.String("phase", alloc.Phase),
			zap.Float64("overrun", usage.Overrun),
		)
	}

	cp := *usage
	return &cp, nil
}

// Allocations returns the number of live allocations, released ones
// excluded.
func (t *Tracker) Allocations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.allocations)
}

// Assess evaluates waste against the configured per-type thresholds.
func (t *Tracker) Assess(period string) *Assessment {
	t.mu.Lock()
	defer t.mu.Unlock()

	totalWaste := make(map[Type]float64)
	totalAllocated := make(map[Type]float64)
	var efficiencySum float64

	for _, u := range t.usages {
		totalWaste[u.Type] += u.Wasted
		efficiencySum += u.Efficiency
		if alloc, ok := t.allocations[u.AllocationID]; ok {
			totalAllocated[u.Type] += alloc.Allocated
		}
	}

	var breaches []string
	types := make([]Type, 0, len(t.cfg.WasteThresholds))
	for typ := range t.cfg.WasteThresholds {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, typ := range types {
		allocated := totalAllocated[typ]
		if allocated <= 0 {
			continue
		}
		fraction := totalWaste[typ] / allocated
		if threshold := t.cfg.WasteThresholds[typ]; fraction > threshold {
			breaches = append(breaches, fmt.Sprintf("%s: %.1f%% waste exceeds threshold of %.1f%%",
				typ, fraction*100, threshold*100))
		}
	}

	var recommendations []string
	if len(breaches) > 0 {
		recommendations = append(recommendations,
			"reduce over-allocation in high-waste categories",
			"review phase budgets against recorded usage",
		)
	}
	if n := len(t.usages); n > 0 {
		if avg := efficiencySum / float64(n); avg < 0.8 {
			recommendations = append(recommendations,
				fmt.Sprintf("overall efficiency is %.1f%%, consider tightening budgets", avg*100))
		}
	}

	return &Assessment{
		ID:              uuid.New().String(),
		Period:          period,
		TotalWaste:      totalWaste,
		Breaches:        breaches,
		Recommendations: recommendations,
		Compliant:       len(breaches) == 0,
		CreatedAt:       time.Now(),
	}
}

// Stats aggregates utilization, optionally filtered by type and phase. Empty
// filter values match everything.
func (t *Tracker) Stats(typ Type, phase string) *Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := &Stats{AverageEfficiency: 1.0}
	var efficiencySum float64

	for _, u := range t.usages {
		if typ != "" && u.Type != typ {
			continue
		}
		if phase != "" && u.Phase != phase {
			continue
		}
		stats.Count++
		stats.TotalUsed += u.Used
		stats.TotalWaste += u.Wasted
		stats.TotalOverrun += u.Overrun
		efficiencySum += u.Efficiency
	}

	if stats.Count > 0 {
		stats.AverageEfficiency = efficiencySum / float64(stats.Count)
	}
	return stats
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
