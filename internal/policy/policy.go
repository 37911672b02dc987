// Package policy decides which completed entities a retention sweep keeps.
//
// A Policy never modifies its input. Retain returns the kept items in input
// order, so running a policy twice on the same input gives the same answer.
package policy

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/bleepstore/bleepbackup/internal/logging"
	"github.com/bleepstore/bleepbackup/internal/model"
)

// Policy selects the items to retain.
type Policy[T model.Entity] interface {
	Retain(ctx context.Context, items []T) []T
	String() string
}

// Config is the retention section shared by the local and offsite tiers.
type Config struct {
	MinDuration time.Duration `yaml:"min_duration"`
	MinCount    int           `yaml:"min_count"`
	Daily       int           `yaml:"daily"`
	Weekly      int           `yaml:"weekly"`
	Monthly     int           `yaml:"monthly"`
	Yearly      int           `yaml:"yearly"`
}

// DefaultConfig keeps a day of backups, at least one, and 7 daily, 4 weekly
// and 6 monthly slots.
func DefaultConfig() Config {
	return Config{MinDuration: 24 * time.Hour, MinCount: 1, Daily: 7, Weekly: 4, Monthly: 6}
}

// Validate rejects negative counts and durations.
func (c Config) Validate() error {
	if c.MinDuration < 0 || c.MinCount < 0 || c.Daily < 0 || c.Weekly < 0 || c.Monthly < 0 || c.Yearly < 0 {
		return fmt.Errorf("retention values must not be negative: %+v", c)
	}
	return nil
}

// FromConfig combines a DWMY, a last-duration and a last-count policy.
func FromConfig[T model.Entity](cfg Config, clk clock.Clock) *Combined[T] {
	return NewCombined[T](
		NewDWMY[T](cfg.Daily, cfg.Weekly, cfg.Monthly, cfg.Yearly, clk),
		NewLastDuration[T](cfg.MinDuration, clk),
		NewLastCount[T](cfg.MinCount),
	)
}

// newestFirst returns a sorted copy of items, most recently started first.
func newestFirst[T model.Entity](items []T) []T {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b T) int {
		return b.StartedDate().Compare(a.StartedDate())
	})
	return sorted
}

// filterKept returns the items of in whose ids are in kept, in input order.
func filterKept[T model.Entity](in []T, kept map[string]bool) []T {
	out := make([]T, 0, len(kept))
	for _, item := range in {
		if kept[item.ID()] {
			out = append(out, item)
		}
	}
	return out
}

// LastCount keeps the count most recently started items.
type LastCount[T model.Entity] struct {
	count int
}

func NewLastCount[T model.Entity](count int) *LastCount[T] {
	return &LastCount[T]{count: count}
}

func (p *LastCount[T]) Retain(ctx context.Context, items []T) []T {
	sorted := newestFirst(items)
	kept := make(map[string]bool)
	for _, item := range sorted[:min(p.count, len(sorted))] {
		kept[item.ID()] = true
	}
	return filterKept(items, kept)
}

func (p *LastCount[T]) String() string { return fmt.Sprintf("LastCount{count=%d}", p.count) }

// LastDuration keeps items started less than a duration ago.
type LastDuration[T model.Entity] struct {
	duration time.Duration
	clock    clock.Clock
}

func NewLastDuration[T model.Entity](d time.Duration, clk clock.Clock) *LastDuration[T] {
	if clk == nil {
		clk = clock.WallClock
	}
	return &LastDuration[T]{duration: d, clock: clk}
}

func (p *LastDuration[T]) Retain(ctx context.Context, items []T) []T {
	now := p.clock.Now()
	var out []T
	for _, item := range items {
		if now.Sub(item.StartedDate()) < p.duration {
			out = append(out, item)
		}
	}
	return out
}

func (p *LastDuration[T]) String() string {
	return fmt.Sprintf("LastDuration{duration=%s}", p.duration)
}

// Combined keeps every item that any of its policies keeps.
type Combined[T model.Entity] struct {
	policies []Policy[T]
}

func NewCombined[T model.Entity](policies ...Policy[T]) *Combined[T] {
	return &Combined[T]{policies: policies}
}

func (p *Combined[T]) Retain(ctx context.Context, items []T) []T {
	kept := make(map[string]bool)
	for _, policy := range p.policies {
		for _, item := range policy.Retain(ctx, items) {
			kept[item.ID()] = true
		}
	}
	return filterKept(items, kept)
}

func (p *Combined[T]) String() string {
	names := make([]string, len(p.policies))
	for i, policy := range p.policies {
		names[i] = policy.String()
	}
	return "Combined{" + strings.Join(names, ", ") + "}"
}

// Lister returns every stored entity of one service.
type Lister[T model.Entity] func(ctx context.Context, service string) ([]T, error)

// Failed keeps a failed item only while nothing that finished or failed
// later exists for its service, so only the latest failure of an unresolved
// chain is retained.
type Failed[T model.Entity] struct {
	list   Lister[T]
	logger *slog.Logger
}

func NewFailed[T model.Entity](list Lister[T], logger *slog.Logger) *Failed[T] {
	return &Failed[T]{list: list, logger: logging.OrDiscard(logger)}
}

func (p *Failed[T]) Retain(ctx context.Context, items []T) []T {
	latest := make(map[string]time.Time)
	unknown := make(map[string]bool)
	for _, item := range items {
		service := item.Service()
		if _, ok := latest[service]; ok || unknown[service] {
			continue
		}
		history, err := p.list(ctx, service)
		if err != nil {
			// Without the history nothing may be dropped.
			p.logger.Warn("Failed to list service history", "service", service, "error", err)
			unknown[service] = true
			continue
		}
		var newest time.Time
		for _, h := range history {
			if !h.IsRunning() && h.StartedDate().After(newest) {
				newest = h.StartedDate()
			}
		}
		latest[service] = newest
	}

	var out []T
	for _, item := range items {
		if unknown[item.Service()] || !latest[item.Service()].After(item.StartedDate()) {
			out = append(out, item)
		}
	}
	return out
}

func (p *Failed[T]) String() string { return "Failed{}" }

// DWMY keeps at most one item per calendar bucket in four bucket sets: days,
// weeks (7 days), months (30 days) and years (365 days). Bucket i of a set
// holds items aged [i*range, (i+1)*range). Items are assigned oldest first,
// so a bucket holds its oldest item unless a later one has a verification and
// the held one does not.
type DWMY[T model.Entity] struct {
	daily, weekly, monthly, yearly int
	clock                          clock.Clock
}

func NewDWMY[T model.Entity](daily, weekly, monthly, yearly int, clk clock.Clock) *DWMY[T] {
	if clk == nil {
		clk = clock.WallClock
	}
	return &DWMY[T]{daily: daily, weekly: weekly, monthly: monthly, yearly: yearly, clock: clk}
}

// ExpectedRetentionCount is how many items the policy converges to when fed
// one item a day. Adjacent bucket sets overlap by one item at each boundary.
func (p *DWMY[T]) ExpectedRetentionCount() int {
	expected := p.daily + p.weekly + p.monthly + p.yearly
	for _, n := range []int{p.weekly, p.monthly, p.yearly} {
		if n > 0 {
			expected--
		}
	}
	return expected
}

type verifiable interface {
	HasVerification() bool
}

func hasVerification(item any) bool {
	v, ok := item.(verifiable)
	return ok && v.HasVerification()
}

func (p *DWMY[T]) Retain(ctx context.Context, items []T) []T {
	now := p.clock.Now()
	oldestFirst := slices.Clone(items)
	slices.SortStableFunc(oldestFirst, func(a, b T) int {
		return cmp.Compare(a.StartedDate().UnixNano(), b.StartedDate().UnixNano())
	})

	kept := make(map[string]bool)
	for _, set := range []struct {
		size int
		days int
	}{{p.daily, 1}, {p.weekly, 7}, {p.monthly, 30}, {p.yearly, 365}} {
		if set.size == 0 {
			continue
		}
		span := time.Duration(set.days) * 24 * time.Hour
		buckets := make([]*T, set.size)
		for i := range oldestFirst {
			item := &oldestFirst[i]
			age := int64(now.Sub((*item).StartedDate()) / span)
			if age < 0 || age >= int64(set.size) {
				continue
			}
			held := buckets[age]
			if held == nil || (hasVerification(*item) && !hasVerification(*held)) {
				buckets[age] = item
			}
		}
		for _, b := range buckets {
			if b != nil {
				kept[(*b).ID()] = true
			}
		}
	}
	return filterKept(items, kept)
}

func (p *DWMY[T]) String() string {
	return fmt.Sprintf("DWMY{daily=%d, weekly=%d, monthly=%d, yearly=%d}", p.daily, p.weekly, p.monthly, p.yearly)
}
