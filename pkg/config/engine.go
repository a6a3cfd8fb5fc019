package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EngineConfig is the immutable product definition handed to every engine
// component at construction. Components copy it; nothing reads env at runtime.
type EngineConfig struct {
	InvestmentAmount       decimal.Decimal
	ProfitPerCycle         decimal.Decimal
	CycleDurationDays      int
	TotalCycles            int
	CoreCycles             int
	ExitWindowInterval     int
	ExitWindowDurationDays int
	// ExitPenalties maps a boundary cycle to the share of principal retained on exit.
	ExitPenalties      map[int]decimal.Decimal
	ClusterCapacity    int
	GDCNumberIncrement int
	AutoApprovalWindow time.Duration

	// penaltiesErr keeps a rejected EXIT_PENALTIES value so Validate fails
	// instead of falling back to the default table.
	penaltiesErr error
}

func DefaultEngine() EngineConfig {
	return EngineConfig{
		InvestmentAmount:       decimal.NewFromInt(1_000_000),
		ProfitPerCycle:         decimal.NewFromInt(50_000),
		CycleDurationDays:      37,
		TotalCycles:            24,
		CoreCycles:             12,
		ExitWindowInterval:     3,
		ExitWindowDurationDays: 7,
		ExitPenalties: map[int]decimal.Decimal{
			15: decimal.RequireFromString("0.40"),
			18: decimal.RequireFromString("0.30"),
			21: decimal.RequireFromString("0.20"),
			24: decimal.Zero,
		},
		ClusterCapacity:    10,
		GDCNumberIncrement: 10,
		AutoApprovalWindow: 60 * time.Minute,
	}
}

// Clone returns a copy that shares no mutable state with c.
func (c EngineConfig) Clone() EngineConfig {
	penalties := make(map[int]decimal.Decimal, len(c.ExitPenalties))
	for k, v := range c.ExitPenalties {
		penalties[k] = v
	}
	c.ExitPenalties = penalties
	return c
}

func (c EngineConfig) CycleDuration() time.Duration {
	return time.Duration(c.CycleDurationDays) * 24 * time.Hour
}

func (c EngineConfig) ExitWindowDuration() time.Duration {
	return time.Duration(c.ExitWindowDurationDays) * 24 * time.Hour
}

// ProfitRate is the flat per-cycle profit as a share of principal.
func (c EngineConfig) ProfitRate() decimal.Decimal {
	if c.InvestmentAmount.IsZero() {
		return decimal.Zero
	}
	return c.ProfitPerCycle.Div(c.InvestmentAmount)
}

// ExitBoundaries lists the cycles at which an exit window opens: core + k*interval,
// strictly before the terminal cycle.
func (c EngineConfig) ExitBoundaries() []int {
	var out []int
	if c.ExitWindowInterval <= 0 {
		return out
	}
	for n := c.CoreCycles + c.ExitWindowInterval; n < c.TotalCycles; n += c.ExitWindowInterval {
		out = append(out, n)
	}
	return out
}

func (c EngineConfig) IsExitBoundary(cycle int) bool {
	if c.ExitWindowInterval <= 0 || cycle <= c.CoreCycles || cycle >= c.TotalCycles {
		return false
	}
	return (cycle-c.CoreCycles)%c.ExitWindowInterval == 0
}

// BoundaryFor returns the latest exit boundary at or before cycle, or 0 if none.
func (c EngineConfig) BoundaryFor(cycle int) int {
	if cycle >= c.TotalCycles {
		return c.TotalCycles
	}
	best := 0
	for _, b := range c.ExitBoundaries() {
		if b <= cycle {
			best = b
		}
	}
	return best
}

// PenaltyRate looks up the penalty for a boundary. The terminal cycle is always zero.
func (c EngineConfig) PenaltyRate(boundary int) (decimal.Decimal, bool) {
	if boundary == c.TotalCycles {
		return decimal.Zero, true
	}
	rate, ok := c.ExitPenalties[boundary]
	return rate, ok
}

func (c EngineConfig) Validate() error {
	var problems []string
	if c.penaltiesErr != nil {
		problems = append(problems, "EXIT_PENALTIES: "+c.penaltiesErr.Error())
	}
	if !c.InvestmentAmount.IsPositive() {
		problems = append(problems, "investment amount must be positive")
	}
	if c.ProfitPerCycle.IsNegative() {
		problems = append(problems, "profit per cycle must not be negative")
	}
	if c.CycleDurationDays <= 0 {
		problems = append(problems, "cycle duration must be positive")
	}
	if c.CoreCycles <= 0 || c.CoreCycles >= c.TotalCycles {
		problems = append(problems, "core cycles must be between 1 and total cycles - 1")
	}
	if c.ExitWindowInterval <= 0 {
		problems = append(problems, "exit window interval must be positive")
	}
	if c.ExitWindowDurationDays <= 0 {
		problems = append(problems, "exit window duration must be positive")
	}
	if c.ClusterCapacity <= 0 {
		problems = append(problems, "cluster capacity must be positive")
	}
	if c.GDCNumberIncrement <= 0 {
		problems = append(problems, "gdc number increment must be positive")
	}
	for _, b := range c.ExitBoundaries() {
		rate, ok := c.ExitPenalties[b]
		if !ok {
			problems = append(problems, fmt.Sprintf("missing exit penalty for cycle %d", b))
			continue
		}
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
			problems = append(problems, fmt.Sprintf("exit penalty for cycle %d must be within [0,1]", b))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid engine configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ParsePenalties reads "15:0.40,18:0.30" into a penalty table.
func ParsePenalties(raw string) (map[int]decimal.Decimal, error) {
	out := make(map[int]decimal.Decimal)
	for _, pair := range splitList(raw) {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed penalty entry %q", pair)
		}
		cycle, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("malformed penalty cycle %q: %w", parts[0], err)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("malformed penalty rate %q: %w", parts[1], err)
		}
		out[cycle] = rate
	}
	return out, nil
}

// FormatPenalties is the inverse of ParsePenalties, ordered by cycle.
func FormatPenalties(p map[int]decimal.Decimal) string {
	keys := make([]int, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d:%s", k, p[k].String()))
	}
	return strings.Join(parts, ",")
}
