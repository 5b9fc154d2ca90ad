// Package risk computes a deterministic, weighted-factor risk score for a
// proposed change request.
package risk

import (
	"math"
	"path/filepath"
	"time"

	"github.com/invgraph/invgraph/pkg/types"
)

// Input describes the proposed change being scored.
type Input struct {
	Category      string
	Dangerous     bool
	Environment   types.Environment
	Parameters    map[string]interface{}
	ResourceIDs   []string
	ResourceNames []string
	Now           time.Time // zero means time.Now()
}

// Config parameterizes the scorer's tunable tables.
type Config struct {
	CriticalNamePatterns []string // glob patterns, e.g. "*-prod-*"
	BlackoutWindows      []BlackoutWindow
	CategoryBaseScores   map[string]float64
	LevelThresholds      LevelThresholds
}

// BlackoutWindow is a daily window (in the scorer's configured time zone)
// during which the time-of-day factor is elevated.
type BlackoutWindow struct {
	StartHour int // 0-23
	EndHour   int // 0-23, exclusive; may wrap past midnight if EndHour < StartHour
}

// LevelThresholds are the minimum overall score for each risk level.
type LevelThresholds struct {
	Critical float64
	High     float64
	Medium   float64
	Low      float64
}

// DefaultConfig returns the scorer's built-in defaults.
func DefaultConfig() Config {
	return Config{
		CriticalNamePatterns: []string{"*-prod-*", "*-db-*"},
		BlackoutWindows:      nil,
		CategoryBaseScores: map[string]float64{
			"delete":   90,
			"security": 85,
			"network":  80,
			"migrate":  75,
			"scale":    50,
			"backup":   30,
			"audit":    10,
		},
		LevelThresholds: LevelThresholds{Critical: 80, High: 60, Medium: 40, Low: 20},
	}
}

var environmentMultiplier = map[types.Environment]float64{
	types.EnvProduction:       2.0,
	types.EnvDisasterRecovery: 1.8,
	types.EnvStaging:          1.2,
	types.EnvDevelopment:      0.5,
}

// Score computes the risk assessment for in, using cfg's tunables.
func Score(in Input, cfg Config) *types.Risk {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	factors := []types.RiskFactor{
		{Name: "environment", Score: environmentFactor(in.Environment), Weight: 1},
		{Name: "operation-type", Score: operationFactor(in.Category, in.Dangerous, cfg), Weight: 1},
		{Name: "resource-count", Score: resourceCountFactor(len(in.ResourceIDs)), Weight: 1},
		{Name: "resource-criticality", Score: resourceCriticalityFactor(in.ResourceNames, cfg), Weight: 1},
		{Name: "time-of-day", Score: timeOfDayFactor(now, cfg), Weight: 1},
	}

	var weighted, weights float64
	for _, f := range factors {
		weighted += f.Score * f.Weight
		weights += f.Weight
	}
	overall := clamp(round(weighted/weights), 0, 100)

	level := levelFor(overall, cfg.LevelThresholds)
	return &types.Risk{
		OverallScore:     overall,
		Level:            level,
		Factors:          factors,
		RequiresApproval: requiresApproval(in.Environment, level),
	}
}

func environmentFactor(env types.Environment) float64 {
	mult, ok := environmentMultiplier[env]
	if !ok {
		mult = 1.0
	}
	return clamp(50*mult, 0, 100)
}

func operationFactor(category string, dangerous bool, cfg Config) float64 {
	base, ok := cfg.CategoryBaseScores[category]
	if !ok {
		base = 50
	}
	if dangerous {
		base *= 1.5
	}
	return clamp(base, 0, 100)
}

func resourceCountFactor(count int) float64 {
	switch {
	case count <= 0:
		return 0
	case count <= 1:
		return 10
	case count <= 5:
		return 20
	case count <= 10:
		return 40
	case count <= 20:
		return 60
	case count <= 50:
		return 80
	case count < 100:
		return 90
	default:
		return 100
	}
}

func resourceCriticalityFactor(names []string, cfg Config) float64 {
	for _, name := range names {
		for _, pattern := range cfg.CriticalNamePatterns {
			if matched, _ := filepath.Match(pattern, name); matched {
				return 90
			}
		}
	}
	return 30
}

func timeOfDayFactor(now time.Time, cfg Config) float64 {
	hour := now.Hour()
	for _, w := range cfg.BlackoutWindows {
		if inWindow(hour, w) {
			return 70
		}
	}
	return 20
}

func inWindow(hour int, w BlackoutWindow) bool {
	if w.StartHour <= w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	return hour >= w.StartHour || hour < w.EndHour
}

func levelFor(score float64, t LevelThresholds) types.RiskLevel {
	switch {
	case score >= t.Critical:
		return types.RiskCritical
	case score >= t.High:
		return types.RiskHigh
	case score >= t.Medium:
		return types.RiskMedium
	case score >= t.Low:
		return types.RiskLow
	default:
		return types.RiskMinimal
	}
}

func requiresApproval(env types.Environment, level types.RiskLevel) bool {
	switch env {
	case types.EnvProduction:
		return level == types.RiskCritical || level == types.RiskHigh || level == types.RiskMedium
	case types.EnvStaging:
		return level == types.RiskCritical || level == types.RiskHigh
	default:
		return false
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64) float64 {
	return math.Round(v)
}
