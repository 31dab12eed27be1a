// Package classify routes external work items to worker pools. Routing
// is rule-driven and fully deterministic: the same item always yields
// the same pool, kind, and priority.
package classify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/devflowhq/devflow/pkg/models"
)

// Rules holds the classification tables. The zero value is unusable;
// start from DefaultRules or LoadRules.
type Rules struct {
	// Labels maps exact label names to pools. Checked first.
	Labels map[string]models.Pool `yaml:"labels"`
	// Keywords maps pools to substrings matched against title and body.
	// Title matches score double.
	Keywords map[models.Pool][]string `yaml:"keywords"`
	// KindLabels maps exact label names to task kinds.
	KindLabels map[string]models.TaskKind `yaml:"kind_labels"`
	// PriorityLabels maps exact label names to priority overrides.
	PriorityLabels map[string]int `yaml:"priority_labels"`
	// DefaultPool receives items no rule matches. Never empty:
	// classification must not drop work.
	DefaultPool models.Pool `yaml:"default_pool"`
	// DefaultKind is assigned when no kind label matches.
	DefaultKind models.TaskKind `yaml:"default_kind"`
}

// DefaultRules returns the compiled-in classification tables.
func DefaultRules() *Rules {
	return &Rules{
		Labels: map[string]models.Pool{
			"backend":        models.PoolServerLogic,
			"api":            models.PoolServerLogic,
			"server":         models.PoolServerLogic,
			"authentication": models.PoolServerLogic,
			"authorization":  models.PoolServerLogic,
			"security":       models.PoolServerLogic,
			"endpoint":       models.PoolServerLogic,

			"frontend":   models.PoolClientUI,
			"ui":         models.PoolClientUI,
			"ux":         models.PoolClientUI,
			"component":  models.PoolClientUI,
			"design":     models.PoolClientUI,
			"css":        models.PoolClientUI,
			"responsive": models.PoolClientUI,

			"database":  models.PoolDataModel,
			"db":        models.PoolDataModel,
			"schema":    models.PoolDataModel,
			"migration": models.PoolDataModel,
			"query":     models.PoolDataModel,
			"model":     models.PoolDataModel,

			"devops":         models.PoolDeployConfig,
			"deployment":     models.PoolDeployConfig,
			"infrastructure": models.PoolDeployConfig,
			"ci/cd":          models.PoolDeployConfig,
			"docker":         models.PoolDeployConfig,
			"kubernetes":     models.PoolDeployConfig,
			"monitoring":     models.PoolDeployConfig,

			"qa":      models.PoolQualityReview,
			"testing": models.PoolQualityReview,
			"test":    models.PoolQualityReview,
			"review":  models.PoolQualityReview,
		},
		Keywords: map[models.Pool][]string{
			models.PoolServerLogic: {
				"api", "endpoint", "route", "service", "backend", "auth",
				"server", "rest", "graphql", "business logic", "validation",
				"middleware",
			},
			models.PoolClientUI: {
				"ui", "ux", "component", "page", "screen", "button", "form",
				"modal", "dashboard", "menu", "nav", "layout", "react", "vue",
				"frontend", "responsive",
			},
			models.PoolDataModel: {
				"database", "db", "schema", "table", "column", "index",
				"migration", "query", "model", "relation", "foreign key",
				"postgres", "mysql", "sqlite", "orm",
			},
			models.PoolDeployConfig: {
				"deploy", "docker", "kubernetes", "container", "ci/cd",
				"pipeline", "nginx", "ssl", "certificate", "domain",
				"infrastructure", "scaling", "monitoring",
			},
			models.PoolQualityReview: {
				"test", "bug", "broken", "coverage", "assertion",
				"regression", "quality",
			},
		},
		KindLabels: map[string]models.TaskKind{
			"bug":         models.KindFixDefect,
			"defect":      models.KindFixDefect,
			"fix":         models.KindFixDefect,
			"test":        models.KindWriteTests,
			"testing":     models.KindWriteTests,
			"refactor":    models.KindRefactor,
			"tech-debt":   models.KindRefactor,
			"interface":   models.KindImproveInterface,
			"enhancement": models.KindImplementFeature,
			"feature":     models.KindImplementFeature,
			"review":      models.KindReviewChange,
		},
		PriorityLabels: map[string]int{
			"critical": 0,
			"urgent":   0,
			"high":     1,
			"medium":   3,
			"low":      6,
		},
		DefaultPool: models.PoolServerLogic,
		DefaultKind: models.KindImplementFeature,
	}
}

// LoadRules reads rule tables from a YAML file, filling gaps from the
// compiled-in defaults.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}

	rules := &Rules{}
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}

	defaults := DefaultRules()
	if len(rules.Labels) == 0 {
		rules.Labels = defaults.Labels
	}
	if len(rules.Keywords) == 0 {
		rules.Keywords = defaults.Keywords
	}
	if len(rules.KindLabels) == 0 {
		rules.KindLabels = defaults.KindLabels
	}
	if len(rules.PriorityLabels) == 0 {
		rules.PriorityLabels = defaults.PriorityLabels
	}
	if rules.DefaultPool == "" {
		rules.DefaultPool = defaults.DefaultPool
	}
	if rules.DefaultKind == "" {
		rules.DefaultKind = defaults.DefaultKind
	}

	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("rules %s: %w", path, err)
	}
	return rules, nil
}

// Validate checks that every rule targets a known pool and kind.
func (r *Rules) Validate() error {
	for label, pool := range r.Labels {
		if !pool.Valid() {
			return fmt.Errorf("label %q maps to unknown pool %q", label, pool)
		}
	}
	for pool := range r.Keywords {
		if !pool.Valid() {
			return fmt.Errorf("keywords defined for unknown pool %q", pool)
		}
	}
	for label, kind := range r.KindLabels {
		if !kind.Valid() {
			return fmt.Errorf("label %q maps to unknown kind %q", label, kind)
		}
	}
	if !r.DefaultPool.Valid() {
		return fmt.Errorf("default pool %q is unknown", r.DefaultPool)
	}
	if !r.DefaultKind.Valid() {
		return fmt.Errorf("default kind %q is unknown", r.DefaultKind)
	}
	return nil
}
