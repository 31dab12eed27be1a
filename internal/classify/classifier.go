package classify

import (
	"strings"

	"github.com/devflowhq/devflow/internal/collab"
	"github.com/devflowhq/devflow/pkg/models"
)

// Scoring weights. Labels are the strongest signal, then title, then body.
const (
	labelWeight = 3
	titleWeight = 2
	bodyWeight  = 1
)

// Classifier assigns a pool, kind, and priority to external work items.
// It never calls out: routing relies only on the rule tables, so the
// same input always yields the same Task descriptor.
type Classifier struct {
	rules *Rules
}

// New creates a Classifier with the given rules. Passing nil uses the
// compiled-in defaults.
func New(rules *Rules) *Classifier {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Classify builds a Task descriptor for a work item. It only returns
// the descriptor; enqueuing is the caller's responsibility. Unmatched
// items fall through to the default pool and kind — classification
// never fails and never drops work.
func (c *Classifier) Classify(projectID string, item collab.WorkItem) *models.Task {
	pool := c.classifyPool(item)
	kind := c.classifyKind(item)

	// Review work always lands in the review pool regardless of the
	// label/keyword vote.
	if kind == models.KindReviewChange {
		pool = models.PoolQualityReview
	}

	return &models.Task{
		ProjectID:    projectID,
		SourceItemID: item.ID,
		Pool:         pool,
		Kind:         kind,
		Priority:     c.priority(item, kind),
		Status:       models.TaskStatusQueued,
		Payload:      buildPayload(item),
	}
}

// classifyPool scores the item against every pool and returns the
// winner. Pools are visited in the fixed AllPools order and a candidate
// must strictly beat the incumbent, so ties resolve deterministically.
func (c *Classifier) classifyPool(item collab.WorkItem) models.Pool {
	scores := make(map[models.Pool]int, len(models.AllPools()))

	for _, label := range item.Labels {
		if pool, ok := c.rules.Labels[strings.ToLower(label)]; ok {
			scores[pool] += labelWeight
		}
	}

	title := strings.ToLower(item.Title)
	body := strings.ToLower(item.Body)
	for _, pool := range models.AllPools() {
		for _, keyword := range c.rules.Keywords[pool] {
			if strings.Contains(title, keyword) {
				scores[pool] += titleWeight
			}
			if strings.Contains(body, keyword) {
				scores[pool] += bodyWeight
			}
		}
	}

	best := c.rules.DefaultPool
	bestScore := 0
	for _, pool := range models.AllPools() {
		if scores[pool] > bestScore {
			best = pool
			bestScore = scores[pool]
		}
	}
	return best
}

// classifyKind picks the task kind from labels, falling back to a small
// set of title cues and then the default kind.
func (c *Classifier) classifyKind(item collab.WorkItem) models.TaskKind {
	for _, label := range item.Labels {
		if kind, ok := c.rules.KindLabels[strings.ToLower(label)]; ok {
			return kind
		}
	}

	title := strings.ToLower(item.Title)
	switch {
	case strings.Contains(title, "fix ") || strings.Contains(title, "bug") || strings.Contains(title, "broken"):
		return models.KindFixDefect
	case strings.HasPrefix(title, "refactor"):
		return models.KindRefactor
	case strings.Contains(title, "add test") || strings.Contains(title, "write test"):
		return models.KindWriteTests
	default:
		return c.rules.DefaultKind
	}
}

// priority defaults by kind, overridable by an explicit priority label.
func (c *Classifier) priority(item collab.WorkItem, kind models.TaskKind) int {
	for _, label := range item.Labels {
		if p, ok := c.rules.PriorityLabels[strings.ToLower(label)]; ok {
			return p
		}
	}
	return kind.DefaultPriority()
}

// buildPayload packs the item's free text for the executor, unmodified.
func buildPayload(item collab.WorkItem) string {
	var b strings.Builder
	b.WriteString(item.Title)
	if item.Body != "" {
		b.WriteString("\n\n")
		b.WriteString(item.Body)
	}
	return b.String()
}
