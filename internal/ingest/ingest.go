// Package ingest pulls open work items from the VCS, classifies them,
// and enqueues the resulting tasks. Ingestion is idempotent: an item
// already queued or claimed is skipped by the store's duplicate guard.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/devflowhq/devflow/internal/classify"
	"github.com/devflowhq/devflow/internal/collab"
	"github.com/devflowhq/devflow/internal/notify"
	"github.com/devflowhq/devflow/internal/queue"
	"github.com/devflowhq/devflow/pkg/models"
)

// Ingestor feeds the queue from the external work item source.
type Ingestor struct {
	store      *queue.Store
	vcs        collab.VCS
	classifier *classify.Classifier
	notifier   notify.Notifier
}

// New creates an Ingestor. A nil classifier uses the default rules; a
// nil notifier discards messages.
func New(store *queue.Store, vcs collab.VCS, classifier *classify.Classifier, notifier notify.Notifier) *Ingestor {
	if classifier == nil {
		classifier = classify.New(nil)
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Ingestor{
		store:      store,
		vcs:        vcs,
		classifier: classifier,
		notifier:   notifier,
	}
}

// Result summarizes one ingestion pass.
type Result struct {
	// Seen is the number of open items listed.
	Seen int
	// Enqueued is the number of new tasks created.
	Enqueued int
	// Skipped is the number of items already queued or claimed.
	Skipped int
}

// Run lists the project's open items and enqueues a task per new item.
// Duplicate items are skipped silently; any other enqueue error aborts
// the pass.
func (i *Ingestor) Run(ctx context.Context, project *models.Project) (Result, error) {
	var result Result

	items, err := i.vcs.ListOpenItems(ctx, project.RepoName)
	if err != nil {
		return result, fmt.Errorf("list open items for %s: %w", project.RepoName, err)
	}
	result.Seen = len(items)

	for _, item := range items {
		task := i.classifier.Classify(project.ID, item)

		err := i.store.Enqueue(task)
		if errors.Is(err, queue.ErrDuplicateTask) {
			result.Skipped++
			continue
		}
		if err != nil {
			return result, fmt.Errorf("enqueue item %s: %w", item.ID, err)
		}
		result.Enqueued++

		// The assignment comment is a courtesy for humans watching the
		// item; failing to post it does not fail ingestion.
		comment := fmt.Sprintf("Queued for the %s pool as %s work (priority %d).",
			task.Pool, task.Kind, task.Priority)
		if cerr := i.vcs.AddComment(ctx, project.RepoName, item.ID, comment); cerr != nil {
			i.notifier.Notify(notify.SeverityWarning,
				"commenting on item %s failed: %v", item.ID, cerr)
		}
	}

	return result, nil
}
