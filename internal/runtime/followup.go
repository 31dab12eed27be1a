package runtime

import (
	"fmt"
	"strings"

	"github.com/devflowhq/devflow/internal/collab"
	"github.com/devflowhq/devflow/pkg/models"
)

// reviewItemPrefix marks synthetic source item IDs minted for follow-up
// review tasks. These items exist only in the queue, never in the VCS.
const reviewItemPrefix = "review:"

// FollowUpReview returns the quality-review task to enqueue after a
// completed code-producing task that opened a change request, or nil
// when no review is due. The review's source item ID is derived from
// the origin item, so re-completing the same task can never enqueue a
// second review: the duplicate guard on task identity rejects it.
func FollowUpReview(task *models.Task, res collab.ExecuteResult) *models.Task {
	if !task.Kind.CodeProducing() {
		return nil
	}
	if res.ChangeRequestRef == "" {
		return nil
	}

	return &models.Task{
		ProjectID:    task.ProjectID,
		SourceItemID: reviewItemPrefix + task.SourceItemID,
		Pool:         models.PoolQualityReview,
		Kind:         models.KindReviewChange,
		Priority:     models.KindReviewChange.DefaultPriority(),
		Status:       models.TaskStatusQueued,
		Payload:      reviewPayload(res.ChangeRequestRef, task.SourceItemID),
	}
}

// reviewPayload packs the change request ref and origin item into the
// review task's payload. The header lines are machine-read back by
// parseReviewPayload; the trailing text is for the executor.
func reviewPayload(changeRequestRef, originItemID string) string {
	return fmt.Sprintf("change_request: %s\norigin_item: %s\n\nReview change request %s opened for work item %s.",
		changeRequestRef, originItemID, changeRequestRef, originItemID)
}

// parseReviewPayload extracts the change request ref and origin item ID
// from a review task payload. Missing fields come back empty.
func parseReviewPayload(payload string) (changeRequestRef, originItemID string) {
	for _, line := range strings.Split(payload, "\n") {
		if rest, ok := strings.CutPrefix(line, "change_request: "); ok {
			changeRequestRef = strings.TrimSpace(rest)
		} else if rest, ok := strings.CutPrefix(line, "origin_item: "); ok {
			originItemID = strings.TrimSpace(rest)
		}
	}
	return changeRequestRef, originItemID
}

// isReviewItem reports whether a source item ID is a synthetic review
// item rather than a real VCS work item.
func isReviewItem(sourceItemID string) bool {
	return strings.HasPrefix(sourceItemID, reviewItemPrefix)
}
