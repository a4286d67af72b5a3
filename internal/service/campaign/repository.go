package campaign

import (
	"context"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// Repository defines the data access contract for the orchestrator.
// Implementations must be safe for concurrent use, and every status
// transition must be a single atomic conditional write: the update applies
// only while the campaign is still in one of the expected prior states, and
// zero affected rows surfaces as ErrInvalidTransition. That conditional
// write is the real double-dispatch guard; in-memory checks are only a fast
// path.
type Repository interface {
	// Get returns a single campaign or ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// TransitionStatus atomically moves a campaign from one of the given
	// prior states to the target state. Returns ErrInvalidTransition if the
	// campaign was not in any of them.
	TransitionStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error

	// RevertToDraft returns a campaign to draft after a failed dispatch,
	// recording the error text on the row.
	RevertToDraft(ctx context.Context, id, errMsg string) error

	// ListAudience returns the deliverable (active) contacts of a list.
	ListAudience(ctx context.Context, listID string) ([]domain.Contact, error)

	// CreateMessages bulk-inserts one pending Message per given contact
	// that does not already have one for this campaign, each with a fresh
	// tracking token. It returns only the newly created messages.
	CreateMessages(ctx context.Context, campaignID string, contactIDs []string) ([]domain.Message, error)

	// EnqueueJobs bulk-inserts queue jobs and returns how many were added.
	EnqueueJobs(ctx context.Context, jobs []domain.QueueJob) (int, error)

	// CountMessagesByStatus returns message counts per status for a campaign.
	CountMessagesByStatus(ctx context.Context, campaignID string) (map[domain.MessageStatus]int, error)
}
