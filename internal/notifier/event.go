// Package notifier matches repository events against channel subscriptions,
// formats them as chat messages and delivers them.
package notifier

import (
	"errors"
	"fmt"
	"strings"
)

// CategoryPullRequest is the event category for pull request webhooks.
const CategoryPullRequest = "pull_request"

// ErrMalformedEvent is returned for events missing required fields.
var ErrMalformedEvent = errors.New("malformed event")

// pullRequestActions lists the actions a pull_request event can carry,
// including the derived "merged".
var pullRequestActions = map[string]bool{
	"opened": true, "closed": true, "reopened": true, "merged": true, "edited": true,
	"synchronize": true, "ready_for_review": true, "converted_to_draft": true,
	"review_requested": true, "review_request_removed": true,
	"labeled": true, "unlabeled": true, "assigned": true, "unassigned": true,
	"locked": true, "unlocked": true, "milestoned": true, "demilestoned": true,
	"auto_merge_enabled": true, "auto_merge_disabled": true,
	"enqueued": true, "dequeued": true,
}

// KnownEvent reports whether a qualified event name such as
// "pull_request.opened" can ever be matched.
func KnownEvent(name string) bool {
	action, ok := strings.CutPrefix(name, CategoryPullRequest+".")
	return ok && pullRequestActions[action]
}

// InboundEvent is a repository event mapped from a webhook delivery.
type InboundEvent struct {
	Category             string
	Action               string
	RepositoryExternalID int64
	ActorUsername        string
	DeliveryID           string
	Payload              Payload
}

// Payload carries the event-specific fields used for formatting.
// The diff stats are nil when the source did not report them.
type Payload struct {
	Number       int
	Title        string
	URL          string
	Body         string
	Additions    *int
	Deletions    *int
	ChangedFiles *int
}

// QualifiedName returns "<category>.<action>", e.g. "pull_request.opened".
func (e InboundEvent) QualifiedName() string {
	return e.Category + "." + e.Action
}

// Validate rejects events that cannot be matched.
func (e InboundEvent) Validate() error {
	switch {
	case e.RepositoryExternalID <= 0:
		return fmt.Errorf("%w: repository id %d is not positive", ErrMalformedEvent, e.RepositoryExternalID)
	case e.Category == "":
		return fmt.Errorf("%w: missing category", ErrMalformedEvent)
	case e.Action == "":
		return fmt.Errorf("%w: missing action", ErrMalformedEvent)
	}
	return nil
}
