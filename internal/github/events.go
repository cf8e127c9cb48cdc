package github

import (
	"strconv"

	gh "github.com/google/go-github/v57/github"
	"github.com/user/pullis/internal/notifier"
	"github.com/user/pullis/internal/storage"
)

// ghostLogin is how GitHub renders deleted accounts.
const ghostLogin = "ghost"

// inboundPullRequest maps a pull_request webhook to an InboundEvent.
// A close that merged is reported as the "merged" action.
func inboundPullRequest(e *gh.PullRequestEvent, deliveryID string) notifier.InboundEvent {
	pr := e.GetPullRequest()

	action := e.GetAction()
	if action == "closed" && pr.GetMerged() {
		action = "merged"
	}

	actor := e.GetSender().GetLogin()
	if actor == "" {
		actor = ghostLogin
	}

	number := pr.GetNumber()
	if number == 0 {
		number = e.GetNumber()
	}

	return notifier.InboundEvent{
		Category:             notifier.CategoryPullRequest,
		Action:               action,
		RepositoryExternalID: e.GetRepo().GetID(),
		ActorUsername:        actor,
		DeliveryID:           deliveryID,
		Payload: notifier.Payload{
			Number:       number,
			Title:        pr.GetTitle(),
			URL:          pr.GetHTMLURL(),
			Body:         pr.GetBody(),
			Additions:    pr.Additions,
			Deletions:    pr.Deletions,
			ChangedFiles: pr.ChangedFiles,
		},
	}
}

// repositoryRecord converts an API repository to a storage record. owner
// supplies the owning account when the repository payload omits it, as
// installation payloads do.
func repositoryRecord(r *gh.Repository, owner *gh.User) storage.Repository {
	if r.GetOwner() != nil {
		owner = r.GetOwner()
	}

	return storage.Repository{
		GitHubID:  r.GetID(),
		Name:      r.GetName(),
		FullName:  r.GetFullName(),
		Private:   r.GetPrivate(),
		OwnerID:   strconv.FormatInt(owner.GetID(), 10),
		OwnerType: storage.ParseOwnerType(owner.GetType()),
	}
}
