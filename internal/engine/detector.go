package engine

import (
	"fmt"

	"github.com/alexjbarnes/household-sync/internal/authority"
	syncerr "github.com/alexjbarnes/household-sync/internal/errors"
	"github.com/alexjbarnes/household-sync/internal/models"
)

// Verdict is the outcome of one push.
type Verdict int

const (
	VerdictAccepted Verdict = iota
	VerdictConflict
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccepted:
		return "accepted"
	case VerdictConflict:
		return "conflict"
	}

	return fmt.Sprintf("verdict(%d)", int(v))
}

// DetectPush decides whether a push went through. A refused push whose
// current revision differs from the expected base is a conflict: someone
// else wrote first. A refused push at the expected base means the
// authority refused for some other reason and is reported as a
// rejection.
func DetectPush(expectedBase *int64, reply authority.PushReply) (Verdict, error) {
	if reply.Accepted {
		if reply.NewRevision <= 0 {
			return 0, syncerr.Rejection("accepted push carried no revision")
		}

		return VerdictAccepted, nil
	}

	var base int64
	if expectedBase != nil {
		base = *expectedBase
	}

	if reply.CurrentRevision != base {
		return VerdictConflict, nil
	}

	return 0, syncerr.Rejection(fmt.Sprintf("push refused at expected revision %d", base))
}

// PullVerdict is what to do with one pulled change.
type PullVerdict int

const (
	// PullApply overwrites the local copy with the change.
	PullApply PullVerdict = iota
	// PullSkip ignores a change the cache already reflects.
	PullSkip
	// PullConflict records a conflict because the local copy holds an
	// unsent edit or is already conflicted.
	PullConflict
	// PullPurge removes a clean local copy the authority deleted.
	PullPurge
)

func (v PullVerdict) String() string {
	switch v {
	case PullApply:
		return "apply"
	case PullSkip:
		return "skip"
	case PullConflict:
		return "conflict"
	case PullPurge:
		return "purge"
	}

	return fmt.Sprintf("pull(%d)", int(v))
}

// ClassifyPull decides how a pulled change meets the local copy. local is
// nil when the entity is not cached. A pull never silently overwrites an
// unsent local edit.
func ClassifyPull(local *models.CachedEntity, change authority.RemoteChange) PullVerdict {
	if local == nil {
		if change.Deleted {
			return PullSkip
		}

		return PullApply
	}

	if base, ok := local.BaseRevision(); ok && change.Revision <= base {
		return PullSkip
	}

	if local.Conflicted || local.Dirty {
		return PullConflict
	}

	if change.Deleted {
		return PullPurge
	}

	return PullApply
}
