// Package logfields provides constructors for the structured log fields used
// throughout the coordinator, so field names stay consistent across
// packages.
package logfields

import (
	"time"

	"go.uber.org/zap"
)

func Event(val string) zap.Field {
	return zap.String("event", val)
}

func EventProvider(val string) zap.Field {
	return zap.String("event_provider", val)
}

func PullRequest(val int) zap.Field {
	return zap.Int("github.pull_request", val)
}

func Repository(val string) zap.Field {
	return zap.String("git.repository", val)
}

func RepositoryOwner(val string) zap.Field {
	return zap.String("github.repository_owner", val)
}

func BaseBranch(val string) zap.Field {
	return zap.String("git.base_branch", val)
}

func Branch(val string) zap.Field {
	return zap.String("git.branch", val)
}

func Commit(val string) zap.Field {
	return zap.String("git.commit", val)
}

func Label(val string) zap.Field {
	return zap.String("github.label", val)
}

func Reason(val string) zap.Field {
	return zap.String("reason", val)
}

func AttemptKind(val string) zap.Field {
	return zap.String("attempt.kind", val)
}

func CheckName(val string) zap.Field {
	return zap.String("attempt.check_name", val)
}

func Priority(val string) zap.Field {
	return zap.String("queue.priority", val)
}

func QueuePosition(val int) zap.Field {
	return zap.Int("queue.position", val)
}

func AttemptAge(val time.Duration) zap.Field {
	return zap.Duration("attempt.age", val)
}
