package command

import (
	"strings"

	"github.com/bors-rs/bors/internal/pr"
)

// triggers are the recognized command prefixes a comment line may start
// with, checked case-insensitively. Both the addressed form ("bors land")
// and the bare slash form ("/land") are accepted.
var triggers = []string{"bors:", "bors ", "/bors ", "/"}

// Parse scans a PR comment body for the first recognized command line and
// resolves synonyms (merge->land, try->canary, stop->cancel,
// cherry->cherry-pick, p->priority). It does not set Author; the caller
// fills that in from the comment's sender.
func Parse(body string) (Command, bool) {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)

		for _, trigger := range triggers {
			if !strings.HasPrefix(lower, trigger) {
				continue
			}

			rest := strings.TrimSpace(line[len(trigger):])
			if cmd, ok := parseVerb(rest); ok {
				return cmd, true
			}
		}
	}

	return Command{}, false
}

func parseVerb(s string) (Command, bool) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Command{}, false
	}

	verb := strings.ToLower(fields[0])
	arg := strings.Join(fields[1:], " ")

	switch verb {
	case "land", "merge":
		return Command{Name: Land}, true
	case "canary", "try":
		return Command{Name: Canary}, true
	case "cancel", "stop":
		return Command{Name: Cancel}, true
	case "cherry-pick", "cherry":
		if arg == "" {
			return Command{Name: CherryPick}, true
		}

		return Command{Name: CherryPick, Target: arg}, true
	case "priority", "p":
		prio, err := pr.ParsePriority(strings.ToLower(arg))
		if err != nil {
			return Command{}, false
		}

		return Command{Name: SetPriority, Priority: prio}, true
	case "help":
		return Command{Name: Help}, true
	default:
		return Command{}, false
	}
}
