// Package dashboard serves GET /status: a read-only plain-text listing of
// each repository's land queue, in-flight attempts and canary slot.
package dashboard

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bors-rs/bors/internal/coordinator"
)

// Source yields a repository's current status snapshot.
// coordinator.Coordinator satisfies this directly.
type Source interface {
	Status() *coordinator.Status
}

// Handler is the http.Handler for GET /status.
type Handler struct {
	sources []Source
	logger  *zap.Logger
}

func New(sources []Source, logger *zap.Logger) *Handler {
	return &Handler{sources: sources, logger: logger.Named("dashboard")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if len(h.sources) == 0 {
		h.write(w, "no repositories configured\n")
		return
	}

	var b strings.Builder

	for _, src := range h.sources {
		st := src.Status()
		if st == nil {
			continue
		}

		fmt.Fprintf(&b, "%s/%s\n", st.Owner, st.Name)

		writeAttemptLine(&b, "land", st.Land)
		writeAttemptLine(&b, "canary", st.Canary)
		writeAttemptLine(&b, "cherry-pick", st.CherryPick)

		if len(st.Queue) == 0 {
			b.WriteString("\tqueue: empty\n")
		}
		for i, e := range st.Queue {
			fmt.Fprintf(&b, "\tqueue[%d]: #%d priority=%s enqueued=%s\n",
				i, e.Number, e.Priority, e.EnqueuedAt.Format(time.RFC822))
		}

		if st.CanaryOccupied {
			fmt.Fprintf(&b, "\tcanary slot: #%d\n", st.CanaryNumber)
		} else {
			b.WriteString("\tcanary slot: free\n")
		}

		b.WriteString("\n")
	}

	h.write(w, b.String())
}

func writeAttemptLine(b *strings.Builder, label string, a *coordinator.AttemptStatus) {
	if a == nil {
		fmt.Fprintf(b, "\t%s: idle\n", label)
		return
	}

	fmt.Fprintf(b, "\t%s: #%d state=%s commit=%s age=%s\n",
		label, a.Number, a.State, a.TestCommitID, time.Since(a.StartedAt).Round(time.Second))
}

func (h *Handler) write(w http.ResponseWriter, s string) {
	if _, err := w.Write([]byte(s)); err != nil {
		h.logger.Info("sending dashboard response failed", zap.Error(err))
	}
}
