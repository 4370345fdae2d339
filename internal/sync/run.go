package sync

import (
	"context"
	"time"

	"github.com/adamantium1987/digital-calendar/internal/cache"
	"github.com/adamantium1987/digital-calendar/internal/model"
)

// Mode says what started a run.
type Mode string

const (
	// ModePeriodic is a scheduler tick or the cold-start sync.
	ModePeriodic Mode = "periodic"
	// ModeManual is an explicit "sync now" request.
	ModeManual Mode = "manual"
	// ModeAccount syncs a single account on request.
	ModeAccount Mode = "account"
)

// Run outcomes.
const (
	OutcomeCompleted           = "completed"
	OutcomeCompletedWithErrors = "completed-with-errors"
	OutcomeNoop                = "no-op"
)

// AccountResult is the outcome of one account within a run.
type AccountResult struct {
	AccountID string
	Outcome   model.Outcome

	// Err is set for failed outcomes.
	Err error

	// Window is the range committed to the cache. It may be narrower than
	// the requested window when the provider declares tighter limits.
	Window model.Window
	Stats  cache.ReplaceStats

	Events        int
	Calendars     int
	DeferredUntil time.Time
}

// Run records one orchestration pass. It is immutable once its handle is
// done.
type Run struct {
	ID       string
	Mode     Mode
	Started  time.Time
	Finished time.Time
	Outcome  string
	Accounts []AccountResult

	// Events and Calendars are the totals committed by this run.
	Events    int
	Calendars int
}

// Failed returns the number of accounts whose outcome is failed.
func (r *Run) Failed() int {
	n := 0
	for _, a := range r.Accounts {
		if a.Outcome == model.OutcomeFailed {
			n++
		}
	}
	return n
}

// RunHandle resolves to the [Run] it refers to once that run completes.
// Coalesced triggers share one handle.
type RunHandle struct {
	run  *Run
	done chan struct{}
}

func newHandle(id string, mode Mode) *RunHandle {
	return &RunHandle{run: &Run{ID: id, Mode: mode}, done: make(chan struct{})}
}

// ID returns the identifier of the run.
func (h *RunHandle) ID() string { return h.run.ID }

// Done is closed when the run completes.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run completes or ctx is done.
func (h *RunHandle) Wait(ctx context.Context) (*Run, error) {
	select {
	case <-h.done:
		return h.run, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
