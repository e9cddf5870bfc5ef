/*
auditor.go - Periodic consistency audit of book state against the ledger

PURPOSE:
  Walks the whole catalog and checks, book by book, that the cached
  availability (IsBorrowed / CurrentMember) matches the open borrow in the
  ledger. Mismatches are reported, never repaired: a repair would be a
  transition the Guard did not decide.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Each book is verified through Guard.Verify, so a transition in flight
    on the same book is never observed half-applied
  - The last Report is kept for admin endpoints and the metrics gauge

USAGE:
  auditor := NewAuditor(guard, store, logger)
  auditor.Start()
  // ... later
  auditor.Stop()

SEE ALSO:
  - guard.go: Verify and the cross-check used during transitions
  - cmd/libraryd: `libraryd audit` runs a single pass
*/
package lending

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Report is the outcome of one audit pass.
type Report struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Checked    int
	Mismatches []InconsistencyError
	Failures   int // books that could not be checked
}

func (r Report) Consistent() bool {
	return len(r.Mismatches) == 0 && r.Failures == 0
}

// Auditor runs consistency scans.
type Auditor struct {
	Guard         *Guard
	Books         BookStore
	CheckInterval time.Duration
	Enabled       bool

	// OnReport, if set, is called after every pass.
	OnReport func(Report)

	logger *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   *Report
}

func NewAuditor(guard *Guard, books BookStore, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = guard.logger
	}
	return &Auditor{
		Guard:         guard,
		Books:         books,
		CheckInterval: 10 * time.Minute,
		Enabled:       true,
		logger:        logger,
	}
}

// Start begins the periodic scan. The first pass runs immediately.
func (a *Auditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.Enabled {
		a.logger.Info("auditor disabled, not starting")
		return
	}
	if a.ticker != nil {
		return
	}

	a.ticker = time.NewTicker(a.CheckInterval)
	a.stop = make(chan struct{})
	a.wg.Add(1)
	go a.run(a.ticker, a.stop)

	a.logger.Info("auditor started", slog.Duration("interval", a.CheckInterval))
}

// Stop halts the scan and waits for a pass in progress to finish.
func (a *Auditor) Stop() {
	a.mu.Lock()
	if a.ticker == nil {
		a.mu.Unlock()
		return
	}
	a.ticker.Stop()
	close(a.stop)
	a.ticker = nil
	a.mu.Unlock()

	a.wg.Wait()
	a.logger.Info("auditor stopped")
}

func (a *Auditor) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer a.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	a.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			a.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs one full pass and returns its report.
func (a *Auditor) RunNow(ctx context.Context) Report {
	report := Report{StartedAt: time.Now()}

	var after BookID
	for {
		books, err := a.Books.ListBooks(ctx, BookQuery{Filter: FilterAll, After: after, Limit: MaxPageSize, Order: OrderByID})
		if err != nil {
			a.logger.ErrorContext(ctx, "audit: listing books failed", slog.Any("error", err))
			report.Failures++
			break
		}

		for _, b := range books {
			err := a.Guard.Verify(ctx, b.ID)
			report.Checked++
			var mismatch *InconsistencyError
			switch {
			case err == nil:
			case errors.As(err, &mismatch):
				report.Mismatches = append(report.Mismatches, *mismatch)
				a.logger.ErrorContext(ctx, "audit: book state disagrees with ledger",
					slog.Int64("book_id", int64(b.ID)),
					slog.String("detail", mismatch.Error()))
			default:
				report.Failures++
				a.logger.WarnContext(ctx, "audit: book could not be checked",
					slog.Int64("book_id", int64(b.ID)), slog.Any("error", err))
			}
		}

		if len(books) < MaxPageSize || ctx.Err() != nil {
			break
		}
		after = books[len(books)-1].ID
	}

	report.FinishedAt = time.Now()
	a.logger.InfoContext(ctx, "audit completed",
		slog.Int("checked", report.Checked),
		slog.Int("mismatches", len(report.Mismatches)),
		slog.Int("failures", report.Failures),
		slog.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))

	a.mu.Lock()
	a.last = &report
	a.mu.Unlock()
	if a.OnReport != nil {
		a.OnReport(report)
	}
	return report
}

// LastReport returns the most recent report, if any pass has completed.
func (a *Auditor) LastReport() (Report, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return Report{}, false
	}
	return *a.last, true
}
