// Package scheduler fans a set of page descriptors out over a bounded
// pool of fetch workers and collects the outcomes keyed by descriptor.
package scheduler

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nvelasco/ledgersync/internal/alegra"
)

// Fetcher performs one paginated fetch. *alegra.Client satisfies it;
// tests substitute fakes.
type Fetcher interface {
	FetchPage(ctx context.Context, p alegra.Page) alegra.PageResult
}

// Result is the joined outcome of one fan-out. Pages holds every
// non-failed outcome keyed by its descriptor; Failed lists descriptors
// that terminally failed and contributed no data.
type Result struct {
	Pages  map[alegra.Page]alegra.PageResult
	Failed []alegra.Page
}

// Records returns the fetched records of the given pages concatenated
// in the order the pages are listed. Failed and missing pages
// contribute nothing; arrival order never matters.
func (r Result) Records(order []alegra.Page) []alegra.Record {
	var out []alegra.Record
	for _, p := range order {
		if res, ok := r.Pages[p]; ok {
			out = append(out, res.Records...)
		}
	}
	return out
}

// Scheduler drives many page fetches in parallel under a fixed
// concurrency ceiling. One Scheduler is built per run.
type Scheduler struct {
	fetcher Fetcher
	workers int
	log     zerolog.Logger
}

// New builds a Scheduler. workers is the concurrency ceiling; it must
// stay below the provider's throttling threshold or the pages spend
// their retry budget on 429 cooldowns.
func New(fetcher Fetcher, workers int, log zerolog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{fetcher: fetcher, workers: workers, log: log}
}

// Fetch launches every page together and waits for all of them. A
// page's terminal failure is isolated: it is recorded in Failed while
// every sibling still contributes its result.
func (s *Scheduler) Fetch(ctx context.Context, pages []alegra.Page) Result {
	result := Result{Pages: make(map[alegra.Page]alegra.PageResult, len(pages))}
	if len(pages) == 0 {
		return result
	}

	s.log.Info().Int("pages", len(pages)).Int("workers", s.workers).
		Msg("Fetching pages concurrently")

	queue := make(chan alegra.Page)
	outcomes := make(chan alegra.PageResult)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range queue {
				outcomes <- s.fetcher.FetchPage(ctx, p)
			}
		}()
	}

	go func() {
		defer close(queue)
		for _, p := range pages {
			select {
			case queue <- p:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	for res := range outcomes {
		if res.Failed() {
			s.log.Warn().Stringer("page", res.Page).Int("attempts", res.Attempts).
				Err(res.Err).Msg("Page yielded no data")
			result.Failed = append(result.Failed, res.Page)
			continue
		}
		s.log.Debug().Stringer("page", res.Page).Int("records", len(res.Records)).
			Int("attempts", res.Attempts).Msg("Page fetched")
		result.Pages[res.Page] = res
	}

	return result
}
