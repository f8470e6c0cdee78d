package scrape

import (
	"context"
	"sync"
)

// Result pairs a descriptor with its scrape result.
type Result struct {
	Descriptor Descriptor
	Outcome    *Outcome
	Err        error
}

// ScrapeAll scrapes every descriptor with at most workers scrapes in
// flight. Results are in input order. A failed scrape does not affect the
// others.
func (e *Engine) ScrapeAll(ctx context.Context, descriptors []Descriptor, workers int) []Result {
	if workers <= 0 {
		workers = 1
	}
	if workers > len(descriptors) {
		workers = len(descriptors)
	}

	results := make([]Result, len(descriptors))
	jobs := make(chan int, len(descriptors))
	for i := range descriptors {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				d := descriptors[i]
				if err := ctx.Err(); err != nil {
					results[i] = Result{Descriptor: d, Err: err}
					continue
				}
				out, err := e.Scrape(ctx, d)
				results[i] = Result{Descriptor: d, Outcome: out, Err: err}
			}
		}()
	}
	wg.Wait()

	return results
}
