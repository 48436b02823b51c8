package loss

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-yolox/targets"
)

// buildTargets runs the target builder for every image on a pool of
// NumWorkers goroutines. Results keep batch order, and the reported error is
// the one of the lowest failing image index.
func (a *Aggregator) buildTargets(inputs []targets.ImageInput) ([]*targets.ImageTargets, []time.Duration, error) {
	n := len(inputs)
	results := make([]*targets.ImageTargets, n)
	durations := make([]time.Duration, n)
	errs := make([]error, n)

	workers := a.cfg.NumWorkers
	if workers > n {
		workers = n
	}

	jobs := make(chan int, n)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				start := time.Now()
				results[i], errs[i] = a.builder.Build(inputs[i])
				durations[i] = time.Since(start)
			}
		}()
	}

	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, nil, errors.Wrapf(err, "image %d", i)
		}
	}
	return results, durations, nil
}
