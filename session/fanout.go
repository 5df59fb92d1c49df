package session

import (
	"context"
	"sync"
	"time"

	"go.dedis.ch/egtally"
	"go.dedis.ch/onet/v3/log"
)

// Call is one request to one guardian.
type Call func(ctx context.Context, guardian uint32) error

// Fanout calls every guardian concurrently and returns once all the calls
// returned. Each call gets its own timeout and is retried once after a
// transient failure. The result maps the guardians whose call failed to
// their error.
func Fanout(ctx context.Context, guardians []uint32, timeout time.Duration, call Call) map[uint32]error {
	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make(map[uint32]error)
	for _, g := range guardians {
		wg.Add(1)
		go func(g uint32) {
			defer wg.Done()
			err := Retry(ctx, timeout, func(ctx context.Context) error {
				return call(ctx, g)
			})
			if err != nil {
				mu.Lock()
				errs[g] = err
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()
	return errs
}

// Retry runs f with a timeout and runs it once more if it failed with a
// transient status and the context is still alive.
func Retry(ctx context.Context, timeout time.Duration, f func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = once(ctx, timeout, f)
		if err == nil || !egtally.Classify(err).Transient() || ctx.Err() != nil {
			return err
		}
		log.Lvl2("Retrying after:", err)
	}
	return err
}

func once(ctx context.Context, timeout time.Duration, f func(context.Context) error) error {
	if timeout <= 0 {
		return f(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return f(cctx)
}
