package upload

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Batch is a pending selection of files. A file can be removed until its
// upload starts; after that it runs to a terminal state.
type Batch struct {
	o *Orchestrator

	mu      sync.Mutex
	order   []string
	pending map[string]Request
	states  map[string]State
	started bool
}

// NewBatch selects reqs for upload. File names must be unique since
// progress is keyed by name.
func (o *Orchestrator) NewBatch(reqs ...Request) (*Batch, error) {
	b := &Batch{
		o:       o,
		pending: make(map[string]Request, len(reqs)),
		states:  make(map[string]State, len(reqs)),
	}
	for _, req := range reqs {
		if _, dup := b.pending[req.Name]; dup {
			return nil, fmt.Errorf("duplicate file name %q in batch", req.Name)
		}
		b.order = append(b.order, req.Name)
		b.pending[req.Name] = req
		b.states[req.Name] = Selected
	}
	return b, nil
}

// Remove drops a file that has not started uploading.
func (b *Batch) Remove(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[name]; !ok || st != Selected {
		return false
	}
	delete(b.pending, name)
	delete(b.states, name)
	for i, n := range b.order {
		if n == name {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

func (b *Batch) State(name string) (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[name]
	return st, ok
}

// Names returns the selected files in selection order.
func (b *Batch) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...)
}

// Run uploads every file still selected and returns their results in
// selection order. Files are independent: one failure does not stop the
// others. A batch runs once.
func (b *Batch) Run(ctx context.Context) []Result {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	names := append([]string(nil), b.order...)
	b.mu.Unlock()

	results := make([]Result, len(names))
	ran := make([]bool, len(names))
	sem := semaphore.NewWeighted(int64(b.o.fileConcurrency))
	var wg sync.WaitGroup

	for i, name := range names {
		acquired := sem.Acquire(ctx, 1) == nil
		req, ok := b.claim(name)
		if !ok {
			if acquired {
				sem.Release(1)
			}
			continue
		}
		ran[i] = true
		if !acquired {
			// cancelled before its turn: fails without touching the network
			results[i] = b.o.upload(ctx, req, b.tracker(name))
			continue
		}
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = b.o.upload(ctx, req, b.tracker(req.Name))
		}(i, req)
	}
	wg.Wait()

	out := make([]Result, 0, len(results))
	for i, r := range results {
		if ran[i] {
			out = append(out, r)
		}
	}
	return out
}

// claim takes name off the pending list so it can no longer be removed.
func (b *Batch) claim(name string) (Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.pending[name]
	if !ok {
		return Request{}, false
	}
	delete(b.pending, name)
	b.states[name] = Planning
	return req, true
}

func (b *Batch) tracker(name string) func(State) {
	return func(s State) {
		b.mu.Lock()
		b.states[name] = s
		b.mu.Unlock()
	}
}
