package engine

import (
	"context"
	"sync"

	"github.com/keithlinneman/viewerboot/internal/viewer"
)

type parseTask struct {
	ref   viewer.ResourceRef
	data  []byte
	reply chan parseResult
}

type parseResult struct {
	obj Object
	err error
}

// pool runs parses on a fixed set of goroutines.
type pool struct {
	size  int
	tasks chan parseTask
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func newPool(n int) *pool {
	p := &pool{
		size:  n,
		tasks: make(chan parseTask),
		quit:  make(chan struct{}),
	}
	p.wg.Add(n)
	for range n {
		go p.work()
	}
	return p
}

func (p *pool) work() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.tasks:
			obj, err := parse(t.ref, t.data)
			// reply is buffered so an abandoned task never blocks a worker
			t.reply <- parseResult{obj: obj, err: err}
		case <-p.quit:
			return
		}
	}
}

// parse hands data to a worker and waits. A cancelled ctx abandons the wait.
func (p *pool) parse(ctx context.Context, ref viewer.ResourceRef, data []byte) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	t := parseTask{ref: ref, data: data, reply: make(chan parseResult, 1)}
	select {
	case p.tasks <- t:
	case <-ctx.Done():
		return Object{}, ctx.Err()
	case <-p.quit:
		return Object{}, viewer.ErrEngineLost
	}
	select {
	case r := <-t.reply:
		return r.obj, r.err
	case <-ctx.Done():
		return Object{}, ctx.Err()
	}
}

func (p *pool) stop() {
	p.once.Do(func() {
		close(p.quit)
		p.wg.Wait()
	})
}
