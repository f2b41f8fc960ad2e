package dataset

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"
)

// LoaderOptions size the loading pipeline. Workers defaults to 1 and
// QueueSize to the worker count; Assembler is handed to every worker.
type LoaderOptions struct {
	Workers   int
	QueueSize int
	Assembler AssemblerOptions
}

// A Loader runs a pool of batch assemblers and funnels their output into one
// channel. Under the regular policy each worker retires once the shared sweep
// is exhausted and the channel closes after the last one; under the random
// policies the stream is unbounded and runs until Close.
type Loader struct {
	assemblers []*BatchAssembler
	batches    chan *Batch
	cancel     context.CancelFunc
	logger     golog.Logger

	activeBackgroundWorkers sync.WaitGroup
	// err is written by the supervisor before the wait group releases Close.
	err error
}

// NewLoader starts the worker pool immediately; batches begin to queue before
// the first receive from Batches.
func (d *Dataset) NewLoader(ctx context.Context, opts LoaderOptions, logger golog.Logger) (*Loader, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = workers
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	l := &Loader{
		assemblers: make([]*BatchAssembler, 0, workers),
		batches:    make(chan *Batch, queue),
		cancel:     cancel,
		logger:     logger,
	}
	for i := 0; i < workers; i++ {
		asm, err := d.NewAssembler(opts.Assembler)
		if err != nil {
			cancel()
			return nil, err
		}
		l.assemblers = append(l.assemblers, asm)
	}

	group, groupCtx := errgroup.WithContext(cancelCtx)
	for _, asm := range l.assemblers {
		group.Go(func() error {
			return l.produce(groupCtx, asm)
		})
	}
	l.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer l.activeBackgroundWorkers.Done()
		err := group.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Errorw("batch loading failed", "error", err)
			l.err = err
		}
		close(l.batches)
	})
	return l, nil
}

// produce assembles batches until the sweep runs dry or the loader shuts
// down.
func (l *Loader) produce(ctx context.Context, asm *BatchAssembler) error {
	for {
		batch, err := asm.Next(ctx)
		if err != nil {
			return err
		}
		if batch.Empty() {
			return nil
		}
		select {
		case l.batches <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Batches is the output stream. It closes once every worker has retired,
// which under the regular policy marks the end of the epoch.
func (l *Loader) Batches() <-chan *Batch {
	return l.batches
}

// ShrinkBudgets lowers every worker's batch point budget by 10% and returns
// the new budgets. Batches already sitting in the queue were built under the
// old budget; consumers recovering from an out-of-memory condition should
// drain and discard roughly a queue's worth before trusting sizes again.
func (l *Loader) ShrinkBudgets() []float64 {
	budgets := make([]float64, len(l.assemblers))
	for i, asm := range l.assemblers {
		budgets[i] = asm.ShrinkBudget()
	}
	return budgets
}

// Votes proxies the sweep progress of the shared sampling queue.
func (l *Loader) Votes() float64 {
	if len(l.assemblers) == 0 {
		return 0
	}
	return l.assemblers[0].Votes()
}

// Close stops the workers and waits for them to unwind. It returns the first
// loading error, if any; cancellation itself is not an error.
func (l *Loader) Close() error {
	l.cancel()
	l.activeBackgroundWorkers.Wait()
	return l.err
}
