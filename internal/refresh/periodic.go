package refresh

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"

	appLog "recurcal/internal/log"
)

// Passer is the part of the orchestrator a periodic trigger drives.
type Passer interface {
	RefreshFrom(ctx context.Context, from Cursor) (Report, error)
}

// Periodic runs full refresh passes on a cron schedule. An interrupted pass
// leaves a resume cursor that the next tick continues from. A tick that
// fires while a pass is still running is skipped.
type Periodic struct {
	cron   *cron.Cron
	passer Passer
	ctx    context.Context

	mu     sync.Mutex
	resume Cursor
	last   *Report
}

// NewPeriodic validates spec (standard 5-field cron) and prepares the
// scheduler. Passes run with ctx; cancelling it interrupts a running pass.
func NewPeriodic(ctx context.Context, spec string, passer Passer) (*Periodic, error) {
	if passer == nil {
		return nil, errors.New("refresh: periodic needs a passer")
	}
	logger := cronLogger{}
	p := &Periodic{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		passer: passer,
		ctx:    ctx,
	}
	if _, err := p.cron.AddFunc(spec, p.Tick); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Periodic) Start() {
	appLog.Info("periodic refresh scheduled")
	p.cron.Start()
}

// Stop halts the scheduler and waits for a running pass to return.
func (p *Periodic) Stop() {
	<-p.cron.Stop().Done()
}

// Tick runs one pass, resuming where the previous one stopped.
func (p *Periodic) Tick() {
	p.mu.Lock()
	from := p.resume
	p.mu.Unlock()

	rep, err := p.passer.RefreshFrom(p.ctx, from)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = &rep
	if err != nil && rep.Resume != nil {
		p.resume = *rep.Resume
		return
	}
	p.resume = Cursor{}
}

// Resume returns the cursor the next pass will start from.
func (p *Periodic) Resume() Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resume
}

// LastReport returns the report of the most recent pass, or nil.
func (p *Periodic) LastReport() *Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil
	}
	rep := *p.last
	return &rep
}

// cronLogger routes robfig/cron's logging into the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
