package trigger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pcieslikta/DB2ExportService-sub000/internal/export"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/logging"
)

// ErrAlreadyProcessing is returned when a file is claimed by another handler.
var ErrAlreadyProcessing = errors.New("trigger file already being processed")

// Dispatcher runs a manual export. Satisfied by *export.Orchestrator.
type Dispatcher interface {
	RunManualExport(ctx context.Context, req export.ManualRequest) error
}

// Recorder receives the outcome of every trigger, typically for metrics.
// source is "file" or "http".
type Recorder interface {
	TriggerProcessed(source string, status Status)
}

type nopRecorder struct{}

func (nopRecorder) TriggerProcessed(string, Status) {}

// ProcessorOptions configures a Processor.
type ProcessorOptions struct {
	// SettleDelay is waited before reading a file so its writer can finish.
	// Zero or negative reads immediately.
	SettleDelay time.Duration

	// MaxConcurrent bounds concurrent dispatches. Default: 2
	MaxConcurrent int

	// Now stamps archive names. Default: time.Now
	Now func() time.Time

	// Recorder receives outcomes. Default: no-op
	Recorder Recorder
}

// Processor turns trigger descriptors into manual exports: settle, decode,
// validate, dispatch, then archive the file under processed/ with its
// outcome. Invalid descriptors are archived without being dispatched.
//
// Thread Safety: Safe for concurrent use. A given path is handled by at most
// one goroutine at a time.
type Processor struct {
	folder     string
	processed  string
	dispatcher Dispatcher
	limiter    *Limiter
	settle     time.Duration
	now        func() time.Time
	recorder   Recorder

	mu       sync.Mutex
	inFlight map[string]struct{}

	// archiveMu serializes name selection and rename into processed/.
	archiveMu sync.Mutex

	// submissions tracks HTTP dispatches running in the background.
	submissions sync.WaitGroup
}

// NewProcessor creates a processor for folder, creating it and its archive
// subdirectory when missing.
func NewProcessor(folder string, dispatcher Dispatcher, opts ProcessorOptions) (*Processor, error) {
	processed := filepath.Join(folder, ProcessedDir)
	if err := os.MkdirAll(processed, 0o755); err != nil {
		return nil, fmt.Errorf("creating trigger folder: %w", err)
	}

	opts.SettleDelay = max(opts.SettleDelay, 0)
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}

	return &Processor{
		folder:     folder,
		processed:  processed,
		dispatcher: dispatcher,
		limiter:    NewLimiter(opts.MaxConcurrent),
		settle:     opts.SettleDelay,
		now:        opts.Now,
		recorder:   opts.Recorder,
		inFlight:   make(map[string]struct{}),
	}, nil
}

// Folder returns the watched folder.
func (p *Processor) Folder() string {
	return p.folder
}

// Limiter exposes the dispatch limiter for status reporting.
func (p *Processor) Limiter() *Limiter {
	return p.limiter
}

func (p *Processor) claim(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[path]; busy {
		return false
	}
	p.inFlight[path] = struct{}{}
	return true
}

func (p *Processor) unclaim(path string) {
	p.mu.Lock()
	delete(p.inFlight, path)
	p.mu.Unlock()
}

// InFlight returns the number of files currently being handled.
func (p *Processor) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// Process handles one trigger file end to end and returns its archived
// status. The returned error explains an invalid or error status. When ctx
// ends before dispatch, or the file vanished, the file is left untouched and
// the status is empty. A file that exists but cannot be read is archived as
// an error.
func (p *Processor) Process(ctx context.Context, path string) (Status, error) {
	if !p.claim(path) {
		return "", ErrAlreadyProcessing
	}
	defer p.unclaim(path)

	ctx = logging.ContextWithRequestID(ctx, uuid.NewString())
	logger := logging.WithFields(ctx, "trigger_file", filepath.Base(path))
	logger.Info("trigger file detected")

	if p.settle > 0 {
		timer := time.NewTimer(p.settle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("reading trigger file: %w", err)
	}
	if err != nil {
		logger.Error("unreadable trigger file", "error", err)
		return p.finish(ctx, path, StatusError, fmt.Errorf("reading trigger file: %w", err))
	}

	manual, err := decodeManual(data)
	if err != nil {
		logger.Warn("invalid trigger file", "error", err)
		return p.finish(ctx, path, StatusInvalid, err)
	}

	if err := p.limiter.Acquire(ctx); err != nil {
		return "", err
	}
	dispatchErr := p.dispatch(ctx, manual)
	p.limiter.Release()

	if dispatchErr != nil {
		logger.Error("manual export failed", "error", dispatchErr)
		return p.finish(ctx, path, StatusError, dispatchErr)
	}
	logger.Info("manual export completed")
	return p.finish(ctx, path, StatusSuccess, nil)
}

// finish archives path with status and records the outcome.
func (p *Processor) finish(ctx context.Context, path string, status Status, cause error) (Status, error) {
	p.recorder.TriggerProcessed("file", status)

	dest, err := p.archive(path, status)
	if err != nil {
		logging.FromContext(ctx).Error("archiving trigger file failed", "error", err)
		return status, errors.Join(cause, err)
	}
	logging.FromContext(ctx).Info("trigger file archived", "status", status, "archive", filepath.Base(dest))
	return status, cause
}

func (p *Processor) archive(path string, status Status) (string, error) {
	p.archiveMu.Lock()
	defer p.archiveMu.Unlock()

	dest, err := archivePath(p.processed, path, status, p.now())
	if err != nil {
		return "", fmt.Errorf("choosing archive name: %w", err)
	}
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("moving to archive: %w", err)
	}
	return dest, nil
}

// dispatch runs the export, converting a panic into an error.
func (p *Processor) dispatch(ctx context.Context, req export.ManualRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("manual export panicked: %v", r)
		}
	}()
	return p.dispatcher.RunManualExport(ctx, req)
}

// Submit validates req and dispatches it in the background. It fails fast
// with ErrBusy when every dispatch slot is taken. The returned id tags the
// request's log entries.
func (p *Processor) Submit(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	manual, err := req.ManualRequest()
	if err != nil {
		return "", err
	}
	if !p.limiter.TryAcquire() {
		return "", ErrBusy
	}

	id := uuid.NewString()
	ctx = logging.ContextWithRequestID(context.WithoutCancel(ctx), id)

	p.submissions.Add(1)
	go func() {
		defer p.submissions.Done()
		defer p.limiter.Release()

		status := StatusSuccess
		if err := p.dispatch(ctx, manual); err != nil {
			status = StatusError
			logging.FromContext(ctx).Error("manual export failed", "error", err)
		}
		p.recorder.TriggerProcessed("http", status)
	}()
	return id, nil
}

// Wait blocks until background submissions and dispatches finish, or ctx
// ends.
func (p *Processor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.submissions.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.limiter.WaitForDrain(ctx)
}

func decodeManual(data []byte) (export.ManualRequest, error) {
	req, err := DecodeRequest(data)
	if err != nil {
		return export.ManualRequest{}, err
	}
	return req.ManualRequest()
}
