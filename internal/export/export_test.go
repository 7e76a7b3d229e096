package export

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeSource is an in-memory DataSource keyed by date.
type fakeSource struct {
	mu sync.Mutex

	counts  map[string]*int
	primary Dataset
	detail  Dataset

	countErr   error
	primaryErr error

	countCalls   int
	primaryCalls []call
	detailCalls  []call
}

type call struct {
	date   time.Time
	filter Filter
}

func (s *fakeSource) GetRecordCount(_ context.Context, date time.Time) (*int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countCalls++
	if s.countErr != nil {
		return nil, s.countErr
	}
	return s.counts[date.Format(time.DateOnly)], nil
}

func (s *fakeSource) GetPrimaryDataset(_ context.Context, date time.Time, filter Filter) (Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primaryCalls = append(s.primaryCalls, call{date, filter})
	if s.primaryErr != nil {
		return Dataset{}, s.primaryErr
	}
	return s.primary, nil
}

func (s *fakeSource) GetDetailDataset(_ context.Context, date time.Time, filter Filter) (Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detailCalls = append(s.detailCalls, call{date, filter})
	return s.detail, nil
}

// directExecutor runs operations once, without resilience.
type directExecutor struct{}

func (directExecutor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	return op(ctx)
}

// fakeGate answers from a fixed marker table, mimicking the optimistic gate.
type fakeGate struct {
	mu      sync.Mutex
	markers map[string]int
	calls   int
}

func (g *fakeGate) ShouldExport(date time.Time, count *int, kind string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if count == nil {
		return false, nil
	}
	if g.markers == nil {
		g.markers = make(map[string]int)
	}
	key := kind + date.Format(time.DateOnly)
	if prev, ok := g.markers[key]; ok && prev == *count {
		return false, nil
	}
	g.markers[key] = *count
	return true, nil
}

type written struct {
	path    string
	headers []string
	rows    [][]string
}

type fakeSink struct {
	mu    sync.Mutex
	files []written
	err   error
}

func (s *fakeSink) WriteDelimited(path string, headers []string, rows [][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.files = append(s.files, written{path, headers, rows})
	return nil
}

func (s *fakeSink) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, f := range s.files {
		out = append(out, f.path)
	}
	return out
}

// stubExporter returns a canned result or error.
type stubExporter struct {
	t     Type
	err   error
	panic bool

	mu    sync.Mutex
	dates []time.Time
}

func (e *stubExporter) Type() Type { return e.t }

func (e *stubExporter) Export(_ context.Context, date time.Time, _ Filter, _ bool) (Result, error) {
	e.mu.Lock()
	e.dates = append(e.dates, date)
	e.mu.Unlock()
	if e.panic {
		panic("boom")
	}
	if e.err != nil {
		return Result{Type: e.t, Date: date}, e.err
	}
	return Result{Type: e.t, Date: date, Rows: 1}, nil
}

func (e *stubExporter) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dates)
}

func intPtr(v int) *int { return &v }

var errSource = errors.New("source unavailable")

func day(s string) time.Time {
	t, err := time.ParseInLocation(time.DateOnly, s, time.Local)
	if err != nil {
		panic(err)
	}
	return t
}
