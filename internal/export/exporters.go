package export

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/pcieslikta/DB2ExportService-sub000/internal/logging"
)

// TripIDColumn joins detail rows onto their trip in FullDetail output.
const TripIDColumn = "trip_id"

// Deps are the collaborators shared by the built-in exporters.
type Deps struct {
	Source   DataSource
	Executor Executor
	Gate     ChangeGate
	Sink     Sink

	// Root is the directory output files are written to.
	Root string
}

// checkChanged consults the change gate unless bypassed. It returns whether
// to proceed and, when not, the reason.
func checkChanged(ctx context.Context, deps Deps, date time.Time, kind string, bypass bool) (bool, string, error) {
	if bypass {
		return true, "", nil
	}

	var count *int
	err := deps.Executor.Execute(ctx, func(ctx context.Context) error {
		var err error
		count, err = deps.Source.GetRecordCount(ctx, date)
		return err
	})
	if err != nil {
		return false, "", fmt.Errorf("fetching record count: %w", err)
	}

	should, err := deps.Gate.ShouldExport(date, count, kind)
	if err != nil {
		return false, "", err
	}
	if should {
		return true, "", nil
	}
	if count == nil {
		return false, "no source data", nil
	}
	return false, "unchanged", nil
}

// fetch runs a dataset query through the executor.
func fetch(ctx context.Context, deps Deps, query func(ctx context.Context) (Dataset, error)) (Dataset, error) {
	var ds Dataset
	err := deps.Executor.Execute(ctx, func(ctx context.Context) error {
		var err error
		ds, err = query(ctx)
		return err
	})
	return ds, err
}

func write(ctx context.Context, deps Deps, t Type, date time.Time, ds Dataset) (Result, error) {
	path := filepath.Join(deps.Root, FileName(t, date))
	if err := deps.Sink.WriteDelimited(path, ds.Columns, ds.Rows); err != nil {
		return Result{Type: t, Date: date}, fmt.Errorf("writing %s: %w", path, err)
	}

	logging.FromContext(ctx).Info("export file written",
		"type", t,
		"date", date.Format(time.DateOnly),
		"rows", len(ds.Rows),
		"path", path,
	)
	return Result{Type: t, Date: date, Rows: len(ds.Rows), Path: path}, nil
}

type basicDetailExporter struct {
	deps Deps
}

// NewBasicDetailExporter exports one row per trip.
func NewBasicDetailExporter(deps Deps) Exporter {
	return &basicDetailExporter{deps: deps}
}

func (e *basicDetailExporter) Type() Type { return BasicDetail }

func (e *basicDetailExporter) Export(ctx context.Context, date time.Time, filter Filter, bypass bool) (Result, error) {
	proceed, reason, err := checkChanged(ctx, e.deps, date, BasicDetail.Kind(), bypass)
	if err != nil {
		return Result{Type: BasicDetail, Date: date}, err
	}
	if !proceed {
		return Result{Type: BasicDetail, Date: date, Skipped: true, Reason: reason}, nil
	}

	ds, err := fetch(ctx, e.deps, func(ctx context.Context) (Dataset, error) {
		return e.deps.Source.GetPrimaryDataset(ctx, date, filter)
	})
	if err != nil {
		return Result{Type: BasicDetail, Date: date}, fmt.Errorf("fetching primary dataset: %w", err)
	}

	return write(ctx, e.deps, BasicDetail, date, ds)
}

type fullDetailExporter struct {
	deps Deps
}

// NewFullDetailExporter exports one row per stop, each carrying the fields
// of its trip. Trips without stops still produce one row.
func NewFullDetailExporter(deps Deps) Exporter {
	return &fullDetailExporter{deps: deps}
}

func (e *fullDetailExporter) Type() Type { return FullDetail }

func (e *fullDetailExporter) Export(ctx context.Context, date time.Time, filter Filter, bypass bool) (Result, error) {
	proceed, reason, err := checkChanged(ctx, e.deps, date, FullDetail.Kind(), bypass)
	if err != nil {
		return Result{Type: FullDetail, Date: date}, err
	}
	if !proceed {
		return Result{Type: FullDetail, Date: date, Skipped: true, Reason: reason}, nil
	}

	primary, err := fetch(ctx, e.deps, func(ctx context.Context) (Dataset, error) {
		return e.deps.Source.GetPrimaryDataset(ctx, date, filter)
	})
	if err != nil {
		return Result{Type: FullDetail, Date: date}, fmt.Errorf("fetching primary dataset: %w", err)
	}

	detail, err := fetch(ctx, e.deps, func(ctx context.Context) (Dataset, error) {
		return e.deps.Source.GetDetailDataset(ctx, date, filter)
	})
	if err != nil {
		return Result{Type: FullDetail, Date: date}, fmt.Errorf("fetching detail dataset: %w", err)
	}

	joined, err := joinDetail(primary, detail)
	if err != nil {
		return Result{Type: FullDetail, Date: date}, err
	}

	return write(ctx, e.deps, FullDetail, date, joined)
}

// joinDetail left-joins detail rows onto primary rows by TripIDColumn.
func joinDetail(primary, detail Dataset) (Dataset, error) {
	pIdx := slices.Index(primary.Columns, TripIDColumn)
	if pIdx < 0 {
		return Dataset{}, fmt.Errorf("primary dataset has no %s column", TripIDColumn)
	}
	dIdx := slices.Index(detail.Columns, TripIDColumn)
	if dIdx < 0 {
		return Dataset{}, fmt.Errorf("detail dataset has no %s column", TripIDColumn)
	}

	without := func(row []string) []string {
		out := make([]string, 0, len(row)-1)
		out = append(out, row[:dIdx]...)
		return append(out, row[dIdx+1:]...)
	}

	detailCols := without(detail.Columns)
	columns := append(slices.Clone(primary.Columns), detailCols...)

	byTrip := make(map[string][][]string)
	for _, row := range detail.Rows {
		if len(row) != len(detail.Columns) {
			return Dataset{}, fmt.Errorf("detail row has %d fields, want %d", len(row), len(detail.Columns))
		}
		byTrip[row[dIdx]] = append(byTrip[row[dIdx]], without(row))
	}

	empty := make([]string, len(detailCols))
	rows := make([][]string, 0, max(len(primary.Rows), len(detail.Rows)))
	for _, trip := range primary.Rows {
		if len(trip) != len(primary.Columns) {
			return Dataset{}, fmt.Errorf("primary row has %d fields, want %d", len(trip), len(primary.Columns))
		}
		stops := byTrip[trip[pIdx]]
		if len(stops) == 0 {
			rows = append(rows, append(slices.Clone(trip), empty...))
			continue
		}
		for _, stop := range stops {
			rows = append(rows, append(slices.Clone(trip), stop...))
		}
	}

	return Dataset{Columns: columns, Rows: rows}, nil
}

type punctualityExporter struct{}

// NewPunctualityExporter registers the Punctuality type ahead of its
// implementation. Export always fails with ErrNotImplemented.
func NewPunctualityExporter() Exporter {
	return punctualityExporter{}
}

func (punctualityExporter) Type() Type { return Punctuality }

func (punctualityExporter) Export(_ context.Context, date time.Time, _ Filter, _ bool) (Result, error) {
	return Result{Type: Punctuality, Date: date}, fmt.Errorf("%s: %w", Punctuality, ErrNotImplemented)
}
