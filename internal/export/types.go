package export

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type identifies an export variant. The set is closed: adding a variant
// means adding a constant here, a kind in kindByType and a registry entry.
type Type string

const (
	BasicDetail Type = "BasicDetail"
	FullDetail  Type = "FullDetail"
	Punctuality Type = "Punctuality"
)

// AllTypes lists every known export type in a stable order.
var AllTypes = []Type{BasicDetail, FullDetail, Punctuality}

// kindByType is the short name used for output files and change markers.
var kindByType = map[Type]string{
	BasicDetail: "BASIC",
	FullDetail:  "FULL",
	Punctuality: "PUNCTUALITY",
}

var (
	// ErrUnknownType is returned when parsing a name outside the closed set.
	ErrUnknownType = errors.New("unknown export type")

	// ErrNotImplemented is returned by placeholder exporters.
	ErrNotImplemented = errors.New("export type not implemented")
)

// Kind returns the file and marker prefix of t.
func (t Type) Kind() string {
	if k, ok := kindByType[t]; ok {
		return k
	}
	return strings.ToUpper(string(t))
}

// ParseType resolves a case-insensitive export type name.
func ParseType(name string) (Type, error) {
	name = strings.TrimSpace(name)
	for _, t := range AllTypes {
		if strings.EqualFold(name, string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// ParseTypes resolves a list of names, dropping duplicates but keeping order.
func ParseTypes(names []string) ([]Type, error) {
	seen := make(map[Type]bool, len(names))
	types := make([]Type, 0, len(names))
	for _, name := range names {
		t, err := ParseType(name)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		types = append(types, t)
	}
	return types, nil
}

// Dataset is a tabular query result with string-formatted values.
type Dataset struct {
	Columns []string
	Rows    [][]string
}

// DataSource is the relational data source consumed by exporters.
type DataSource interface {
	// GetRecordCount returns the number of records for date, or nil when the
	// source holds no data for that date at all.
	GetRecordCount(ctx context.Context, date time.Time) (*int, error)

	// GetPrimaryDataset returns one row per trip on date matching filter.
	GetPrimaryDataset(ctx context.Context, date time.Time, filter Filter) (Dataset, error)

	// GetDetailDataset returns one row per stop of the trips on date
	// matching filter.
	GetDetailDataset(ctx context.Context, date time.Time, filter Filter) (Dataset, error)
}

// Sink writes delimited output files.
type Sink interface {
	WriteDelimited(path string, headers []string, rows [][]string) error
}

// Executor runs data source calls with resilience semantics.
// Satisfied by *resilience.Pipeline.
type Executor interface {
	Execute(ctx context.Context, op func(ctx context.Context) error) error
}

// ChangeGate decides whether a date must be exported again.
// Satisfied by *changedetect.Gate.
type ChangeGate interface {
	ShouldExport(date time.Time, count *int, kind string) (bool, error)
}

// Exporter produces the output of one export type for one date.
type Exporter interface {
	Type() Type
	Export(ctx context.Context, date time.Time, filter Filter, bypassChangeDetection bool) (Result, error)
}

// Result describes the outcome of a single Export call.
type Result struct {
	Type    Type
	Date    time.Time
	Rows    int
	Path    string
	Skipped bool
	Reason  string
}

// FileName returns <KIND>_<yyyy-MM-dd>.csv.
func FileName(t Type, date time.Time) string {
	return fmt.Sprintf("%s_%s.csv", t.Kind(), date.Format(time.DateOnly))
}
