// Package trigger ingests ad-hoc export requests dropped as JSON files into a
// watched folder and dispatches them to the export orchestrator.
package trigger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pcieslikta/DB2ExportService-sub000/internal/export"
)

// ErrInvalidRequest wraps every decode or validation failure.
var ErrInvalidRequest = errors.New("invalid trigger request")

// requestValidate is the validator instance for trigger requests.
// Initialized in init() with the export type validation.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("exporttype", validateExportType)
}

// validateExportType accepts names of the closed export type set.
func validateExportType(fl validator.FieldLevel) bool {
	_, err := export.ParseType(fl.Field().String())
	return err == nil
}

// Request is a manual export descriptor. Field names are matched
// case-insensitively, so "ExportTypes" and "exportTypes" are equivalent.
type Request struct {
	// ScheduledTime is an optional HH:mm hint. Requests always run on arrival.
	ScheduledTime string `json:"scheduledTime,omitempty" validate:"omitempty,datetime=15:04"`

	ExportTypes  []string `json:"exportTypes" validate:"required,min=1,dive,exporttype"`
	VehicleRange string   `json:"vehicleRange,omitempty" validate:"omitempty,max=1024"`
	VehicleList  []int    `json:"vehicleList,omitempty" validate:"omitempty,max=10000,dive,gte=0"`

	// DaysCount is the number of days from StartDate; 0 means 1.
	DaysCount int `json:"daysCount,omitempty" validate:"gte=0,lte=366"`

	// StartDate is yyyy-MM-dd; empty means today.
	StartDate string `json:"startDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// utf8BOM is written at the start of JSON files by some Windows tools.
var utf8BOM = []byte("\xef\xbb\xbf")

// DecodeRequest parses and validates a descriptor. A leading UTF-8 byte
// order mark is ignored.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(bytes.TrimPrefix(data, utf8BOM), &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Validate checks field constraints and the vehicle range expression.
func (r Request) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if strings.TrimSpace(r.VehicleRange) != "" && len(r.VehicleList) == 0 {
		if _, err := export.ParseVehicleRange(r.VehicleRange); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return nil
}

// ManualRequest converts a validated request for the orchestrator.
func (r Request) ManualRequest() (export.ManualRequest, error) {
	types, err := export.ParseTypes(r.ExportTypes)
	if err != nil {
		return export.ManualRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	req := export.ManualRequest{
		Types:         types,
		VehicleRange:  r.VehicleRange,
		VehicleList:   r.VehicleList,
		DaysCount:     max(r.DaysCount, 1),
		ScheduledTime: r.ScheduledTime,
	}
	if r.StartDate != "" {
		start, err := time.ParseInLocation(time.DateOnly, r.StartDate, time.Local)
		if err != nil {
			return export.ManualRequest{}, fmt.Errorf("%w: start date: %v", ErrInvalidRequest, err)
		}
		req.StartDate = &start
	}
	return req, nil
}
