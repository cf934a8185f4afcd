// Package tripdata describes the monthly NYC TLC trip archives: which services
// exist, how a month maps to a source URL, and how it is keyed once published.
package tripdata

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrUnknownService indicates a service tag outside the published set.
	ErrUnknownService = errors.New("unknown service")
	// ErrUnknownFormat indicates an output format that is not supported.
	ErrUnknownFormat = errors.New("unknown output format")
	// ErrInvalidMonth indicates a month outside 1..12.
	ErrInvalidMonth = errors.New("invalid month")
	// ErrInvalidYear indicates a year that is not four digits.
	ErrInvalidYear = errors.New("invalid year")
)

// Service is the trip record family published by the TLC.
type Service string

const (
	ServiceYellow Service = "yellow"
	ServiceGreen  Service = "green"
	ServiceFHV    Service = "fhv"
)

// Services lists every supported service in a stable order.
func Services() []Service {
	return []Service{ServiceYellow, ServiceGreen, ServiceFHV}
}

// ParseService converts a tag such as "green" into a Service.
func ParseService(s string) (Service, error) {
	svc := Service(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Services() {
		if svc == known {
			return svc, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownService, s)
}

// Format selects what is published for a unit.
type Format string

const (
	// FormatOriginal publishes the downloaded .csv.gz archive untouched.
	FormatOriginal Format = "original"
	// FormatParquet converts the archive to Parquet before publishing.
	FormatParquet Format = "parquet"
)

// ParseFormat accepts "original", "csv", "parquet" or "columnar".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "original", "csv", "csv.gz":
		return FormatOriginal, nil
	case "parquet", "columnar":
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("%w: %q (supported: original, parquet)", ErrUnknownFormat, s)
	}
}

// Extension returns the file extension of objects published in this format.
func (f Format) Extension() string {
	if f == FormatParquet {
		return ParquetExt
	}
	return ArchiveExt
}

// NeedsTransform reports whether the fetched archive must be converted.
func (f Format) NeedsTransform() bool {
	return f == FormatParquet
}

const (
	// ArchiveExt is the extension of the archives served by the source host.
	ArchiveExt = "csv.gz"
	// ParquetExt is the extension of converted files.
	ParquetExt = "parquet"
)

// WorkUnit is one month of one service for one year.
type WorkUnit struct {
	Year    int
	Service Service
	Month   int
}

// NewWorkUnit validates and builds a WorkUnit.
func NewWorkUnit(year int, service Service, month int) (WorkUnit, error) {
	if year < 1000 || year > 9999 {
		return WorkUnit{}, fmt.Errorf("%w: %d", ErrInvalidYear, year)
	}
	if _, err := ParseService(string(service)); err != nil {
		return WorkUnit{}, err
	}
	if month < 1 || month > 12 {
		return WorkUnit{}, fmt.Errorf("%w: %d", ErrInvalidMonth, month)
	}
	return WorkUnit{Year: year, Service: service, Month: month}, nil
}

// BaseName is the file name without extension, e.g. "green_tripdata_2019-03".
func (u WorkUnit) BaseName() string {
	return fmt.Sprintf("%s_tripdata_%04d-%02d", u.Service, u.Year, u.Month)
}

// ArchiveName is the name of the source archive, e.g. "green_tripdata_2019-03.csv.gz".
func (u WorkUnit) ArchiveName() string {
	return u.BaseName() + "." + ArchiveExt
}

// FileName is the name of the published file for the given format.
func (u WorkUnit) FileName(f Format) string {
	return u.BaseName() + "." + f.Extension()
}

// SourceURL returns {base}/{service}/{service}_tripdata_{year}-{MM}.csv.gz.
func (u WorkUnit) SourceURL(base string) string {
	return strings.TrimRight(base, "/") + "/" + string(u.Service) + "/" + u.ArchiveName()
}

// ObjectKey returns the logical key {service}/{file name} for the given format.
func (u WorkUnit) ObjectKey(f Format) string {
	return string(u.Service) + "/" + u.FileName(f)
}

// String identifies the unit in logs.
func (u WorkUnit) String() string {
	return fmt.Sprintf("%s/%04d-%02d", u.Service, u.Year, u.Month)
}

// AllMonths returns 1..12.
func AllMonths() []int {
	months := make([]int, 12)
	for i := range months {
		months[i] = i + 1
	}
	return months
}

// ParseMonths parses a month selection such as "1-12", "3", or "1,2,7-9".
// The result is sorted ascending without duplicates.
func ParseMonths(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return AllMonths(), nil
	}

	var seen [13]bool
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		from, err := parseMonth(lo)
		if err != nil {
			return nil, err
		}
		to := from
		if isRange {
			if to, err = parseMonth(hi); err != nil {
				return nil, err
			}
		}
		if to < from {
			return nil, fmt.Errorf("%w: range %q is reversed", ErrInvalidMonth, part)
		}
		for m := from; m <= to; m++ {
			seen[m] = true
		}
	}

	var months []int
	for m := 1; m <= 12; m++ {
		if seen[m] {
			months = append(months, m)
		}
	}
	return months, nil
}

func parseMonth(s string) (int, error) {
	m, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || m < 1 || m > 12 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMonth, s)
	}
	return m, nil
}
