package analytics

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/xuri/excelize/v2"
	"golang.org/x/sync/errgroup"
)

// Format is an export file type.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

var ErrUnknownFormat = errors.New("unknown export format")

func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", ErrUnknownFormat
}

// ContentType is the MIME type of f.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Section is one aggregation of an export.
type Section struct {
	Group GroupBy
	Rows  []Row
}

// Collect queries every export group concurrently; results keep ExportGroups order.
func Collect(ctx context.Context, backend Backend, q Query, concurrency int) ([]Section, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	sections := make([]Section, len(ExportGroups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, group := range ExportGroups {
		i, group := i, group
		g.Go(func() error {
			gq := q
			gq.GroupBy = group
			rows, err := Stats(gctx, backend, gq)
			if err != nil {
				return err
			}
			sections[i] = Section{Group: group, Rows: rows}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sections, nil
}

// Write renders sections in format to w.
func Write(w io.Writer, format Format, sections []Section) error {
	switch format {
	case FormatCSV:
		return writeCSV(w, sections)
	case FormatXLSX:
		return writeXLSX(w, sections)
	}
	return ErrUnknownFormat
}

// CSV output is one table; the first column names the section.
func writeCSV(w io.Writer, sections []Section) error {
	cw := csv.NewWriter(w)
	for _, s := range sections {
		cols := columns(s.Rows)
		if err := cw.Write(append([]string{"section"}, cols...)); err != nil {
			return err
		}
		for _, row := range s.Rows {
			rec := make([]string, 0, len(cols)+1)
			rec = append(rec, string(s.Group))
			for _, c := range cols {
				rec = append(rec, cell(row[c]))
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeXLSX(w io.Writer, sections []Section) error {
	f := excelize.NewFile()
	defer f.Close()
	for i, s := range sections {
		sheet := string(s.Group)
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet); err != nil {
				return err
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return err
		}
		cols := columns(s.Rows)
		header := make([]any, len(cols))
		for j, c := range cols {
			header[j] = c
		}
		if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
			return err
		}
		for r, row := range s.Rows {
			values := make([]any, len(cols))
			for j, c := range cols {
				values[j] = row[c]
			}
			axis, err := excelize.CoordinatesToCellName(1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(sheet, axis, &values); err != nil {
				return err
			}
		}
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func columns(rows []Row) []string {
	seen := map[string]struct{}{}
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}
