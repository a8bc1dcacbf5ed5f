package training

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const dateLayout = "2006-01-02"

// metaColumns precede the feature columns in the CSV so every row can be
// traced back to its source imagery.
var metaColumns = []string{"location", "date", "pixel_x", "pixel_y"}

// classColumn is the label column name the external trainer expects.
const classColumn = "ml_class"

// WriteCSV writes the table with header
// location,date,pixel_x,pixel_y,<features...>,ml_class.
func (t *Table) WriteCSV(fn string) error {
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := append(append([]string{}, metaColumns...), t.Columns...)
	header = append(header, classColumn)
	if err := w.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for _, row := range t.Rows {
		record[0] = row.Location
		record[1] = row.Date.UTC().Format(dateLayout)
		record[2] = strconv.Itoa(row.PixelX)
		record[3] = strconv.Itoa(row.PixelY)
		for i, v := range row.Features {
			record[4+i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		record[len(record)-1] = strconv.Itoa(row.Class)
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

// ReadCSV loads a table written by WriteCSV.
func ReadCSV(fn string) (*Table, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.Errorf("%s has no header", fn)
	}
	header := records[0]
	if len(header) < len(metaColumns)+2 {
		return nil, errors.Errorf("%s header has only %d columns", fn, len(header))
	}
	if header[len(header)-1] != classColumn {
		return nil, errors.Errorf("%s last column is %q, want %q", fn, header[len(header)-1], classColumn)
	}
	numFeatures := len(header) - len(metaColumns) - 1

	table := &Table{Columns: header[len(metaColumns) : len(header)-1]}
	for i, rec := range records[1:] {
		if len(rec) != len(header) {
			return nil, errors.Errorf("%s row %d has %d fields, want %d", fn, i+1, len(rec), len(header))
		}
		date, err := time.Parse(dateLayout, rec[1])
		if err != nil {
			return nil, errors.Wrapf(err, "%s row %d date", fn, i+1)
		}
		px, err := strconv.Atoi(rec[2])
		if err != nil {
			return nil, errors.Wrapf(err, "%s row %d pixel_x", fn, i+1)
		}
		py, err := strconv.Atoi(rec[3])
		if err != nil {
			return nil, errors.Wrapf(err, "%s row %d pixel_y", fn, i+1)
		}
		vec := make([]float64, numFeatures)
		for j := 0; j < numFeatures; j++ {
			if vec[j], err = strconv.ParseFloat(rec[len(metaColumns)+j], 64); err != nil {
				return nil, errors.Wrapf(err, "%s row %d column %s", fn, i+1, table.Columns[j])
			}
		}
		class, err := strconv.Atoi(rec[len(rec)-1])
		if err != nil {
			return nil, errors.Wrapf(err, "%s row %d %s", fn, i+1, classColumn)
		}
		table.Rows = append(table.Rows, Row{
			Location: rec[0],
			Date:     date,
			PixelX:   px,
			PixelY:   py,
			Features: vec,
			Class:    class,
		})
	}
	return table, nil
}

// CountPositivesCSV answers the "count positives" query without keeping the
// table in memory: it streams the file and sums ml_class.
func CountPositivesCSV(fn string) (int, error) {
	f, err := os.Open(fn)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return 0, err
	}
	classIdx := -1
	for i, name := range header {
		if name == classColumn {
			classIdx = i
		}
	}
	if classIdx < 0 {
		return 0, errors.Errorf("%s has no %s column", fn, classColumn)
	}
	total := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		c, err := strconv.Atoi(rec[classIdx])
		if err != nil {
			return 0, errors.Wrapf(err, "%s bad %s value %q", fn, classColumn, rec[classIdx])
		}
		total += c
	}
	return total, nil
}
