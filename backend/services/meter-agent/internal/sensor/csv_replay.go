package sensor

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"energymeter/backend/services/meter-agent/internal/models"
)

var csvHeader = []string{"phase", "voltage", "current", "power", "energy", "frequency", "pf"}

var errNoRowsForPhase = errors.New("no recorded rows for phase")

// CSVReplay replays recorded measurements, cycling through the rows of each phase.
type CSVReplay struct {
	mu   sync.Mutex
	rows map[int][]models.Measurement
	next map[int]int
}

// LoadCSVReplay reads a recording from disk.
func LoadCSVReplay(path string) (*CSVReplay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	rows, err := ParseMeasurementsCSV(f)
	if err != nil {
		return nil, err
	}
	return NewCSVReplay(rows), nil
}

// NewCSVReplay builds a replay source from parsed rows.
func NewCSVReplay(rows map[int][]models.Measurement) *CSVReplay {
	return &CSVReplay{rows: rows, next: make(map[int]int)}
}

// Read implements Source. Phases without rows fail with a sensor fault.
func (c *CSVReplay) Read(ctx context.Context, phase int) (models.Measurement, error) {
	if err := ctx.Err(); err != nil {
		return models.Measurement{}, Fault(phase, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rows := c.rows[phase]
	if len(rows) == 0 {
		return models.Measurement{}, Fault(phase, errNoRowsForPhase)
	}
	i := c.next[phase]
	c.next[phase] = (i + 1) % len(rows)
	return rows[i], nil
}

// ParseMeasurementsCSV parses a recording with header
// phase,voltage,current,power,energy,frequency,pf.
//
// Malformed rows are skipped; if no row survives the joined row errors are returned.
func ParseMeasurementsCSV(r io.Reader) (map[int][]models.Measurement, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < len(csvHeader) {
		return nil, fmt.Errorf("unexpected header %q (want %q)", strings.Join(header, ","), strings.Join(csvHeader, ","))
	}
	for i, name := range csvHeader {
		if strings.ToLower(strings.TrimSpace(header[i])) != name {
			return nil, fmt.Errorf("unexpected header %q (want %q)", strings.Join(header, ","), strings.Join(csvHeader, ","))
		}
	}

	var (
		out     = make(map[int][]models.Measurement)
		rowErrs []error
		rowNum  = 1
		total   int
	)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		rowNum++
		if err != nil {
			rowErrs = append(rowErrs, fmt.Errorf("row %d: read: %w", rowNum, err))
			continue
		}
		if len(row) < len(csvHeader) {
			rowErrs = append(rowErrs, fmt.Errorf("row %d: expected %d columns, got %d", rowNum, len(csvHeader), len(row)))
			continue
		}

		phase, err := strconv.Atoi(strings.TrimSpace(row[0]))
		if err != nil || phase < 0 {
			rowErrs = append(rowErrs, fmt.Errorf("row %d: invalid phase %q", rowNum, row[0]))
			continue
		}

		values := make([]float64, len(csvHeader)-1)
		valid := true
		for i := range values {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[i+1]), 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				rowErrs = append(rowErrs, fmt.Errorf("row %d: invalid %s %q", rowNum, csvHeader[i+1], row[i+1]))
				valid = false
				break
			}
			values[i] = v
		}
		if !valid {
			continue
		}

		out[phase] = append(out[phase], models.Measurement{
			Voltage:     values[0],
			Current:     values[1],
			Power:       values[2],
			Energy:      values[3],
			Frequency:   values[4],
			PowerFactor: values[5],
		})
		total++
	}

	if total == 0 {
		rowErrs = append(rowErrs, errors.New("recording contains no valid rows"))
		return nil, errors.Join(rowErrs...)
	}
	return out, nil
}
