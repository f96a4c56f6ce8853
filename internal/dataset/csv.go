package dataset

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	apperrors "github.com/mrcode/therapy-settings/internal/errors"
	"github.com/mrcode/therapy-settings/internal/timeline"
)

// DecodeCSV reads a flattened public-dataset export. Dotted column names
// ("nutrition.carbohydrate.net") become nested fields, numeric cells become
// numbers and empty cells are left out.
func DecodeCSV(r io.Reader) ([]timeline.RawEvent, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return []timeline.RawEvent{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}

	var events []timeline.RawEvent
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv line %d: %w", line, err)
		}

		ev := timeline.RawEvent{}
		for i, cell := range row {
			if i >= len(header) || cell == "" {
				continue
			}
			setPath(ev, strings.Split(header[i], "."), cellValue(header[i], cell))
		}
		events = append(events, ev)
	}
	return events, nil
}

// LoadCSV reads one user's public-dataset CSV file. The user id is the file
// name without extension.
func LoadCSV(path string, opts timeline.IngestOptions) (*timeline.User, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindIO, "read", "opening csv dataset")
	}
	defer func() {
		_ = f.Close()
	}()

	events, err := DecodeCSV(f)
	if err != nil {
		return nil, err
	}

	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return timeline.Ingest(id, events, nil, opts)
}

func cellValue(column, cell string) interface{} {
	switch column {
	case "type", "subType", "time", "deviceTime", "units", "id", "uploadId":
		return cell
	}
	if _, err := strconv.ParseFloat(cell, 64); err == nil {
		return json.Number(cell)
	}
	return cell
}

func setPath(ev timeline.RawEvent, path []string, v interface{}) {
	m := map[string]interface{}(ev)
	for _, key := range path[:len(path)-1] {
		next, ok := m[key].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			m[key] = next
		}
		m = next
	}
	m[path[len(path)-1]] = v
}
