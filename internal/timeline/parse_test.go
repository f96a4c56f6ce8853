package timeline

import (
	"errors"
	"testing"
	"time"

	apperrors "github.com/mrcode/therapy-settings/internal/errors"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Time
	}{
		{"microseconds", "2021-03-24T14:05:29.611000Z", time.Date(2021, 3, 24, 14, 5, 29, 611000000, time.UTC)},
		{"milliseconds", "2020-01-02T23:15:12.611Z", time.Date(2020, 1, 2, 23, 15, 12, 611000000, time.UTC)},
		{"seven digit defect", "2021-03-24T14:05:29.1234567Z", time.Date(2021, 3, 24, 14, 5, 29, 0, time.UTC)},
		{"eight digit defect", "2021-03-24T14:05:29.12345678Z", time.Date(2021, 3, 24, 14, 5, 29, 0, time.UTC)},
		{"nine digit defect", "2021-03-24T14:05:29.123456789Z", time.Date(2021, 3, 24, 14, 5, 29, 0, time.UTC)},
		{"no fraction", "2021-03-24T14:05:29Z", time.Date(2021, 3, 24, 14, 5, 29, 0, time.UTC)},
		{"date only", "2021-03-24", time.Date(2021, 3, 24, 0, 0, 0, 0, time.UTC)},
		{"note offset keeps wall clock", "2021-03-24T14:05:29-07:00", time.Date(2021, 3, 24, 14, 5, 29, 0, time.UTC)},
		{"note utc offset", "2021-03-24T14:05:29+00:00", time.Date(2021, 3, 24, 14, 5, 29, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.input)
			if err != nil {
				t.Fatalf("ParseTimestamp(%q) error = %v", tt.input, err)
			}
			if !got.Equal(tt.expected) {
				t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.input, got, tt.expected)
			}
			if got.Location() != time.UTC {
				t.Errorf("ParseTimestamp(%q) location = %v, want UTC", tt.input, got.Location())
			}
		})
	}
}

func TestParseTimestamp_Invalid(t *testing.T) {
	inputs := []string{"", "yesterday", "2021-13-45", "24/03/2021 14:05"}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			_, err := ParseTimestamp(input)
			var dpe *DateParseError
			if !errors.As(err, &dpe) {
				t.Fatalf("ParseTimestamp(%q) error = %v, want DateParseError", input, err)
			}
			if dpe.Input != input {
				t.Errorf("DateParseError.Input = %q, want %q", dpe.Input, input)
			}
			if apperrors.KindOf(err) != apperrors.KindDateParse {
				t.Errorf("KindOf() = %v, want date_parse", apperrors.KindOf(err))
			}
		})
	}
}
