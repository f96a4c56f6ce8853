package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mrcode/therapy-settings/internal/config"
	"github.com/mrcode/therapy-settings/internal/dataset"
	apperrors "github.com/mrcode/therapy-settings/internal/errors"
	"github.com/mrcode/therapy-settings/internal/tidepool"
	"github.com/mrcode/therapy-settings/internal/timeline"
)

var day0 = time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)

func ts(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.000Z")
}

// dailyEvents builds days of data with insulin = 12 + carbs/10 and a
// reservoir change every third day
func dailyEvents(days int) []timeline.RawEvent {
	var events []timeline.RawEvent
	for d := 0; d < days; d++ {
		day := day0.AddDate(0, 0, d)
		carbs := 100 + float64(d)*20
		events = append(events,
			timeline.RawEvent{"type": "basal", "time": ts(day), "rate": 0.5, "duration": float64(24 * time.Hour / time.Millisecond)},
			timeline.RawEvent{
				"type": "food", "time": ts(day.Add(8 * time.Hour)),
				"nutrition": map[string]interface{}{
					"carbohydrate": map[string]interface{}{"net": carbs, "units": "grams"},
				},
			},
			timeline.RawEvent{"type": "bolus", "time": ts(day.Add(8 * time.Hour)), "normal": carbs / 10},
			timeline.RawEvent{"type": "cbg", "time": ts(day.Add(9 * time.Hour)), "value": 130.0, "units": "mg/dL"},
			timeline.RawEvent{"type": "cbg", "time": ts(day.Add(12 * time.Hour)), "value": 110.0, "units": "mg/dL"},
		)
		if d%3 == 0 {
			events = append(events, timeline.RawEvent{"type": "deviceEvent", "subType": "reservoirChange", "time": ts(day.Add(20 * time.Hour))})
		}
	}
	return events
}

func testNotes() []timeline.RawNote {
	return []timeline.RawNote{
		{"id": "n1", "messagetext": "#periodstart", "timestamp": "2021-03-01T09:00:00+00:00"},
		{"id": "n2", "messagetext": "#periodend", "timestamp": "2021-03-06T09:00:00+00:00"},
		{"id": "n3", "messagetext": "#periodstart", "timestamp": "2021-03-08T09:00:00+00:00"},
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Storage.ResultsDB = filepath.Join(dir, "results.db")
	cfg.Analysis.K = 12.5
	cfg.Analysis.SlidingDays = 5
	cfg.Analysis.SlidingStep = 2

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func saveUser(t *testing.T, a *App, id string, days int) string {
	t.Helper()
	end := day0.AddDate(0, 0, days-1)
	dir, err := dataset.Save(a.cfg.Storage.DataDir, id, day0, end, dailyEvents(days), testNotes())
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return dir
}

func TestApp_Estimate(t *testing.T) {
	a := newTestApp(t)
	dir := saveUser(t, a, "alice", 10)

	rep, err := a.Estimate(context.Background(), dir, EstimateOptions{Save: true, WeightKg: 70, BMI: 22})
	if err != nil {
		t.Fatalf("Estimate() error = %v", err)
	}
	if rep.Err != nil {
		t.Fatalf("report error = %v", rep.Err)
	}
	if rep.UserID != "alice" {
		t.Errorf("UserID = %s, want alice", rep.UserID)
	}
	if len(rep.Rows) != 9 {
		t.Errorf("rows = %d, want 9", len(rep.Rows))
	}
	if rep.Settings == nil || math.Abs(rep.Settings.CarbInsulinRatio-10) > 1e-6 {
		t.Fatalf("Settings = %+v, want CIR 10", rep.Settings)
	}
	if rep.RunID == "" {
		t.Error("RunID should be set when saving")
	}
	if len(rep.References) != 2 {
		t.Errorf("References = %d, want 2", len(rep.References))
	}

	runs, err := a.Runs(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 1 || runs[0].ID != rep.RunID {
		t.Errorf("Runs() = %+v, want the saved run", runs)
	}

	var buf bytes.Buffer
	WriteEstimate(&buf, rep)
	for _, want := range []string{"user:       alice", "CIR 10.0 g/U", "aace:", "compare:"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("WriteEstimate() missing %q in:\n%s", want, buf.String())
		}
	}

	buf.Reset()
	if err := WriteRuns(&buf, runs); err != nil {
		t.Fatalf("WriteRuns() error = %v", err)
	}
	if !strings.Contains(buf.String(), rep.RunID) {
		t.Errorf("WriteRuns() missing run id:\n%s", buf.String())
	}
}

func TestApp_EstimateMissingUser(t *testing.T) {
	a := newTestApp(t)

	_, err := a.Estimate(context.Background(), "nobody_2021-03-01_2021-03-02", EstimateOptions{})
	if !apperrors.IsKind(err, apperrors.KindIO) {
		t.Errorf("Estimate() error = %v, want io kind", err)
	}
}

func TestApp_Windows(t *testing.T) {
	a := newTestApp(t)
	dir := saveUser(t, a, "bob", 5)

	rows, err := a.Windows(filepath.Base(dir), Range{})
	if err != nil {
		t.Fatalf("Windows() error = %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want 4", len(rows))
	}

	var buf bytes.Buffer
	if err := WriteWindowsCSV(&buf, rows); err != nil {
		t.Fatalf("WriteWindowsCSV() error = %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("reading CSV: %v", err)
	}
	if len(records) != 5 || len(records[0]) != len(WindowHeader) {
		t.Fatalf("CSV shape = %dx%d", len(records), len(records[0]))
	}
	if records[1][0] != "2021-03-01T00:00:00Z" || records[1][5] != "100" {
		t.Errorf("first row = %v", records[1])
	}
}

func TestApp_WindowsExplicitRange(t *testing.T) {
	a := newTestApp(t)
	dir := saveUser(t, a, "bob", 5)

	rows, err := a.Windows(dir, Range{Start: day0.AddDate(0, 0, 1), End: day0.AddDate(0, 0, 3)})
	if err != nil {
		t.Fatalf("Windows() error = %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("rows = %d, want 2", len(rows))
	}
}

func TestApp_Circadian(t *testing.T) {
	a := newTestApp(t)
	dir := saveUser(t, a, "carol", 7)

	rep, err := a.Circadian(dir, Range{})
	if err != nil {
		t.Fatalf("Circadian() error = %v", err)
	}
	if rep.Hour != 0 {
		t.Errorf("Hour = %d, want 0", rep.Hour)
	}
	if rep.Histogram[8] != 7 || rep.Total != 7 {
		t.Errorf("Histogram[8] = %d, Total = %d, want 7", rep.Histogram[8], rep.Total)
	}

	var buf bytes.Buffer
	WriteCircadian(&buf, rep)
	if !strings.Contains(buf.String(), "day starts at 00:00") {
		t.Errorf("WriteCircadian() = %s", buf.String())
	}
}

func TestApp_Sliding(t *testing.T) {
	a := newTestApp(t)
	dir := saveUser(t, a, "dave", 10)

	points, err := a.Sliding(dir, Range{})
	if err != nil {
		t.Fatalf("Sliding() error = %v", err)
	}
	// 9 windows, blocks of 5 every 2
	if len(points) != 3 {
		t.Fatalf("points = %d, want 3", len(points))
	}
	for i, p := range points {
		if p.Err != nil {
			t.Errorf("point %d error = %v", i, p.Err)
		}
	}

	var buf bytes.Buffer
	if err := WriteSliding(&buf, points); err != nil {
		t.Fatalf("WriteSliding() error = %v", err)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 4 {
		t.Errorf("WriteSliding() lines = %d, want 4", lines)
	}
}

func TestApp_Plot(t *testing.T) {
	a := newTestApp(t)
	dir := saveUser(t, a, "erin", 10)
	out := filepath.Join(t.TempDir(), "plots")

	written, err := a.Plot(context.Background(), dir, out, EstimateOptions{WeightKg: 70})
	if err != nil {
		t.Fatalf("Plot() error = %v", err)
	}
	if len(written) != 4 {
		t.Fatalf("written = %v, want 4 charts", written)
	}
	for _, p := range written {
		info, err := os.Stat(p)
		if err != nil || info.Size() == 0 {
			t.Errorf("chart %s missing or empty", p)
		}
	}
}

func TestApp_Cohort(t *testing.T) {
	a := newTestApp(t)
	saveUser(t, a, "u1", 10)
	saveUser(t, a, "u2", 10)
	saveUser(t, a, "u3", 1)

	results, err := a.Cohort(context.Background(), "", Range{})
	if err != nil {
		t.Fatalf("Cohort() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1 (the single-day user)", failed)
	}

	runs, err := a.Runs(context.Background(), "")
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 3 {
		t.Errorf("runs = %d, want 3", len(runs))
	}

	var buf bytes.Buffer
	if err := WriteCohort(&buf, results); err != nil {
		t.Fatalf("WriteCohort() error = %v", err)
	}
	if !strings.Contains(buf.String(), "u1") || !strings.Contains(buf.String(), "u3") {
		t.Errorf("WriteCohort() = %s", buf.String())
	}
}

func TestApp_DuplicatesAndTags(t *testing.T) {
	a := newTestApp(t)
	dir := saveUser(t, a, "fay", 10)

	dup, err := a.Duplicates(dir)
	if err != nil {
		t.Fatalf("Duplicates() error = %v", err)
	}
	if dup.Total() != 0 {
		t.Errorf("Duplicates().Total() = %d, want 0", dup.Total())
	}

	rep, err := a.Tags(dir, 1, 10)
	if err != nil {
		t.Fatalf("Tags() error = %v", err)
	}
	if rep.Notes != 3 || len(rep.Periods) != 1 {
		t.Errorf("Tags() = %+v, want 3 notes and 1 period", rep)
	}

	var buf bytes.Buffer
	WriteTags(&buf, rep)
	if !strings.Contains(buf.String(), "#periodstart") || !strings.Contains(buf.String(), "period 2021-03-01 to 2021-03-06") {
		t.Errorf("WriteTags() = %s", buf.String())
	}
	buf.Reset()
	if err := WriteDuplicates(&buf, dup); err != nil {
		t.Fatalf("WriteDuplicates() error = %v", err)
	}
	if !strings.Contains(buf.String(), "glucose") {
		t.Errorf("WriteDuplicates() = %s", buf.String())
	}
}

func TestApp_DownloadRequiresCredentials(t *testing.T) {
	a := newTestApp(t)

	_, err := a.Download(context.Background(), nil, day0, day0)
	if !apperrors.Is(err, ErrMissingCredentials) {
		t.Errorf("Download() error = %v, want ErrMissingCredentials", err)
	}
	if _, err := a.AcceptInvitations(context.Background()); !apperrors.Is(err, ErrMissingCredentials) {
		t.Errorf("AcceptInvitations() error = %v, want ErrMissingCredentials", err)
	}
}

func TestApp_Download(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-tidepool-session-token", "tok")
		_ = json.NewEncoder(w).Encode(map[string]string{"userid": "me"})
	})
	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/data/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(dailyEvents(3))
	})
	mux.HandleFunc("/message/notes/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := newTestApp(t)
	a.cfg.Tidepool.Username = "researcher"
	a.cfg.Tidepool.Password = "pw"
	a.SetClient(tidepool.NewClient(srv.URL, "researcher", "pw"))

	dirs, err := a.Download(context.Background(), nil, day0, day0.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if len(dirs) != 1 || filepath.Base(dirs[0]) != "me_2021-03-01_2021-03-03" {
		t.Fatalf("Download() = %v", dirs)
	}

	u, err := a.Load(dirs[0])
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if u.Carbs.Len() != 3 || u.Notes.Len() != 0 {
		t.Errorf("loaded %d carbs and %d notes, want 3 and 0", u.Carbs.Len(), u.Notes.Len())
	}
}

func TestApp_LoadCSV(t *testing.T) {
	a := newTestApp(t)
	path := filepath.Join(t.TempDir(), "public01.csv")
	data := "type,time,normal,value,units\n" +
		"bolus,2021-03-01T08:00:00.000Z,2.5,,\n" +
		"cbg,2021-03-01T09:00:00.000Z,,120,mg/dL\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	u, err := a.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if u.ID != "public01" || u.Bolus.Len() != 1 || u.Glucose.Len() != 1 {
		t.Errorf("Load() = %s with %d bolus, %d glucose", u.ID, u.Bolus.Len(), u.Glucose.Len())
	}
}
