// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability. It depends only on
// the field package so any other package's tests may import it.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/fieldmap/internal/field"
)

// UnitSquareGeoJSON is a bare Polygon geometry covering [0,1]².
const UnitSquareGeoJSON = `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}`

// UnitSquareFeatureCollection wraps the unit square in a FeatureCollection
// with a second, ignored feature.
const UnitSquareFeatureCollection = `{"type":"FeatureCollection","features":[
 {"type":"Feature","properties":{"name":"square"},"geometry":` + UnitSquareGeoJSON + `},
 {"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[5,5],[6,5],[6,6],[5,6],[5,5]]]}}
]}`

// SquareWithHoleGeoJSON is [0,4]² with a [1,3]² hole.
const SquareWithHoleGeoJSON = `{"type":"Polygon","coordinates":[
 [[0,0],[4,0],[4,4],[0,4],[0,0]],
 [[1,1],[1,3],[3,3],[3,1],[1,1]]
]}`

// TwoIslandsGeoJSON is a MultiPolygon of two disjoint unit squares.
const TwoIslandsGeoJSON = `{"type":"Feature","properties":{},"geometry":{"type":"MultiPolygon","coordinates":[
 [[[0,0],[1,0],[1,1],[0,1],[0,0]]],
 [[[2,0],[3,0],[3,1],[2,1],[2,0]]]
]}}`

// Day returns midnight UTC of 2024-01-01 plus n days.
func Day(n int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

// Sample builds a sample at (lon, lat) on day n.
func Sample(lon, lat float64, day int, value float64) field.Sample {
	t := Day(day)
	return field.Sample{
		Coord: field.Coord{Lon: lon, Lat: lat},
		Time:  t,
		Label: t.Format("2006-01-02"),
		Value: value,
	}
}

// CornerSamples returns five samples inside the unit square on day n:
// the four near-corners plus the centre, valued base..base+4.
func CornerSamples(day int, base float64) []field.Sample {
	return []field.Sample{
		Sample(0.1, 0.1, day, base),
		Sample(0.9, 0.1, day, base+1),
		Sample(0.9, 0.9, day, base+2),
		Sample(0.1, 0.9, day, base+3),
		Sample(0.5, 0.5, day, base+4),
	}
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertFieldInRange fails the test if any cell of f lies outside rng.
func AssertFieldInRange(t *testing.T, f field.Field, rng field.GlobalRange) {
	t.Helper()
	for i, v := range f.Values {
		if v < rng.Min || v > rng.Max {
			t.Fatalf("cell %d = %v outside [%v, %v]", i, v, rng.Min, rng.Max)
		}
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}
