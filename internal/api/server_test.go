package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fieldmap/internal/db"
	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/fsutil"
	"github.com/banshee-data/fieldmap/internal/geo"
	"github.com/banshee-data/fieldmap/internal/ingest"
	"github.com/banshee-data/fieldmap/internal/monitoring"
	"github.com/banshee-data/fieldmap/internal/pipeline"
	fmtest "github.com/banshee-data/fieldmap/internal/testutil"
	"github.com/banshee-data/fieldmap/internal/video"
)

func init() {
	monitoring.SetLogger(nil)
	monitoring.SetOpsLogger(nil)
}

type testEnv struct {
	handler   http.Handler
	store     *db.DB
	uploadDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	uploadDir := t.TempDir()
	square := filepath.Join(uploadDir, "square.geojson")
	require.NoError(t, os.WriteFile(square, []byte(fmtest.UnitSquareGeoJSON), 0o644))

	metrics := monitoring.NewMetrics()
	renderer := pipeline.NewRenderer(pipeline.Options{
		Workers:             2,
		HeatmapResolution:   16,
		AnimationResolution: 10,
		FrameWidth:          40,
		Encoder:             video.GIFEncoder{},
	}, metrics, nil)
	s := NewServer(store, renderer, geo.NewCache(fsutil.OSFileSystem{}), metrics, Config{
		UploadDir:           uploadDir,
		DefaultBoundary:     square,
		AnimationColormap:   "viridis",
		FPS:                 5,
		FramesPerTransition: 2,
		Mode:                pipeline.ModeSequence,
	})
	mux := s.ServeMux()
	s.AttachDebugRoutes(mux)
	return &testEnv{handler: Handler(mux), store: store, uploadDir: uploadDir}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postJSON(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return e.do(t, req)
}

func (e *testEnv) seed(t *testing.T, parameter string, nDays int) {
	t.Helper()
	var samples []field.Sample
	for d := 0; d < nDays; d++ {
		samples = append(samples, fmtest.CornerSamples(d, float64(10*d))...)
	}
	_, err := e.store.UpsertMeasurements(context.Background(), parameter, samples)
	require.NoError(t, err)
}

func multipartFile(t *testing.T, path, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func records(samples []field.Sample) []ingest.Record { return ingest.ToRecords(samples) }

func TestHeatmapFromPostedData(t *testing.T) {
	env := newTestEnv(t)
	data := append(fmtest.CornerSamples(0, 0), fmtest.CornerSamples(1, 10)...)

	rec := env.postJSON(t, "/api/heatmap", map[string]interface{}{
		"data":     records(data),
		"method":   "idw",
		"colormap": "magma",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res pipeline.HeatmapResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, []string{"2024-01-01", "2024-01-02"}, res.Order)
	assert.Len(t, res.Images, 2)
	assert.Equal(t, 0.0, res.GlobalMin)
	assert.Equal(t, 14.0, res.GlobalMax)
	assert.Empty(t, res.Skipped)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fieldmap_frames_rendered_total 2")
}

func TestHeatmapFromStore(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "pm25", 3)

	rec := env.postJSON(t, "/api/heatmap", map[string]interface{}{
		"parameter":  "pm25",
		"start_date": "2024-01-02",
		"global_min": 0,
		"global_max": 100,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res pipeline.HeatmapResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, []string{"2024-01-02", "2024-01-03"}, res.Order)
	assert.Equal(t, 100.0, res.GlobalMax)
}

func TestHeatmapKDEBandwidthUnits(t *testing.T) {
	env := newTestEnv(t)
	data := records(fmtest.CornerSamples(0, 0))

	for _, unit := range []string{"", "km", "m", "mi", "deg"} {
		rec := env.postJSON(t, "/api/heatmap", map[string]interface{}{
			"data":           data,
			"method":         "kde",
			"bandwidth":      500,
			"bandwidth_unit": unit,
		})
		assert.Equal(t, http.StatusOK, rec.Code, "unit %q: %s", unit, rec.Body.String())
	}
}

func TestHeatmapErrors(t *testing.T) {
	env := newTestEnv(t)
	data := records(fmtest.CornerSamples(0, 0))

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"no data or parameter", map[string]interface{}{}, http.StatusBadRequest},
		{"unknown method", map[string]interface{}{"data": data, "method": "kriging"}, http.StatusBadRequest},
		{"half a range", map[string]interface{}{"data": data, "global_min": 1}, http.StatusBadRequest},
		{"inverted range", map[string]interface{}{"data": data, "global_min": 5, "global_max": 1}, http.StatusBadRequest},
		{"missing boundary", map[string]interface{}{"data": data, "boundary_path": "nope.geojson"}, http.StatusNotFound},
		{"escaping boundary", map[string]interface{}{"data": data, "boundary_path": "../x.geojson"}, http.StatusBadRequest},
		{"unknown parameter", map[string]interface{}{"parameter": "radon"}, http.StatusNotFound},
		{"unknown bandwidth unit", map[string]interface{}{"data": data, "bandwidth": 2, "bandwidth_unit": "furlong"}, http.StatusBadRequest},
		{"resolution of one", map[string]interface{}{"data": data, "resolution": 1}, http.StatusBadRequest},
		{"resolution too large", map[string]interface{}{"data": data, "resolution": 2001}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.postJSON(t, "/api/heatmap", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/api/heatmap", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/heatmap", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAnimate(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "pm 2.5", 3)

	rec := env.postJSON(t, "/api/animate", map[string]interface{}{
		"parameter":  "pm 2.5",
		"start_date": "2024-01-01",
		"end_date":   "2024-01-03",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=pm_2.5_animation.gif", rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "4", rec.Header().Get("X-Frame-Count"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("GIF89a")))

	rec = env.postJSON(t, "/api/animate", map[string]interface{}{"parameter": "pm 2.5", "end_date": "2024-01-01"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "one slice is not enough")

	rec = env.postJSON(t, "/api/animate", map[string]interface{}{"parameter": "pm 2.5", "mode": "loop"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.postJSON(t, "/api/animate", map[string]interface{}{"parameter": "pm 2.5", "start_date": "03/01"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnimateLimits(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "pm25", 2)

	for _, body := range []map[string]interface{}{
		{"parameter": "pm25", "frames_per_transition": 100000},
		{"parameter": "pm25", "frames_per_transition": -1},
		{"parameter": "pm25", "fps": 61},
		{"parameter": "pm25", "resolution": 1},
		{"parameter": "pm25", "resolution": 1001},
	} {
		rec := env.postJSON(t, "/api/animate", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%v: %s", body, rec.Body.String())
	}

	rec := env.postJSON(t, "/api/animate", map[string]interface{}{"parameter": "pm25", "frames_per_transition": 3, "fps": 60})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "3", rec.Header().Get("X-Frame-Count"))
}

func TestLegend(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/legend?min=0&max=42&colormap=viridis&width=100&height=300", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	for _, q := range []string{"max=1", "min=0&max=x", "min=0&max=1&colormap=rainbow", "min=0&max=1&width=0", "min=2&max=1"} {
		rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/legend?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestUploadCSV(t *testing.T) {
	env := newTestEnv(t)
	csv := "latitude,longitude,timestamp,value\n" +
		"0.1,0.1,2024-02-01,1\n" +
		"0.9,0.9,2024-02-01,3\n" +
		"0.9,0.9,2024-02-02,5\n" +
		"bad,0.9,2024-02-02,5\n"

	rec := env.do(t, multipartFile(t, "/api/upload", "obs.csv", csv, map[string]string{"parameter": "ozone"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Data       []ingest.Record `json:"data"`
		Timestamps []string        `json:"timestamps"`
		GlobalMin  float64         `json:"global_min"`
		GlobalMax  float64         `json:"global_max"`
		Dropped    int             `json:"dropped"`
		Stored     int             `json:"stored"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Data, 3)
	assert.Equal(t, []string{"2024-02-01", "2024-02-02"}, resp.Timestamps)
	assert.Equal(t, 1.0, resp.GlobalMin)
	assert.Equal(t, 5.0, resp.GlobalMax)
	assert.Equal(t, 1, resp.Dropped)
	assert.Equal(t, 3, resp.Stored)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/timestamps?parameter=ozone", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"timestamps":["2024-02-02","2024-02-01"]}`, rec.Body.String())

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/measurements?parameter=ozone&start_date=2024-02-02", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"global_max":5`)

	rec = env.do(t, multipartFile(t, "/api/upload", "obs.xlsx", csv, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, multipartFile(t, "/api/upload", "empty.csv", "latitude,longitude,timestamp,value\n", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBoundaryUpload(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, multipartFile(t, "/api/boundary", "../two islands.geojson", fmtest.TwoIslandsGeoJSON, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp boundaryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "two_islands.geojson", resp.Path)
	assert.Equal(t, 2, resp.Polygons)
	assert.Equal(t, []float64{0, 0, 3, 1}, resp.Bounds)
	assert.FileExists(t, filepath.Join(env.uploadDir, resp.Path))

	rec = env.postJSON(t, "/api/heatmap", map[string]interface{}{
		"data":          records(fmtest.CornerSamples(0, 0)),
		"boundary_path": resp.Path,
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/boundary", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Boundaries []string `json:"boundaries"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listed))
	assert.Equal(t, []string{"square.geojson", "two_islands.geojson"}, listed.Boundaries)

	rec = env.do(t, httptest.NewRequest(http.MethodDelete, "/api/boundary?path=two_islands.geojson", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NoFileExists(t, filepath.Join(env.uploadDir, "two_islands.geojson"))
	rec = env.do(t, httptest.NewRequest(http.MethodDelete, "/api/boundary?path=two_islands.geojson", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, httptest.NewRequest(http.MethodDelete, "/api/boundary?path=../etc/passwd.json", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, multipartFile(t, "/api/boundary", "zones.shp", fmtest.UnitSquareGeoJSON, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, multipartFile(t, "/api/boundary", "zones.geojson", `{"type":"Point","coordinates":[0,0]}`, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParametersAndDelete(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON(t, "/api/parameters", map[string]string{"name": "no2"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = env.postJSON(t, "/api/parameters", map[string]string{"name": "no2"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.postJSON(t, "/api/parameters", map[string]string{"name": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.seed(t, "pm25", 1)
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/parameters", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var params []db.Parameter
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&params))
	require.Len(t, params, 2)
	assert.Equal(t, "no2", params[0].Name)

	target := "/api/measurement?parameter=pm25&latitude=0.1&longitude=0.1&timestamp=2024-01-01"
	rec = env.do(t, httptest.NewRequest(http.MethodDelete, target, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, httptest.NewRequest(http.MethodDelete, target, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, httptest.NewRequest(http.MethodDelete, "/api/measurement?parameter=pm25", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTable(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/table", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = env.postJSON(t, "/api/table", []interface{}{
		map[string]interface{}{"latitude": 0.5, "longitude": 0.25, "parameter": "pm25", "sampled_at": "2024-05-01", "value": 3},
		map[string]interface{}{"latitude": 0.5, "longitude": 0.25, "parameter": "no2", "sampled_at": "2024-05-01", "value": nil},
		map[string]interface{}{"latitude": 0.75, "longitude": 0.75, "parameter": "no2", "sampled_at": "2024-05-02T00:00:00Z", "value": 8},
		map[string]interface{}{"latitude": "north", "longitude": 0.25, "parameter": "pm25", "sampled_at": "2024-05-01", "value": 1},
		map[string]interface{}{"longitude": 0.25, "parameter": "pm25", "sampled_at": "2024-05-01", "value": 1},
		map[string]interface{}{"latitude": 0.5, "longitude": 0.25, "parameter": "pm25", "sampled_at": "yesterday", "value": 1},
		map[string]interface{}{"latitude": 0.5, "longitude": 0.25, "parameter": " ", "sampled_at": "2024-05-01", "value": 1},
		map[string]interface{}{"latitude": 95, "longitude": 0.25, "parameter": "pm25", "sampled_at": "2024-05-01", "value": 1},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"success","rows_processed":3,"total_rows":8}`, rec.Body.String())

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/table", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `[
		{"station_id":1,"latitude":0.5,"longitude":0.25,"pm25_2024-05-01":3,"no2_2024-05-01":null,"no2_2024-05-02":null},
		{"station_id":2,"latitude":0.75,"longitude":0.75,"pm25_2024-05-01":null,"no2_2024-05-01":null,"no2_2024-05-02":8}
	]`, rec.Body.String())

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/parameters", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var params []db.Parameter
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&params))
	assert.Len(t, params, 2)

	rec = env.postJSON(t, "/api/table", map[string]interface{}{"latitude": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, httptest.NewRequest(http.MethodPut, "/api/table", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFieldPreview(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "pm25", 1)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/debug/field?parameter=pm25&date=2024-01-01&resolution=12", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "echarts")

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/debug/field?parameter=pm25", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMiddleware(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Body.String(), `"version"`)

	panicky := Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec = fmtest.NewTestRecorder()
	panicky.ServeHTTP(rec, fmtest.NewTestRequest(http.MethodGet, "/"))
	fmtest.AssertStatusCode(t, rec.Code, http.StatusInternalServerError)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/colormaps", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "turbo")
}

func TestStatusCodeColor(t *testing.T) {
	assert.Contains(t, statusCodeColor(200), colorBoldGreen)
	assert.Contains(t, statusCodeColor(302), colorYellow)
	assert.Contains(t, statusCodeColor(404), colorBoldRed)
	assert.Equal(t, "100", statusCodeColor(100))
}
