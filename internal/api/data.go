package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/fieldmap/internal/db"
	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/httputil"
	"github.com/banshee-data/fieldmap/internal/ingest"
	"github.com/banshee-data/fieldmap/internal/security"
)

// maxBoundaryBytes bounds uploaded boundary files.
const maxBoundaryBytes = 16 << 20

type uploadResponse struct {
	Data []ingest.Record `json:"data"`
	ingest.Stats
	// Stored is the number of rows written when a parameter was given.
	Stored int `json:"stored,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, badRequest("multipart field \"file\" is required: %v", err))
		return
	}
	defer file.Close()
	if ext := strings.ToLower(filepath.Ext(hdr.Filename)); ext != ".csv" && ext != ".txt" {
		writeError(w, badRequest("upload must be a .csv file, got %q", hdr.Filename))
		return
	}

	samples, st, err := ingest.ParseCSV(file)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %s: %w", errBadRequest, hdr.Filename, err))
		return
	}
	resp := uploadResponse{Data: ingest.ToRecords(samples), Stats: st}

	if parameter := strings.TrimSpace(r.FormValue("parameter")); parameter != "" {
		if resp.Stored, err = s.store.UpsertMeasurements(r.Context(), parameter, samples); err != nil {
			writeError(w, err)
			return
		}
		logf("stored %d %s measurements from %s", resp.Stored, parameter, hdr.Filename)
	}
	httputil.WriteJSONOK(w, resp)
}

type boundaryResponse struct {
	Path     string    `json:"path"`
	Polygons int       `json:"polygons"`
	Bounds   []float64 `json:"bounds"`
	Area     float64   `json:"area"`
}

func (s *Server) handleBoundary(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listBoundaries(w)
	case http.MethodPost:
		s.uploadBoundary(w, r)
	case http.MethodDelete:
		s.deleteBoundary(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) listBoundaries(w http.ResponseWriter) {
	paths, err := s.boundaries.List(s.cfg.UploadDir)
	if err != nil {
		writeError(w, err)
		return
	}
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = filepath.Base(p)
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"boundaries": names,
		"default":    s.cfg.DefaultBoundary,
	})
}

func (s *Server) uploadBoundary(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBoundaryBytes)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, badRequest("multipart field \"file\" is required: %v", err))
		return
	}
	defer file.Close()

	path, err := security.BoundaryUploadPath(s.cfg.UploadDir, hdr.Filename)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, badRequest("read upload: %v", err))
		return
	}
	b, err := s.boundaries.Save(path, data)
	if err != nil {
		writeError(w, err)
		return
	}

	bb := b.Bounds()
	httputil.WriteJSONOK(w, boundaryResponse{
		Path:     filepath.Base(path),
		Polygons: len(b.Polygons()),
		Bounds:   []float64{bb.MinLon, bb.MinLat, bb.MaxLon, bb.MaxLat},
		Area:     b.Area(),
	})
}

func (s *Server) deleteBoundary(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("path")
	if name == "" {
		writeError(w, badRequest("path is required"))
		return
	}
	path, err := security.ResolveBoundaryPath(s.cfg.UploadDir, name)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	if err := s.boundaries.Remove(path); err != nil {
		writeError(w, err)
		return
	}
	logf("removed boundary %s", path)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		params, err := s.store.ListParameters(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, params)
	case http.MethodPost:
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
		if strings.TrimSpace(body.Name) == "" {
			writeError(w, badRequest("name is required"))
			return
		}
		p, err := s.store.AddParameter(r.Context(), body.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, p)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleTimestamps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	times, err := s.store.ListTimestamps(r.Context(), r.URL.Query().Get("parameter"))
	if err != nil {
		writeError(w, err)
		return
	}
	labels := make([]string, len(times))
	for i, t := range times {
		labels[i] = db.Label(t)
	}
	httputil.WriteJSONOK(w, map[string][]string{"timestamps": labels})
}

func (s *Server) handleMeasurements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	parameter := q.Get("parameter")
	if parameter == "" {
		writeError(w, badRequest("parameter is required"))
		return
	}
	from, to, err := dateRange(q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		writeError(w, err)
		return
	}
	samples, err := s.store.Samples(r.Context(), parameter, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{"data": ingest.ToRecords(samples)}
	if rng, err := field.RangeOf(samples); err == nil {
		resp["global_min"], resp["global_max"] = rng.Min, rng.Max
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleDeleteMeasurement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		httputil.MethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	parameter := q.Get("parameter")
	lat, err1 := strconv.ParseFloat(q.Get("latitude"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("longitude"), 64)
	when, ok := ingest.ParseTime(q.Get("timestamp"))
	if parameter == "" || errors.Join(err1, err2) != nil || !ok {
		writeError(w, badRequest("parameter, latitude, longitude and timestamp are required"))
		return
	}
	if err := s.store.DeleteMeasurement(r.Context(), parameter, field.Coord{Lon: lon, Lat: lat}, when); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// tableEntry is one posted row of the wide-table editor.
type tableEntry struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Parameter string   `json:"parameter"`
	SampledAt string   `json:"sampled_at"`
	Value     *float64 `json:"value"`
}

type tableResponse struct {
	Status        string `json:"status"`
	RowsProcessed int    `json:"rows_processed"`
	TotalRows     int    `json:"total_rows"`
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getTable(w, r)
	case http.MethodPost:
		s.postTable(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// getTable returns one object per station: station_id, latitude,
// longitude and a "<parameter>_<date>" key per column.
func (s *Server) getTable(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.Table(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		m := make(map[string]interface{}, len(row.Values)+3)
		for k, v := range row.Values {
			m[k] = v
		}
		m["station_id"] = row.StationID
		m["latitude"] = row.Latitude
		m["longitude"] = row.Longitude
		out[i] = m
	}
	httputil.WriteJSONOK(w, out)
}

// postTable upserts a JSON array of rows across parameters. Rows that do
// not decode or fail validation are skipped and counted.
func (s *Server) postTable(w http.ResponseWriter, r *http.Request) {
	var raw []json.RawMessage
	if err := decodeJSON(w, r, &raw); err != nil {
		writeError(w, err)
		return
	}
	entries := make([]db.TableEntry, 0, len(raw))
	for i, msg := range raw {
		var row tableEntry
		if err := json.Unmarshal(msg, &row); err != nil {
			opsf("table: skipping row %d: %v", i, err)
			continue
		}
		when, ok := ingest.ParseTime(row.SampledAt)
		if row.Latitude == nil || row.Longitude == nil || !ok {
			opsf("table: skipping row %d: latitude, longitude and sampled_at are required", i)
			continue
		}
		entries = append(entries, db.TableEntry{
			Parameter: row.Parameter,
			Coord:     field.Coord{Lon: *row.Longitude, Lat: *row.Latitude},
			Time:      when,
			Value:     row.Value,
		})
	}
	n, err := s.store.UpsertTable(r.Context(), entries)
	if err != nil {
		writeError(w, err)
		return
	}
	logf("table: stored %d of %d rows", n, len(raw))
	httputil.WriteJSONOK(w, tableResponse{Status: "success", RowsProcessed: n, TotalRows: len(raw)})
}
