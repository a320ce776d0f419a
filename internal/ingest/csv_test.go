package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fieldmap/internal/field"
)

func TestParseLong(t *testing.T) {
	src := "\ufeffLatitude, Longitude ,timestamp,value,species\n" +
		"10,20,2024-01-02,5,x\n" +
		"10,20,2024-01-02,7,x\n" +
		"11,21,2024-01-01,1,x\n" +
		"95,20,2024-01-01,1,x\n" +
		"12,22,2024-01-01,,x\n" +
		"12,22,2024-01-01,NaN,x\n"

	samples, st, err := ParseCSV(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, LayoutLong, st.Layout)
	assert.Equal(t, 3, st.Dropped)
	assert.Equal(t, 2, st.Rows)
	assert.Equal(t, []string{"2024-01-01", "2024-01-02"}, st.Timestamps)
	assert.Equal(t, 1.0, st.GlobalMin)
	assert.Equal(t, 6.0, st.GlobalMax)

	require.Len(t, samples, 2)
	assert.Equal(t, field.Coord{Lon: 20, Lat: 10}, samples[0].Coord)
	assert.Equal(t, 6.0, samples[0].Value, "duplicates are averaged")
	assert.True(t, samples[0].Time.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)))
}

func TestParseLongCountColumn(t *testing.T) {
	src := "lat,lon,date,count\n1,2,2024-03-01T10:00:00Z,4\n"
	samples, st, err := ParseCSV(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, LayoutLong, st.Layout)
	require.Len(t, samples, 1)
	assert.Equal(t, 4.0, samples[0].Value)
	assert.Equal(t, "2024-03-01T10:00:00Z", samples[0].Label)
}

func TestParseWide(t *testing.T) {
	src := "lat,lon,2024-01-02,2024-01-01,week 3\n" +
		"1,2,10,20,30\n" +
		"3,4,11,,31\n" +
		"x,4,1,1,1\n"

	samples, st, err := ParseCSV(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, LayoutWide, st.Layout)
	assert.Equal(t, 5, st.Rows)
	assert.Equal(t, 4, st.Dropped)
	assert.Equal(t, []string{"2024-01-01", "2024-01-02", "week 3"}, st.Timestamps)

	slices := field.GroupByTime(samples)
	require.Len(t, slices, 3)
	assert.Equal(t, "2024-01-01", slices[0].Label)
	assert.Equal(t, "week 3", slices[2].Label)
	assert.Len(t, slices[2].Samples, 2)
}

func TestParseCSVErrors(t *testing.T) {
	_, _, err := ParseCSV(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrNoData)

	_, _, err = ParseCSV(strings.NewReader("lat,lon\n1,2\n"))
	assert.Error(t, err)

	_, _, err = ParseCSV(strings.NewReader("lat,lon,2024-01-01\n200,2,1\n"))
	assert.ErrorIs(t, err, ErrNoData)
}

func TestParseTime(t *testing.T) {
	for _, s := range []string{"2024-05-06", "2024-05-06T01:02:03Z", "2024-05-06 01:02:03", "2024/05/06", "05/06/2024"} {
		ts, ok := ParseTime(s)
		assert.True(t, ok, s)
		assert.Equal(t, 2024, ts.Year(), s)
	}
	_, ok := ParseTime("spring")
	assert.False(t, ok)
}

func TestFromRecords(t *testing.T) {
	v := func(f float64) *float64 { return &f }
	samples, st, err := FromRecords([]Record{
		{Latitude: 1, Longitude: 2, Timestamp: "2024-01-02", Value: v(4)},
		{Latitude: 1, Longitude: 2, Timestamp: "2024-01-02", Value: v(6)},
		{Latitude: 1, Longitude: 2, Timestamp: "2024-01-01", Value: v(1)},
		{Latitude: 1, Longitude: 2, Timestamp: "2024-01-01", Value: nil},
		{Latitude: 91, Longitude: 2, Timestamp: "2024-01-01", Value: v(1)},
		{Latitude: 1, Longitude: 2, Timestamp: "", Value: v(1)},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, st.Dropped)
	assert.Equal(t, 2, st.Rows)
	assert.Equal(t, []string{"2024-01-01", "2024-01-02"}, st.Timestamps)
	assert.Equal(t, 1.0, st.GlobalMin)
	assert.Equal(t, 5.0, st.GlobalMax)
	require.Len(t, samples, 2)

	recs := ToRecords(samples)
	assert.Equal(t, "2024-01-02", recs[0].Timestamp)
	assert.Equal(t, 5.0, *recs[0].Value)

	_, _, err = FromRecords(nil)
	assert.ErrorIs(t, err, ErrNoData)
}
