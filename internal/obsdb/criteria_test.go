package obsdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCriteriaSQLEmpty(t *testing.T) {
	pred, args := SelectionCriteria{}.SQL(1)
	assert.Equal(t, "TRUE", pred, "empty criteria should select everything")
	assert.Empty(t, args)
	assert.True(t, SelectionCriteria{}.IsEmpty())
}

func TestCriteriaSQLAllBounds(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 8, 0, 0, 0, 0, time.UTC)
	visitStart := 1000
	visitEnd := 2000

	c := SelectionCriteria{
		DateStart:  &start,
		DateEnd:    &end,
		VisitStart: &visitStart,
		VisitEnd:   &visitEnd,
	}
	require.False(t, c.IsEmpty())

	pred, args := c.SQL(3)
	assert.Equal(t,
		"(obs_visit.issued_at >= $3 AND obs_visit.issued_at < $4"+
			" AND obs_visit.visit_id >= $5 AND obs_visit.visit_id < $6)",
		pred, "placeholders should continue from the requested index")
	require.Len(t, args, 4)
	assert.Equal(t, start, args[0])
	assert.Equal(t, end, args[1])
	assert.Equal(t, visitStart, args[2])
	assert.Equal(t, visitEnd, args[3])
}

func TestCriteriaSQLNormalizesZone(t *testing.T) {
	zone := time.FixedZone("HST", -10*60*60)
	start := time.Date(2026, 8, 1, 14, 0, 0, 0, zone)

	_, args := SelectionCriteria{DateStart: &start}.SQL(1)
	require.Len(t, args, 1)
	assert.Equal(t, start.UTC(), args[0], "zoned dates should be bound in UTC")
}

func TestParseDate(t *testing.T) {
	for _, value := range []string{
		"2026-08-23",
		"2026-08-23T12:30:00",
		"2026-08-23 12:30:00",
		"2026-08-23T12:30:00Z",
	} {
		parsed, err := ParseDate(value)
		require.NoError(t, err, "should parse %q", value)
		assert.Equal(t, 2026, parsed.Year())
		assert.Equal(t, time.August, parsed.Month())
	}

	_, err := ParseDate("next tuesday")
	assert.Error(t, err)
}
