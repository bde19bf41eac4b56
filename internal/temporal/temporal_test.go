package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToAnchorAware(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	// 2024-06-01 10:00 CEST == 08:00 UTC.
	v := time.Date(2024, 6, 1, 10, 0, 0, 0, berlin)
	anchor := ToAnchor(v, false)
	assert.Equal(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC).Unix(), anchor)

	back := FromAnchor(anchor, false, berlin)
	assert.True(t, back.Equal(v))
	assert.Equal(t, "2024-06-01 10:00", back.Format("2006-01-02 15:04"))
}

func TestToAnchorFloating(t *testing.T) {
	// Floating values anchor at their wall clock regardless of the zone
	// the process runs in.
	v := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	anchor := ToAnchor(v, true)
	assert.Equal(t, v.Unix(), anchor)

	back := FromAnchor(anchor, true, nil)
	assert.Equal(t, "2024-06-01 10:00", back.Format("2006-01-02 15:04"))
}

func TestAnchorRoundTripAcrossDST(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	// Wall clock one day before and after the spring-forward transition.
	for _, v := range []time.Time{
		time.Date(2024, 3, 30, 9, 0, 0, 0, berlin),
		time.Date(2024, 3, 31, 9, 0, 0, 0, berlin),
	} {
		back := FromAnchor(ToAnchor(v, false), false, berlin)
		assert.Equal(t, "09:00", back.Format("15:04"))
	}
}

func TestStripTZ(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	// An aware UTC value is re-expressed in the target zone first.
	utc := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	stripped := StripTZ(utc, true, berlin)
	assert.Equal(t, "2024-06-01 10:00", stripped.Format("2006-01-02 15:04"))
	assert.Equal(t, time.UTC, stripped.Location())

	// Naive values only get their wall clock normalized.
	naive := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	assert.True(t, StripTZ(naive, false, berlin).Equal(naive))
}

func TestRepresentationPartition(t *testing.T) {
	assert.False(t, RepUTC.Floating())
	assert.False(t, RepLocalAware.Floating())
	assert.True(t, RepFloating.Floating())
	assert.True(t, RepDate.Floating())

	assert.Equal(t, KindDate, RepDate.Kind())
	assert.Equal(t, KindDateTime, RepFloating.Kind())
}

func TestResolveFallsBack(t *testing.T) {
	loc, err := LoadLocale("Europe/Berlin", "UTC")
	require.NoError(t, err)

	assert.Equal(t, "Europe/Berlin", loc.Resolve("", "x.ics", "work").String())
	assert.Equal(t, "Europe/Berlin", loc.Resolve("Not/AZone", "x.ics", "work").String())
	assert.Equal(t, "Asia/Seoul", loc.Resolve("Asia/Seoul", "x.ics", "work").String())
}
