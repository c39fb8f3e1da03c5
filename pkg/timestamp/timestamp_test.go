package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestZeroValues(t *testing.T) {
	assert.Equal(t, int64(0), ToUnixMs(time.Time{}))
	assert.True(t, FromUnixMs(0).IsZero())
	assert.Equal(t, "", Format(0))
	assert.Equal(t, time.Duration(0), Since(0))
	assert.Equal(t, time.Duration(0), Between(0, 1000))
	assert.Equal(t, time.Duration(0), Between(1000, 0))
}

func TestRoundTrip(t *testing.T) {
	at := time.Date(2026, 10, 15, 10, 15, 0, 123_000_000, time.UTC)
	ms := ToUnixMs(at)

	assert.Equal(t, int64(1792059300123), ms)
	assert.True(t, at.Equal(FromUnixMs(ms)))
	assert.Equal(t, "2026-10-15T10:15:00.123Z", Format(ms))
}

func TestNow(t *testing.T) {
	before := time.Now().UnixMilli()
	now := Now()
	after := time.Now().UnixMilli()

	assert.GreaterOrEqual(t, now, before)
	assert.LessOrEqual(t, now, after)
	assert.Less(t, Since(now), time.Second)
}

func TestBetween(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, Between(1_000, 2_500))
	assert.Equal(t, -1500*time.Millisecond, Between(2_500, 1_000))
}

func TestFileStamp(t *testing.T) {
	loc := time.FixedZone("CEST", 2*60*60)
	at := time.Date(2026, 10, 15, 12, 15, 0, 0, loc)
	assert.Equal(t, "20261015T101500Z", FileStamp(at))
}
