package schedule

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2024-03-20 is a Wednesday.
func at(day, hour, minute int) time.Time {
	return time.Date(2024, 3, day, hour, minute, 0, 0, time.UTC)
}

func TestEvery(t *testing.T) {
	s := Every(24 * time.Hour)
	assert.Equal(t, at(21, 12, 0), s.Next(at(20, 12, 0)))
}

func TestAligned(t *testing.T) {
	w := Window{Hour: 3, Minute: 30, Weekday: time.Sunday}
	tests := []struct {
		name string
		days int
		from time.Time
		want time.Time
	}{
		{"daily before window", 1, at(20, 1, 0), at(20, 3, 30)},
		{"daily after window", 1, at(20, 3, 30), at(21, 3, 30)},
		{"non-positive is daily", 0, at(20, 12, 0), at(21, 3, 30)},
		{"weekly", 7, at(20, 12, 0), at(24, 3, 30)},
		{"weekly on the day after window", 7, at(24, 4, 0), at(31, 3, 30)},
		{"weekly on the day before window", 7, at(24, 3, 0), at(24, 3, 30)},
		{"monthly", 30, at(20, 12, 0), time.Date(2024, 4, 1, 3, 30, 0, 0, time.UTC)},
		{"monthly on the first before window", 30, time.Date(2024, 4, 1, 2, 0, 0, 0, time.UTC), time.Date(2024, 4, 1, 3, 30, 0, 0, time.UTC)},
		{"other interval", 3, at(20, 12, 0), at(23, 3, 30)},
		{"other interval before window", 3, at(20, 1, 0), at(22, 3, 30)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aligned(tt.days, w).Next(tt.from))
		})
	}
}

func TestAligned_Location(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)
	s := Aligned(1, Window{Hour: 2, Location: paris})

	// 02:00 in Paris is 01:00 UTC in March before the DST switch.
	next := s.Next(at(20, 12, 0))
	assert.True(t, at(21, 1, 0).Equal(next), next)
}

func TestAligned_String(t *testing.T) {
	s := Aligned(7, Window{Hour: 4, Minute: 5})
	assert.Equal(t, "every 7 days at 04:05", s.(interface{ String() string }).String())
}

func TestParseCron(t *testing.T) {
	s, err := ParseCron("@daily")
	require.NoError(t, err)
	assert.Equal(t, at(21, 0, 0), s.Next(at(20, 8, 0)))

	s, err = ParseCron("30 14 * * 1-5")
	require.NoError(t, err)
	assert.Equal(t, at(20, 14, 30), s.Next(at(20, 8, 0)))

	_, err = ParseCron("61 * * * *")
	assert.Error(t, err)
}
