package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	c, err := ParseClock("21:30")
	require.NoError(t, err)
	assert.Equal(t, ClockTime(21*60+30), c)
	assert.Equal(t, "21:30", c.String())

	_, err = ParseClock("25:00")
	assert.Error(t, err)
	_, err = ParseClock("9pm")
	assert.Error(t, err)
}

func TestQuietHours_Enabled(t *testing.T) {
	assert.False(t, QuietHours{}.Enabled())
	assert.False(t, QuietHours{Start: "22:00"}.Enabled())
	assert.False(t, QuietHours{Start: "08:00", End: "08:00"}.Enabled())
	assert.True(t, QuietHours{Start: "22:00", End: "07:00"}.Enabled())
}

func TestCampaign_Validate(t *testing.T) {
	valid := func() Campaign {
		return Campaign{
			ID:               "c1",
			PriorityChannel:  ChannelWhatsApp,
			FallbackChannels: []Channel{ChannelEmail},
			QuietHours:       QuietHours{Start: "21:00", End: "08:00"},
			Timezone:         "America/Sao_Paulo",
		}
	}

	tests := []struct {
		name   string
		mutate func(*Campaign)
		want   string
	}{
		{name: "ok", mutate: func(*Campaign) {}},
		{name: "missing_id", mutate: func(c *Campaign) { c.ID = "" }, want: "campaign id is required"},
		{name: "bad_priority", mutate: func(c *Campaign) { c.PriorityChannel = "fax" }, want: "invalid priority channel"},
		{name: "bad_fallback", mutate: func(c *Campaign) { c.FallbackChannels = []Channel{"pigeon"} }, want: "invalid fallback channel"},
		{name: "negative_cadence", mutate: func(c *Campaign) { c.WarmDays = -1 }, want: "must be >= 0"},
		{name: "bad_quiet_hours", mutate: func(c *Campaign) { c.QuietHours.End = "8am" }, want: "parse clock"},
		{name: "bad_timezone", mutate: func(c *Campaign) { c.Timezone = "Mars/Olympus" }, want: "timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCampaign_Policy(t *testing.T) {
	c := &Campaign{
		ID:               "c1",
		MessagesPerWeek:  2,
		MinIntervalHours: 12,
		ColdDays:         7,
		WarmDays:         3,
		HotDays:          1,
		PriorityChannel:  ChannelEmail,
		FallbackChannels: []Channel{ChannelSMS},
		IsActive:         true,
	}
	p := c.Policy()

	assert.Equal(t, 12*time.Hour, p.MinInterval)
	assert.Equal(t, 7*24*time.Hour, p.TemperatureGap(TemperatureCold))
	assert.Equal(t, 3*24*time.Hour, p.TemperatureGap(TemperatureWarm))
	assert.Equal(t, 24*time.Hour, p.TemperatureGap(TemperatureHot))
	assert.Equal(t, 7*24*time.Hour, p.TemperatureGap(""), "unknown temperature uses the cold gap")
	assert.Equal(t, 84*time.Hour, p.WeeklyGap())
	assert.True(t, p.Active)

	// The snapshot does not share the fallback slice.
	c.FallbackChannels[0] = ChannelWhatsApp
	assert.Equal(t, []Channel{ChannelSMS}, p.FallbackChannels)

	assert.Zero(t, Policy{}.WeeklyGap())
}
