package model

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// Channel names a message transport.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

// ClockTime is a wall-clock time of day in minutes since midnight.
type ClockTime int

// ParseClock parses "HH:MM" into a ClockTime.
func ParseClock(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, eris.Wrapf(err, "model: parse clock %q", s)
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

// String formats the clock time as HH:MM.
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// QuietHours is a daily window [Start, End) during which no automated sends
// occur. A window with Start > End wraps past midnight; Start == End disables it.
type QuietHours struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// Enabled reports whether the window is non-empty.
func (q QuietHours) Enabled() bool {
	return q.Start != "" && q.End != "" && q.Start != q.End
}

// Campaign is a cadence policy container owning zero or more participants.
type Campaign struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	MessagesPerWeek  int        `json:"messages_per_week"`
	MinIntervalHours int        `json:"min_interval_hours"`
	ColdDays         int        `json:"cold_days"`
	WarmDays         int        `json:"warm_days"`
	HotDays          int        `json:"hot_days"`
	QuietHours       QuietHours `json:"quiet_hours"`
	Timezone         string     `json:"timezone"`
	PriorityChannel  Channel    `json:"priority_channel"`
	FallbackChannels []Channel  `json:"fallback_channels"`
	WhatsAppInstance string     `json:"whatsapp_instance,omitempty"`
	AgentPrompt      string     `json:"agent_prompt,omitempty"`
	MaxContacts      int        `json:"max_contacts"`
	IsActive         bool       `json:"is_active"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Validate checks the campaign's cadence settings.
func (c *Campaign) Validate() error {
	if c.ID == "" {
		return eris.New("model: campaign id is required")
	}
	if !c.PriorityChannel.Valid() {
		return eris.Errorf("model: campaign %s: invalid priority channel %q", c.ID, c.PriorityChannel)
	}
	for _, ch := range c.FallbackChannels {
		if !ch.Valid() {
			return eris.Errorf("model: campaign %s: invalid fallback channel %q", c.ID, ch)
		}
	}
	if c.MessagesPerWeek < 0 || c.MinIntervalHours < 0 || c.ColdDays < 0 || c.WarmDays < 0 || c.HotDays < 0 {
		return eris.Errorf("model: campaign %s: cadence values must be >= 0", c.ID)
	}
	if c.QuietHours.Enabled() {
		if _, err := ParseClock(c.QuietHours.Start); err != nil {
			return err
		}
		if _, err := ParseClock(c.QuietHours.End); err != nil {
			return err
		}
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return eris.Wrapf(err, "model: campaign %s: timezone", c.ID)
		}
	}
	return nil
}

// Policy returns an immutable snapshot of the campaign's dispatch settings.
func (c *Campaign) Policy() Policy {
	fallbacks := make([]Channel, len(c.FallbackChannels))
	copy(fallbacks, c.FallbackChannels)
	return Policy{
		CampaignID:       c.ID,
		MessagesPerWeek:  c.MessagesPerWeek,
		MinInterval:      time.Duration(c.MinIntervalHours) * time.Hour,
		ColdGap:          time.Duration(c.ColdDays) * 24 * time.Hour,
		WarmGap:          time.Duration(c.WarmDays) * 24 * time.Hour,
		HotGap:           time.Duration(c.HotDays) * 24 * time.Hour,
		QuietHours:       c.QuietHours,
		Timezone:         c.Timezone,
		PriorityChannel:  c.PriorityChannel,
		FallbackChannels: fallbacks,
		WhatsAppInstance: c.WhatsAppInstance,
		AgentPrompt:      c.AgentPrompt,
		MaxContacts:      c.MaxContacts,
		Active:           c.IsActive,
	}
}

// Policy is the per-batch snapshot of campaign cadence configuration.
type Policy struct {
	CampaignID       string
	MessagesPerWeek  int
	MinInterval      time.Duration
	ColdGap          time.Duration
	WarmGap          time.Duration
	HotGap           time.Duration
	QuietHours       QuietHours
	Timezone         string
	PriorityChannel  Channel
	FallbackChannels []Channel
	WhatsAppInstance string
	AgentPrompt      string
	MaxContacts      int
	Active           bool
}

// TemperatureGap returns the minimum spacing for the given engagement tier.
func (p Policy) TemperatureGap(t Temperature) time.Duration {
	switch t {
	case TemperatureWarm:
		return p.WarmGap
	case TemperatureHot:
		return p.HotGap
	default:
		return p.ColdGap
	}
}

// WeeklyGap returns the spacing implied by MessagesPerWeek, or zero if unset.
func (p Policy) WeeklyGap() time.Duration {
	if p.MessagesPerWeek <= 0 {
		return 0
	}
	return 7 * 24 * time.Hour / time.Duration(p.MessagesPerWeek)
}
