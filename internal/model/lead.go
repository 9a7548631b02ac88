package model

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"
)

// LeadState is the CRM-facing pipeline and ownership record of a contact,
// independent of any one campaign.
type LeadState struct {
	LeadID       string      `json:"lead_id"`
	ActivityCode string      `json:"activity_code,omitempty"`
	FunnelID     string      `json:"funnel_id,omitempty"`
	CurrentStage string      `json:"current_stage,omitempty"`
	StageCode    int         `json:"stage_code"`
	Temperature  Temperature `json:"temperature,omitempty"`
	OwnerLock    bool        `json:"owner_lock"`
	OwnerID      string      `json:"owner_id,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// LockedByOther reports whether the lead is held by someone other than userID.
func (l *LeadState) LockedByOther(userID string) bool {
	return l.OwnerLock && l.OwnerID != userID
}

// StageChange is one row of a lead's pipeline movement history.
type StageChange struct {
	ID        string    `json:"id"`
	LeadID    string    `json:"lead_id"`
	FromStage string    `json:"from_stage"`
	ToStage   string    `json:"to_stage"`
	FromCode  int       `json:"from_code"`
	ToCode    int       `json:"to_code"`
	Source    string    `json:"source"`
	Note      string    `json:"note,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// StageDef maps a local stage name to the CRM's numeric subfunnel code.
type StageDef struct {
	Name string `json:"name" yaml:"name"`
	Code int    `json:"code" yaml:"code"`
}

// StageMapping is the bidirectional stage table of one CRM funnel.
type StageMapping struct {
	FunnelID string     `json:"funnel_id" yaml:"funnel_id"`
	Workable string     `json:"workable" yaml:"workable"`
	Stages   []StageDef `json:"stages" yaml:"stages"`
}

// ErrUnknownStage is returned when a stage name or code is not in the mapping.
var ErrUnknownStage = eris.New("unknown pipeline stage")

// ErrNoStageMapping is returned by mapping sources that have no stage table
// at all. Stage tracking is then off.
var ErrNoStageMapping = eris.New("no stage mapping available")

// Validate checks that names and codes are unique and the workable stage exists.
func (m *StageMapping) Validate() error {
	if len(m.Stages) == 0 {
		return eris.Errorf("model: funnel %s has no stages", m.FunnelID)
	}
	names := make(map[string]bool, len(m.Stages))
	codes := make(map[int]bool, len(m.Stages))
	for _, s := range m.Stages {
		if s.Name == "" {
			return eris.Errorf("model: funnel %s: stage with empty name", m.FunnelID)
		}
		if names[s.Name] {
			return eris.Errorf("model: funnel %s: duplicate stage %q", m.FunnelID, s.Name)
		}
		if codes[s.Code] {
			return eris.Errorf("model: funnel %s: duplicate stage code %d", m.FunnelID, s.Code)
		}
		names[s.Name] = true
		codes[s.Code] = true
	}
	if m.Workable != "" && !names[m.Workable] {
		return eris.Errorf("model: funnel %s: workable stage %q not in mapping", m.FunnelID, m.Workable)
	}
	sort.Slice(m.Stages, func(i, j int) bool { return m.Stages[i].Code < m.Stages[j].Code })
	return nil
}

// Code returns the numeric code for a stage name.
func (m *StageMapping) Code(name string) (int, error) {
	for _, s := range m.Stages {
		if s.Name == name {
			return s.Code, nil
		}
	}
	return 0, eris.Wrapf(ErrUnknownStage, "stage %q in funnel %s", name, m.FunnelID)
}

// Name returns the stage name for a numeric code.
func (m *StageMapping) Name(code int) (string, error) {
	for _, s := range m.Stages {
		if s.Code == code {
			return s.Name, nil
		}
	}
	return "", eris.Wrapf(ErrUnknownStage, "code %d in funnel %s", code, m.FunnelID)
}

// Neighbor returns the code one step forward (dir=+1) or backward (dir=-1) of
// code in the ordered mapping.
func (m *StageMapping) Neighbor(code, dir int) (int, error) {
	for i, s := range m.Stages {
		if s.Code != code {
			continue
		}
		j := i + dir
		if j < 0 || j >= len(m.Stages) {
			return 0, eris.Errorf("model: no stage %+d from code %d in funnel %s", dir, code, m.FunnelID)
		}
		return m.Stages[j].Code, nil
	}
	return 0, eris.Wrapf(ErrUnknownStage, "code %d in funnel %s", code, m.FunnelID)
}

// Index returns the position of code in the ordered mapping.
func (m *StageMapping) Index(code int) (int, error) {
	for i, s := range m.Stages {
		if s.Code == code {
			return i, nil
		}
	}
	return 0, eris.Wrapf(ErrUnknownStage, "code %d in funnel %s", code, m.FunnelID)
}
