package crmsync

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/prospect-cli/internal/model"
)

// MappingSource resolves the stage mapping of a funnel. Mappings are fetched
// per operation and never cached across operations.
type MappingSource interface {
	Mapping(ctx context.Context, funnelID string) (*model.StageMapping, error)
}

type mappingFile struct {
	Funnels []model.StageMapping `yaml:"funnels"`
}

// FileMappings serves stage mappings loaded from a YAML file.
type FileMappings struct {
	funnels map[string]model.StageMapping
	only    string
}

// LoadMappings reads and validates a stages file.
func LoadMappings(path string) (*FileMappings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "crmsync: read stages file %s", path)
	}
	return ParseMappings(data)
}

// ParseMappings decodes stage mappings from YAML.
func ParseMappings(data []byte) (*FileMappings, error) {
	var f mappingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "crmsync: parse stages")
	}
	if len(f.Funnels) == 0 {
		return nil, eris.New("crmsync: stages file defines no funnels")
	}

	fm := &FileMappings{funnels: make(map[string]model.StageMapping, len(f.Funnels))}
	for _, m := range f.Funnels {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, dup := fm.funnels[m.FunnelID]; dup {
			return nil, eris.Errorf("crmsync: funnel %q defined twice", m.FunnelID)
		}
		fm.funnels[m.FunnelID] = m
	}
	if len(f.Funnels) == 1 {
		fm.only = f.Funnels[0].FunnelID
	}
	return fm, nil
}

// Mapping returns a copy of the funnel's mapping. A lead without a funnel
// resolves to the single configured funnel, if there is exactly one.
func (f *FileMappings) Mapping(_ context.Context, funnelID string) (*model.StageMapping, error) {
	if funnelID == "" {
		funnelID = f.only
	}
	m, ok := f.funnels[funnelID]
	if !ok {
		return nil, eris.Errorf("crmsync: no stage mapping for funnel %q", funnelID)
	}
	m.Stages = append([]model.StageDef(nil), m.Stages...)
	return &m, nil
}

// RemoteMappings fetches mappings from the CRM on every call.
type RemoteMappings struct {
	remote        Remote
	defaultFunnel string
	workable      string
}

// NewRemoteMappings serves FetchStageMapping results. defaultFunnel is used
// for leads without a funnel; workable overrides the remote's designation.
func NewRemoteMappings(remote Remote, defaultFunnel, workable string) *RemoteMappings {
	return &RemoteMappings{remote: remote, defaultFunnel: defaultFunnel, workable: workable}
}

func (r *RemoteMappings) Mapping(ctx context.Context, funnelID string) (*model.StageMapping, error) {
	if funnelID == "" {
		funnelID = r.defaultFunnel
	}
	return FetchStageMapping(ctx, r.remote, funnelID, r.workable)
}

// FetchStageMapping loads a funnel's stage table from the CRM and validates it.
func FetchStageMapping(ctx context.Context, remote Remote, funnelID, workable string) (*model.StageMapping, error) {
	m, err := remote.Mapping(ctx, funnelID)
	if err != nil {
		return nil, eris.Wrapf(err, "crmsync: fetch stage mapping %s", funnelID)
	}
	if workable != "" {
		m.Workable = workable
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
