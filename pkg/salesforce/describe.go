package salesforce

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// PicklistValue is one allowed value of a picklist field.
type PicklistValue struct {
	Value  string `json:"value"`
	Label  string `json:"label"`
	Active bool   `json:"active"`
}

// SObjectField describes a single field on a Salesforce SObject.
type SObjectField struct {
	Name           string          `json:"name"`
	Label          string          `json:"label"`
	Type           string          `json:"type"`
	Length         int             `json:"length"`
	Updateable     bool            `json:"updateable"`
	PicklistValues []PicklistValue `json:"picklistValues"`
}

// SObjectDescription holds metadata about a Salesforce SObject.
type SObjectDescription struct {
	Name   string         `json:"name"`
	Label  string         `json:"label"`
	Fields []SObjectField `json:"fields"`
}

// Field returns the named field, or nil.
func (d *SObjectDescription) Field(name string) *SObjectField {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			return &d.Fields[i]
		}
	}
	return nil
}

// decodeDescription reads a describe response. A body without an object name
// is rejected; the API returns error arrays with a 200 for some failures.
func decodeDescription(r io.Reader) (*SObjectDescription, error) {
	var desc SObjectDescription
	if err := json.NewDecoder(r).Decode(&desc); err != nil {
		return nil, eris.Wrap(err, "decode describe")
	}
	if desc.Name == "" {
		return nil, eris.New("describe response has no object name")
	}
	return &desc, nil
}
