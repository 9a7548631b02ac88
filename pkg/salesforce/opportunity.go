package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// OpportunityObject is the SObject that carries a lead's pipeline position.
const OpportunityObject = "Opportunity"

// ErrRecordNotFound is returned when a queried record does not exist.
var ErrRecordNotFound = eris.New("sf: record not found")

// FindRecord selects the given fields of one record by ID.
func FindRecord(ctx context.Context, c Client, sObject, id string, fields ...string) (map[string]any, error) {
	if id == "" {
		return nil, eris.New("sf: record id is required")
	}
	cols := append([]string{"Id"}, fields...)
	soql := fmt.Sprintf(
		"SELECT %s FROM %s WHERE Id = '%s' LIMIT 1",
		strings.Join(cols, ", "), sObject, escapeSoql(id),
	)

	var records []map[string]any
	if err := c.Query(ctx, soql, &records); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: find %s %s", sObject, id))
	}
	if len(records) == 0 {
		return nil, eris.Wrapf(ErrRecordNotFound, "%s %s", sObject, id)
	}
	return records[0], nil
}

// Picklist returns the active values of a picklist field.
func Picklist(ctx context.Context, c Client, sObject, field string) ([]PicklistValue, error) {
	desc, err := c.DescribeSObject(ctx, sObject)
	if err != nil {
		return nil, err
	}
	f := desc.Field(field)
	if f == nil {
		return nil, eris.Errorf("sf: %s has no field %s", sObject, field)
	}
	var out []PicklistValue
	for _, v := range f.PicklistValues {
		if v.Active {
			out = append(out, v)
		}
	}
	return out, nil
}

// escapeSoql escapes single quotes in SOQL string literals to prevent injection.
func escapeSoql(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
