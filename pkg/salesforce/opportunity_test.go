package salesforce

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindRecord(t *testing.T) {
	var gotSOQL string
	mc := &mockClient{
		queryFn: func(_ context.Context, soql string, out any) error {
			gotSOQL = soql
			recs := out.(*[]map[string]any)
			*recs = []map[string]any{{"Id": "006xx", "Stage_Code__c": float64(2)}}
			return nil
		},
	}

	rec, err := FindRecord(context.Background(), mc, OpportunityObject, "006xx", "Stage_Code__c", "Owner_Lock__c")
	require.NoError(t, err)
	assert.Equal(t, float64(2), rec["Stage_Code__c"])
	assert.Equal(t, "SELECT Id, Stage_Code__c, Owner_Lock__c FROM Opportunity WHERE Id = '006xx' LIMIT 1", gotSOQL)
}

func TestFindRecord_NotFound(t *testing.T) {
	mc := &mockClient{}
	_, err := FindRecord(context.Background(), mc, OpportunityObject, "006xx")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestFindRecord_EmptyID(t *testing.T) {
	_, err := FindRecord(context.Background(), &mockClient{}, OpportunityObject, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record id is required")
}

func TestFindRecord_QueryError(t *testing.T) {
	mc := &mockClient{
		queryFn: func(context.Context, string, any) error {
			return errors.New("session expired")
		},
	}
	_, err := FindRecord(context.Background(), mc, OpportunityObject, "006xx")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sf: find Opportunity 006xx")
}

func TestFindRecord_SOQLInjectionPrevented(t *testing.T) {
	var gotSOQL string
	mc := &mockClient{
		queryFn: func(_ context.Context, soql string, _ any) error {
			gotSOQL = soql
			return nil
		},
	}
	_, _ = FindRecord(context.Background(), mc, OpportunityObject, "x' OR Name != '")
	assert.Contains(t, gotSOQL, `Id = 'x\' OR Name != \''`)
}

func TestPicklist(t *testing.T) {
	mc := &mockClient{
		describeSObjectFn: func(_ context.Context, name string) (*SObjectDescription, error) {
			assert.Equal(t, OpportunityObject, name)
			return &SObjectDescription{Name: name, Fields: []SObjectField{
				{Name: "Stage_Code__c", PicklistValues: []PicklistValue{
					{Value: "1", Label: "new", Active: true},
					{Value: "2", Label: "retired", Active: false},
					{Value: "3", Label: "qualified", Active: true},
				}},
			}}, nil
		},
	}

	values, err := Picklist(context.Background(), mc, OpportunityObject, "Stage_Code__c")
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, "qualified", values[1].Label)

	_, err = Picklist(context.Background(), mc, OpportunityObject, "Missing__c")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no field Missing__c")
}

func TestEscapeSoql(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"006xx", "006xx"},
		{"O'Brien", `O\'Brien`},
		{"''", `\'\'`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeSoql(tt.in))
	}
}
