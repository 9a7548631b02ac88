package salesforce

import "context"

// mockClient is a Client whose calls are supplied per test.
type mockClient struct {
	queryFn           func(ctx context.Context, soql string, out any) error
	updateOneFn       func(ctx context.Context, sObjectName string, id string, fields map[string]any) error
	describeSObjectFn func(ctx context.Context, name string) (*SObjectDescription, error)
}

var _ Client = (*mockClient)(nil)

func (m *mockClient) Query(ctx context.Context, soql string, out any) error {
	if m.queryFn == nil {
		return nil
	}
	return m.queryFn(ctx, soql, out)
}

func (m *mockClient) UpdateOne(ctx context.Context, sObjectName string, id string, fields map[string]any) error {
	if m.updateOneFn == nil {
		return nil
	}
	return m.updateOneFn(ctx, sObjectName, id, fields)
}

func (m *mockClient) DescribeSObject(ctx context.Context, name string) (*SObjectDescription, error) {
	if m.describeSObjectFn == nil {
		return &SObjectDescription{Name: name, Label: name}, nil
	}
	return m.describeSObjectFn(ctx, name)
}
