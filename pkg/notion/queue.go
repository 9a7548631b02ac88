package notion

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// Lead queue statuses.
const (
	StatusQueued   = "Queued"
	StatusEnrolled = "Enrolled"
	StatusRejected = "Rejected"
)

// pageSize is the largest page the query endpoint returns.
const pageSize = 100

// Pages returns every page of a database matching filter, oldest first.
// A nil filter returns the whole database.
func Pages(ctx context.Context, c Client, dbID string, filter notionapi.Filter) ([]notionapi.Page, error) {
	req := &notionapi.DatabaseQueryRequest{
		Filter:   filter,
		Sorts:    []notionapi.SortObject{{Timestamp: notionapi.TimestampCreated, Direction: notionapi.SortOrderASC}},
		PageSize: pageSize,
	}

	var pages []notionapi.Page
	for n := 1; ; n++ {
		resp, err := c.QueryDatabase(ctx, dbID, req)
		if err != nil {
			return nil, eris.Wrapf(err, "notion: query page %d", n)
		}
		pages = append(pages, resp.Results...)
		if !resp.HasMore || resp.NextCursor == "" {
			return pages, nil
		}
		req.StartCursor = resp.NextCursor
	}
}

// QueuedLeads returns the pages waiting for enrollment.
func QueuedLeads(ctx context.Context, c Client, dbID string) ([]notionapi.Page, error) {
	pages, err := Pages(ctx, c, dbID, notionapi.PropertyFilter{
		Property: "Status",
		Status:   &notionapi.StatusFilterCondition{Equals: StatusQueued},
	})
	if err != nil {
		return nil, eris.Wrap(err, "notion: query queued leads")
	}
	return pages, nil
}
