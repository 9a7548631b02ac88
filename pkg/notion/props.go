package notion

import (
	"context"
	"strconv"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// PropertyText returns the plain-text value of a page property, or "" when the
// property is missing or of an unsupported type. Both decoded (pointer) and
// hand-built (value) property types are accepted.
func PropertyText(props notionapi.Properties, name string) string {
	p, ok := props[name]
	if !ok {
		for k, v := range props {
			if strings.EqualFold(k, name) {
				p, ok = v, true
				break
			}
		}
		if !ok {
			return ""
		}
	}

	switch v := p.(type) {
	case *notionapi.TitleProperty:
		return richText(v.Title)
	case notionapi.TitleProperty:
		return richText(v.Title)
	case *notionapi.RichTextProperty:
		return richText(v.RichText)
	case notionapi.RichTextProperty:
		return richText(v.RichText)
	case *notionapi.PhoneNumberProperty:
		return strings.TrimSpace(v.PhoneNumber)
	case notionapi.PhoneNumberProperty:
		return strings.TrimSpace(v.PhoneNumber)
	case *notionapi.EmailProperty:
		return strings.TrimSpace(v.Email)
	case notionapi.EmailProperty:
		return strings.TrimSpace(v.Email)
	case *notionapi.URLProperty:
		return strings.TrimSpace(v.URL)
	case notionapi.URLProperty:
		return strings.TrimSpace(v.URL)
	case *notionapi.SelectProperty:
		return v.Select.Name
	case notionapi.SelectProperty:
		return v.Select.Name
	case *notionapi.StatusProperty:
		return v.Status.Name
	case notionapi.StatusProperty:
		return v.Status.Name
	case *notionapi.NumberProperty:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case notionapi.NumberProperty:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	}
	return ""
}

func richText(parts []notionapi.RichText) string {
	var b strings.Builder
	for _, rt := range parts {
		switch {
		case rt.PlainText != "":
			b.WriteString(rt.PlainText)
		case rt.Text != nil:
			b.WriteString(rt.Text.Content)
		}
	}
	return strings.TrimSpace(b.String())
}

// SetStatus sets the Status property of a page, with an optional note written
// to the "Note" rich-text property.
func SetStatus(ctx context.Context, c Client, pageID, status, note string) error {
	props := notionapi.Properties{
		"Status": notionapi.StatusProperty{
			Status: notionapi.Status{Name: status},
		},
	}
	if note != "" {
		props["Note"] = notionapi.RichTextProperty{
			Type: notionapi.PropertyTypeRichText,
			RichText: []notionapi.RichText{
				{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: note}},
			},
		}
	}
	if _, err := c.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{Properties: props}); err != nil {
		return eris.Wrapf(err, "notion: set status %s on page %s", status, pageID)
	}
	return nil
}
