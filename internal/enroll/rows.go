// Package enroll reads enrollment lists from spreadsheets and Notion
// databases and turns them into participant enrollments.
package enroll

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/prospect-cli/internal/dispatch"
	"github.com/sells-group/prospect-cli/internal/model"
)

type field int

const (
	fieldNone field = iota
	fieldLeadID
	fieldName
	fieldPhone
	fieldEmail
	fieldExternalCode
	fieldTimezone
	fieldActivityCode
	fieldFunnelID
	fieldStage
)

// Header aliases, after normalization (lowercase, no accents, "_" separators).
var aliases = map[string]field{
	"lead_id":       fieldLeadID,
	"lead":          fieldLeadID,
	"id_lead":       fieldLeadID,
	"name":          fieldName,
	"nombre":        fieldName,
	"nome":          fieldName,
	"contact":       fieldName,
	"phone":         fieldPhone,
	"phone_number":  fieldPhone,
	"mobile":        fieldPhone,
	"whatsapp":      fieldPhone,
	"telefono":      fieldPhone,
	"celular":       fieldPhone,
	"email":         fieldEmail,
	"e_mail":        fieldEmail,
	"correo":        fieldEmail,
	"external_code": fieldExternalCode,
	"code":          fieldExternalCode,
	"codigo":        fieldExternalCode,
	"timezone":      fieldTimezone,
	"tz":            fieldTimezone,
	"time_zone":     fieldTimezone,
	"activity_code": fieldActivityCode,
	"activity":      fieldActivityCode,
	"funnel_id":     fieldFunnelID,
	"funnel":        fieldFunnelID,
	"stage":         fieldStage,
	"etapa":         fieldStage,
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeHeader lowercases a column header, strips accents and joins words
// with underscores, so "Teléfono", "TELEFONO" and "telefono" all match.
func NormalizeHeader(h string) string {
	s, _, err := transform.String(stripMarks, h)
	if err != nil {
		s = h
	}
	s = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(s, "\ufeff")))
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '.'
	}), "_")
}

// RowError describes a row that could not be enrolled.
type RowError struct {
	Line   int    `json:"line"`
	Ref    string `json:"ref,omitempty"`
	Reason string `json:"reason"`
}

func (e RowError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("row %d (%s): %s", e.Line, e.Ref, e.Reason)
	}
	return fmt.Sprintf("row %d: %s", e.Line, e.Reason)
}

// Batch is the result of reading one enrollment source. Refs[i] identifies
// the source record of Enrollments[i] (a Notion page id, or "" for files).
type Batch struct {
	Enrollments []dispatch.Enrollment
	Refs        []string
	Rejected    []RowError
}

func (b *Batch) add(e dispatch.Enrollment, ref string) {
	b.Enrollments = append(b.Enrollments, e)
	b.Refs = append(b.Refs, ref)
}

// Record is one source row keyed by its normalized header.
type Record struct {
	Line   int
	Ref    string
	Fields map[string]string
}

// Builder validates records and collects them into a Batch, dropping
// duplicate leads after the first occurrence.
type Builder struct {
	campaignID string
	source     model.EnrollmentSource
	seen       map[string]struct{}
	batch      Batch
}

// NewBuilder creates a Builder. The source defaults to "list".
func NewBuilder(campaignID string, source model.EnrollmentSource) *Builder {
	if source == "" {
		source = model.SourceList
	}
	return &Builder{campaignID: campaignID, source: source, seen: make(map[string]struct{})}
}

// Add validates one record.
func (b *Builder) Add(rec Record) {
	e := dispatch.Enrollment{CampaignID: b.campaignID, Source: b.source}
	for k, v := range rec.Fields {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		switch aliases[NormalizeHeader(k)] {
		case fieldLeadID:
			e.LeadID = v
		case fieldName:
			e.Name = v
		case fieldPhone:
			e.Phone = NormalizePhone(v)
		case fieldEmail:
			e.Email = strings.ToLower(v)
		case fieldExternalCode:
			e.ExternalCode = v
		case fieldTimezone:
			e.Timezone = v
		case fieldActivityCode:
			e.ActivityCode = v
		case fieldFunnelID:
			e.FunnelID = v
		case fieldStage:
			e.Stage = v
		}
	}

	reject := func(reason string) {
		b.batch.Rejected = append(b.batch.Rejected, RowError{Line: rec.Line, Ref: rec.Ref, Reason: reason})
	}
	switch {
	case e.LeadID == "":
		reject("missing lead id")
		return
	case e.Phone == "" && e.Email == "":
		reject("missing phone and email")
		return
	case e.Email != "" && !strings.Contains(e.Email, "@"):
		reject(fmt.Sprintf("invalid email %q", e.Email))
		return
	}
	if e.Timezone != "" {
		if _, err := time.LoadLocation(e.Timezone); err != nil {
			reject(fmt.Sprintf("unknown timezone %q", e.Timezone))
			return
		}
	}
	if _, dup := b.seen[e.LeadID]; dup {
		reject(fmt.Sprintf("duplicate lead %s", e.LeadID))
		return
	}
	b.seen[e.LeadID] = struct{}{}
	b.batch.add(e, rec.Ref)
}

// Batch returns the collected enrollments and rejections.
func (b *Builder) Batch() *Batch {
	return &b.batch
}

// FromRows builds a Batch from a header row followed by data rows. Line
// numbers are 1-based and count the header. Blank rows are skipped.
func FromRows(campaignID string, source model.EnrollmentSource, rows [][]string) *Batch {
	b := NewBuilder(campaignID, source)
	if len(rows) == 0 {
		return b.Batch()
	}
	headers := rows[0]
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		fields := make(map[string]string, len(headers))
		for j, h := range headers {
			if j < len(row) {
				fields[h] = row[j]
			}
		}
		b.Add(Record{Line: i + 2, Fields: fields})
	}
	return b.Batch()
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// NormalizePhone keeps digits and a leading "+".
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	if b.String() == "+" {
		return ""
	}
	return b.String()
}
