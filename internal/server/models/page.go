package models

const (
	DefaultPageNumber = 1
	DefaultPageLimit  = 10
	MaxPageLimit      = 100
)

// Page selects a slice of a principal's history, newest first.
type Page struct {
	Number int
	Limit  int
}

// Normalize fills defaults and caps the limit.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = DefaultPageNumber
	}
	if p.Limit < 1 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// Offset is the number of rows to skip.
func (p Page) Offset() int {
	n := p.Normalize()
	return (n.Number - 1) * n.Limit
}

// IntentPage is one page of redacted intents.
type IntentPage struct {
	Items      []*IntentView `json:"items"`
	Page       int           `json:"page"`
	Limit      int           `json:"limit"`
	Total      int64         `json:"total"`
	TotalPages int64         `json:"totalPages"`
}

// NewIntentPage computes the page count from total.
func NewIntentPage(items []*IntentView, p Page, total int64) *IntentPage {
	p = p.Normalize()
	if items == nil {
		items = []*IntentView{}
	}
	pages := (total + int64(p.Limit) - 1) / int64(p.Limit)
	return &IntentPage{Items: items, Page: p.Number, Limit: p.Limit, Total: total, TotalPages: pages}
}
