// Package paging turns page/limit request fields into SQL offsets and the
// page metadata sent back with listings.
package paging

import (
	"fmt"
	"math"

	"relay/internal/apperr"
)

// MaxPage is the highest page number a client may ask for.
const MaxPage = 1_000_000

// Params is the page request as sent by a client. Zero values fall back to
// page 1 and the default limit.
type Params struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// Limits bounds what a client may ask for.
type Limits struct {
	Default int
	Max     int
}

// Normalize applies defaults and clamps the limit.
func (l Limits) Normalize(p Params) Params {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = l.Default
	}
	if l.Max > 0 && p.Limit > l.Max {
		p.Limit = l.Max
	}
	return p
}

// Validate rejects page numbers past MaxPage.
func (p Params) Validate() error {
	if p.Page > MaxPage {
		return apperr.Validation(fmt.Sprintf("page must not exceed %d", MaxPage))
	}
	return nil
}

// Offset saturates instead of overflowing, which reads past the last row.
func (p Params) Offset() int {
	if p.Page <= 1 || p.Limit <= 0 {
		return 0
	}
	if p.Page-1 > math.MaxInt/p.Limit {
		return math.MaxInt
	}
	return (p.Page - 1) * p.Limit
}

// Page is a listing response.
type Page[T any] struct {
	CurrentPage int `json:"currentPage"`
	Limit       int `json:"limit"`
	Results     []T `json:"results"`
	TotalCount  int `json:"totalCount"`
	TotalPages  int `json:"totalPages"`
}

// TotalPages is ceil(total/limit), and at least 1 even for an empty listing.
func TotalPages(total, limit int) int {
	if limit < 1 || total <= 0 {
		return 1
	}
	return (total + limit - 1) / limit
}

func NewPage[T any](p Params, total int, results []T) Page[T] {
	if results == nil {
		results = []T{}
	}
	return Page[T]{
		CurrentPage: p.Page,
		Limit:       p.Limit,
		Results:     results,
		TotalCount:  total,
		TotalPages:  TotalPages(total, p.Limit),
	}
}
