package paging

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"relay/internal/apperr"
)

func TestTotalPages(t *testing.T) {
	tests := []struct {
		total, limit, want int
	}{
		{0, 10, 1},
		{1, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{25, 5, 5},
		{3, 0, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TotalPages(tt.total, tt.limit), "total=%d limit=%d", tt.total, tt.limit)
	}
}

func TestNormalizeAndOffset(t *testing.T) {
	l := Limits{Default: 20, Max: 100}

	p := l.Normalize(Params{})
	assert.Equal(t, Params{Page: 1, Limit: 20}, p)
	assert.Equal(t, 0, p.Offset())

	p = l.Normalize(Params{Page: 3, Limit: 500})
	assert.Equal(t, Params{Page: 3, Limit: 100}, p)
	assert.Equal(t, 200, p.Offset())
}

func TestNewPage_KeepsCurrentPage(t *testing.T) {
	page := NewPage[string](Params{Page: 4, Limit: 10}, 1, nil)
	assert.Equal(t, 4, page.CurrentPage)
	assert.Equal(t, 1, page.TotalPages)
	assert.NotNil(t, page.Results)
}

func TestValidate_PageBound(t *testing.T) {
	assert.NoError(t, Params{Page: MaxPage, Limit: 10}.Validate())
	assert.NoError(t, Params{}.Validate())

	err := Params{Page: math.MaxInt, Limit: 10}.Validate()
	var appErr *apperr.Error
	if assert.ErrorAs(t, err, &appErr) {
		assert.Equal(t, apperr.InfoValidationError, appErr.Info)
	}
}

func TestOffset_Saturates(t *testing.T) {
	assert.Equal(t, math.MaxInt, Params{Page: math.MaxInt, Limit: 100}.Offset())
	assert.Equal(t, 0, Params{Page: -5, Limit: 10}.Offset())
	assert.Equal(t, 99_999_900, Params{Page: MaxPage, Limit: 100}.Offset())
}
