package pagination

import (
	"cmp"
	"slices"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPageSize = 5
	MaxPageSize     = 100
)

// Params holds page parameters extracted from a request. Page is 1-based.
// NoWait asks for whatever is cached instead of waiting on the network.
type Params struct {
	Page     int
	PageSize int
	SortBy   string
	Desc     bool
	NoWait   bool
}

// FromContext extracts page parameters from the echo context. fallbackSize is
// used when the request does not carry a usable pageSize.
func FromContext(c echo.Context, fallbackSize int) Params {
	size, _ := strconv.Atoi(c.QueryParam("pageSize"))
	if size <= 0 {
		size = fallbackSize
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page <= 0 {
		page = 1
	}

	return Params{
		Page:     page,
		PageSize: size,
		SortBy:   c.QueryParam("sort"),
		Desc:     strings.EqualFold(c.QueryParam("order"), "desc"),
		NoWait:   strings.EqualFold(c.QueryParam("wait"), "false"),
	}
}

// Page is one visible slice of an ordered collection.
type Page[T any] struct {
	Items      []T
	PageNumber int
	TotalPages int
	TotalCount int
}

// Paginate returns the slice of items visible on pageNumber. Out-of-range page
// numbers clamp to the nearest valid page; an empty collection yields page 1 of 1.
func Paginate[T any](items []T, pageSize, pageNumber int) Page[T] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	total := len(items)
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	pageNumber = max(1, min(pageNumber, totalPages))

	start := (pageNumber - 1) * pageSize
	end := min(start+pageSize, total)
	slice := make([]T, 0, end-start)
	if start < end {
		slice = append(slice, items[start:end]...)
	}

	return Page[T]{
		Items:      slice,
		PageNumber: pageNumber,
		TotalPages: totalPages,
		TotalCount: total,
	}
}

// SortStable returns a sorted copy of items ordered by key. Ties keep their
// input order in both directions.
func SortStable[T any, K cmp.Ordered](items []T, key func(T) K, desc bool) []T {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b T) int {
		if desc {
			return cmp.Compare(key(b), key(a))
		}
		return cmp.Compare(key(a), key(b))
	})
	return out
}

// Response wraps a paginated API response together with the loading flags the
// UI renders from.
type Response struct {
	Data         interface{} `json:"data"`
	Page         int         `json:"page"`
	TotalPages   int         `json:"totalPages"`
	Total        int         `json:"total"`
	IsLoading    bool        `json:"isLoading"`
	IsValidating bool        `json:"isValidating"`
	IsStale      bool        `json:"isStale"`
	Error        string      `json:"error,omitempty"`
}

// HasNext returns true if there are pages after the current one.
func (r *Response) HasNext() bool {
	return r.Page < r.TotalPages
}

// HasPrevious returns true if there are pages before the current one.
func (r *Response) HasPrevious() bool {
	return r.Page > 1
}
