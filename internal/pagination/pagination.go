// Package pagination parses list query parameters and applies them to gorm queries.
package pagination

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"
)

const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100

	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// ErrInvalidQuery wraps every parse and range failure.
var ErrInvalidQuery = errors.New("pagination: invalid query")

// Query is a validated page request.
type Query struct {
	Page  int
	Limit int
	Sort  string
	Order string
}

// Options describe the accepted sort columns and whether out-of-range values
// are clamped instead of rejected.
type Options struct {
	Sorts       []string
	DefaultSort string
	Clamp       bool
}

// Raw holds query string values as received.
type Raw struct {
	Page  string
	Limit string
	Sort  string
	Order string
}

// Parse validates raw and fills defaults.
func Parse(raw Raw, options Options) (Query, error) {
	query := Query{Page: DefaultPage, Limit: DefaultLimit, Sort: options.DefaultSort, Order: OrderDesc}

	if value := strings.TrimSpace(raw.Page); value != "" {
		page, err := strconv.Atoi(value)
		if err != nil {
			return Query{}, fmt.Errorf("%w: page %q is not an integer", ErrInvalidQuery, value)
		}
		if page < 1 {
			if !options.Clamp {
				return Query{}, fmt.Errorf("%w: page must be at least 1", ErrInvalidQuery)
			}
			page = 1
		}
		query.Page = page
	}

	if value := strings.TrimSpace(raw.Limit); value != "" {
		limit, err := strconv.Atoi(value)
		if err != nil {
			return Query{}, fmt.Errorf("%w: limit %q is not an integer", ErrInvalidQuery, value)
		}
		if limit < 1 || limit > MaxLimit {
			if !options.Clamp {
				return Query{}, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidQuery, MaxLimit)
			}
			limit = min(max(limit, 1), MaxLimit)
		}
		query.Limit = limit
	}

	if value := strings.TrimSpace(raw.Sort); value != "" {
		if !contains(options.Sorts, value) {
			return Query{}, fmt.Errorf("%w: sort %q is not supported", ErrInvalidQuery, value)
		}
		query.Sort = value
	}

	if value := strings.ToLower(strings.TrimSpace(raw.Order)); value != "" {
		if value != OrderAsc && value != OrderDesc {
			return Query{}, fmt.Errorf("%w: order %q is not supported", ErrInvalidQuery, value)
		}
		query.Order = value
	}

	return query, nil
}

// Offset returns the number of rows to skip.
func (q Query) Offset() int {
	return (q.Page - 1) * q.Limit
}

// Scope applies ordering and the page window. Sort must already be validated.
func (q Query) Scope(db *gorm.DB) *gorm.DB {
	return db.Order(q.Sort + " " + q.Order).Order("id " + q.Order).Offset(q.Offset()).Limit(q.Limit)
}

// Pagination is the page metadata returned alongside list data.
type Pagination struct {
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
	TotalItems int64  `json:"total_items"`
	TotalPages int64  `json:"total_pages"`
	Sort       string `json:"sort"`
	Order      string `json:"order"`
}

// Describe builds the page metadata for total matching rows.
func (q Query) Describe(total int64) Pagination {
	var pages int64
	if total > 0 {
		pages = (total + int64(q.Limit) - 1) / int64(q.Limit)
	}
	return Pagination{
		Page:       q.Page,
		Limit:      q.Limit,
		TotalItems: total,
		TotalPages: pages,
		Sort:       q.Sort,
		Order:      q.Order,
	}
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
