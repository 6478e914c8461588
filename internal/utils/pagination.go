// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import "strconv"

// AtoiDefault converts a string to an int using strconv.Atoi.
// If the string is empty or cannot be parsed as an integer,
// it returns the provided default value instead.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// PageBounds normalizes (page, pageSize) query values into an offset/limit
// pair for the log listing endpoints. Pages are one-based; sizes are capped
// at maxSize.
func PageBounds(page, pageSize, maxSize int) (offset, limit int64) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if maxSize > 0 && pageSize > maxSize {
		pageSize = maxSize
	}
	return int64(page-1) * int64(pageSize), int64(pageSize)
}
