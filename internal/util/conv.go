package util

import (
	"strconv"
)

// ParseIntDefault 解析失败或非正数时返回 def，并截断到 max
func ParseIntDefault(s string, def, max int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

// PageOf 对内存中的列表分页，page 从 1 开始
func PageOf[T any](items []T, page, limit int) PageResponse {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	start := (page - 1) * limit
	if start > len(items) {
		start = len(items)
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return PageResponse{
		List:  items[start:end],
		Total: int64(len(items)),
		Page:  page,
		Limit: limit,
	}
}
