package table

import "github.com/pitabwire/tabula/model"

// PageCount returns ceil(totalRows/pageSize), or 0 when there are no rows
// or the page size is not positive.
func PageCount(totalRows, pageSize int) int {
	if totalRows <= 0 || pageSize <= 0 {
		return 0
	}
	return (totalRows + pageSize - 1) / pageSize
}

// FirstPage moves to page 0.
func FirstPage(p model.PaginationState) model.PaginationState {
	p.PageIndex = 0
	return p
}

// PreviousPage moves back one page; at page 0 it is a no-op.
func PreviousPage(p model.PaginationState) model.PaginationState {
	if CanPreviousPage(p) {
		p.PageIndex--
	}
	return p
}

// NextPage moves forward one page; on the last page it is a no-op.
func NextPage(p model.PaginationState, pageCount int) model.PaginationState {
	if CanNextPage(p, pageCount) {
		p.PageIndex++
	}
	return p
}

// LastPage moves to the final page, or page 0 when there are none.
func LastPage(p model.PaginationState, pageCount int) model.PaginationState {
	p.PageIndex = max(pageCount-1, 0)
	return p
}

// SetPageSize changes the page size and returns to page 0. A non-positive
// size is rejected and p is returned unchanged.
func SetPageSize(p model.PaginationState, size int) model.PaginationState {
	if size <= 0 {
		return p
	}
	return model.PaginationState{PageIndex: 0, PageSize: size}
}

// ClampPage pulls the page index into [0, max(pageCount-1, 0)].
func ClampPage(p model.PaginationState, pageCount int) model.PaginationState {
	p.PageIndex = min(max(p.PageIndex, 0), max(pageCount-1, 0))
	return p
}

func CanPreviousPage(p model.PaginationState) bool {
	return p.PageIndex > 0
}

func CanNextPage(p model.PaginationState, pageCount int) bool {
	return p.PageIndex < pageCount-1
}

// Summarize builds the "Showing X–Y of Z" read model. Rows are numbered
// from 1; StartRow and EndRow are 0 when there is nothing to show.
func Summarize(p model.PaginationState, totalRows int) model.PaginationSummary {
	pageCount := PageCount(totalRows, p.PageSize)
	p = ClampPage(p, pageCount)
	start, end := pageBounds(p, totalRows)

	s := model.PaginationSummary{
		PageIndex:       p.PageIndex,
		PageSize:        p.PageSize,
		PageCount:       pageCount,
		TotalRows:       max(totalRows, 0),
		CanPreviousPage: CanPreviousPage(p),
		CanNextPage:     CanNextPage(p, pageCount),
	}
	if end > start {
		s.StartRow = start + 1
		s.EndRow = end
	}
	return s
}

// pageBounds returns the half-open [start, end) slice bounds of the page
// within totalRows.
func pageBounds(p model.PaginationState, totalRows int) (int, int) {
	if totalRows <= 0 || p.PageSize <= 0 {
		return 0, 0
	}
	start := min(p.PageIndex*p.PageSize, totalRows)
	end := min(start+p.PageSize, totalRows)
	return start, end
}
