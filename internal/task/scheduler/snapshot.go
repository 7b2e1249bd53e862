package scheduler

import (
	"sort"
	"strings"
)

func sortInfos(items []EventInfo) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].Next.Equal(items[j].Next) {
			return items[i].Next.Before(items[j].Next)
		}
		return items[i].Name < items[j].Name
	})
}

// Describe renders the next n events on one line for debug logs.
func (s *Service) Describe(n int) string {
	items := s.Snapshot()
	if n > 0 && len(items) > n {
		items = items[:n]
	}
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(it.Name)
		b.WriteString("@")
		b.WriteString(it.Next.In(s.loc).Format("15:04:05.000"))
	}
	return b.String()
}
