package mockbackend

import (
	"fmt"
	"strings"
)

// reply produces the assistant answer for a customer message.
func (s *Server) reply(identity, text string) string {
	q := strings.ToLower(strings.TrimSpace(text))
	switch {
	case q == "":
		return "Say something and I will do my best to help."
	case strings.Contains(q, "product") || strings.Contains(q, "catalog"):
		products := s.catalog.listProducts()
		names := make([]string, len(products))
		for i, p := range products {
			names[i] = fmt.Sprintf("%s (%s)", p.Name, formatCents(p.PriceCents))
		}
		return "We currently stock: " + strings.Join(names, ", ") + "."
	case strings.Contains(q, "order"):
		orders := s.catalog.ordersFor(identity)
		if len(orders) == 0 {
			return "You have no orders yet."
		}
		last := orders[len(orders)-1]
		return fmt.Sprintf("You have %d order(s). The latest, %s, totals %s.", len(orders), last.ID, formatCents(last.TotalCents))
	case strings.HasPrefix(q, "hello") || strings.HasPrefix(q, "hi"):
		return fmt.Sprintf("Hello %s, how can I help?", identity)
	default:
		return "You said: " + text
	}
}

func formatCents(c int64) string {
	return fmt.Sprintf("$%d.%02d", c/100, c%100)
}
