package bot

import (
	"fmt"
	"strings"

	"github.com/ashureev/parcel-chat/internal/domain"
	"github.com/ashureev/parcel-chat/internal/rules"
)

// OrderReply renders the answer to an order lookup. A lookup error yields the
// canned apology and a nil order the not-found text.
func OrderReply(msgs rules.Messages, orderID string, order *domain.Order, err error) string {
	if err != nil {
		return msgs.OrderLookupError
	}
	if order == nil {
		if strings.Contains(msgs.OrderNotFound, "%s") {
			return fmt.Sprintf(msgs.OrderNotFound, orderID)
		}
		return msgs.OrderNotFound
	}
	return describeOrder(*order)
}

// OrdersListReply renders the user's recent orders below prefix.
func OrdersListReply(msgs rules.Messages, prefix string, list []domain.Order, err error) string {
	if err != nil {
		return msgs.OrderLookupError
	}
	if len(list) == 0 {
		return msgs.OrdersEmpty
	}

	var b strings.Builder
	if prefix != "" {
		b.WriteString(prefix)
		b.WriteString("\n")
	}
	for i, o := range list {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- %s: %s, %s", o.ID, humanStatus(o.Status), formatMoney(o.TotalCents, o.Currency))
		if !o.PlacedAt.IsZero() {
			fmt.Fprintf(&b, " (placed %s)", o.PlacedAt.UTC().Format("Jan 2"))
		}
	}
	return b.String()
}

func describeOrder(o domain.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order %s is %s.", o.ID, humanStatus(o.Status))
	if len(o.Items) > 0 {
		parts := make([]string, 0, len(o.Items))
		for _, it := range o.Items {
			parts = append(parts, fmt.Sprintf("%d x %s", it.Quantity, it.Name))
		}
		fmt.Fprintf(&b, "\nItems: %s", strings.Join(parts, ", "))
	}
	fmt.Fprintf(&b, "\nTotal: %s", formatMoney(o.TotalCents, o.Currency))
	if o.ETA != nil {
		fmt.Fprintf(&b, "\nEstimated arrival: %s", o.ETA.UTC().Format("Jan 2, 15:04 MST"))
	}
	return b.String()
}

func humanStatus(s string) string {
	if s == "" {
		return "being processed"
	}
	return strings.ReplaceAll(strings.ToLower(s), "_", " ")
}

func formatMoney(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	out := fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
	if currency != "" {
		out += " " + strings.ToUpper(currency)
	}
	return out
}
