package journal

import (
	"fmt"
	"strings"
	"time"
)

// FormatFillOrg renders a FillRecord as an Org-mode block suitable for
// pasting into a trading journal. It purposely includes narrative
// placeholders (Context/Review) while keeping all structured facts in a
// PROPERTIES drawer for easy search.
func FormatFillOrg(f FillRecord) string {
	heading := fmt.Sprintf("** Fill: %s %s %s (%s)", f.Action, f.Side, f.Symbol, shortID(f.OrderID))
	created := f.CreatedAt.UTC().Format(time.RFC3339)

	var b strings.Builder
	b.WriteString(heading)
	b.WriteString("\n")
	b.WriteString(":PROPERTIES:\n")
	b.WriteString(fmt.Sprintf(":ORDER_ID: %s\n", f.OrderID))
	b.WriteString(fmt.Sprintf(":AGENT: %s\n", f.Agent))
	b.WriteString(fmt.Sprintf(":SYMBOL: %s\n", f.Symbol))
	b.WriteString(fmt.Sprintf(":ACTION: %s\n", f.Action))
	b.WriteString(fmt.Sprintf(":SIDE: %s\n", f.Side))
	b.WriteString(fmt.Sprintf(":QUANTITY: %.6f\n", f.Quantity))
	b.WriteString(fmt.Sprintf(":PRICE: %.4f\n", f.Price))
	b.WriteString(fmt.Sprintf(":LOT_ID: %d\n", f.LotID))
	if f.ReleasedMargin > 0 {
		b.WriteString(fmt.Sprintf(":RELEASED_MARGIN: %.2f\n", f.ReleasedMargin))
	}
	b.WriteString(fmt.Sprintf(":CREATED_AT: %s\n", created))
	b.WriteString(fmt.Sprintf(":REASON: %s\n", f.Reason))
	b.WriteString(":END:\n")
	b.WriteString("\n")
	b.WriteString("*** Context\n- \n\n")
	b.WriteString("*** Review\n- \n")

	return b.String()
}

// FormatFillsOrg renders multiple fills separated by blank lines.
func FormatFillsOrg(fills []FillRecord) string {
	var b strings.Builder
	for i, f := range fills {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(FormatFillOrg(f))
	}
	return b.String()
}

func shortID(full string) string {
	if len(full) <= 8 {
		return full
	}
	return full[:8]
}
