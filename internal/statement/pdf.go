package statement

import (
	"fmt"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

func renderPDF(st Statement) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(12, "Credit statement", props.Text{
			Size:  18,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Account: "+st.UserID, props.Text{Top: 0}),
			text.New("Period: "+st.From.UTC().Format(dateLayout)+" to "+st.To.UTC().Format(dateLayout), props.Text{Top: 4}),
			text.New("Issued: "+st.IssuedAt.UTC().Format(dateLayout), props.Text{Top: 8}),
		),
		col.New(6).Add(
			text.New(fmt.Sprintf("Available credits: %d", st.Balance.LeftCredits), props.Text{Style: fontstyle.Bold, Align: align.Right}),
			text.New(fmt.Sprintf("Subscription: %d", st.Balance.SubscriptionCredits), props.Text{Top: 4, Align: align.Right}),
			text.New(fmt.Sprintf("One-time: %d", st.Balance.OneTimeCredits), props.Text{Top: 8, Align: align.Right}),
		),
	)

	m.AddRow(10,
		text.NewCol(3, "Date", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Type", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Credits", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Balance", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Expires", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	for _, e := range st.Entries {
		m.AddRow(8,
			text.NewCol(3, e.CreatedAt.UTC().Format(dateLayout), props.Text{Size: 9}),
			text.NewCol(3, string(e.TransType), props.Text{Size: 9}),
			text.NewCol(2, fmt.Sprintf("%+d", e.Credits), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, fmt.Sprintf("%d", e.BalanceAfter), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, expiry(e), props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Credits in", props.Text{Size: 9}),
		text.NewCol(2, fmt.Sprintf("%d", st.CreditsIn), props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Credits out", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, fmt.Sprintf("%d", st.CreditsOut), props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}
