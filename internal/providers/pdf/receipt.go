package pdf

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

var ErrIncompleteReceipt = errors.New("incomplete_receipt")

// ReceiptData is the donor-facing view of a completed donation. Amounts are
// preformatted by the caller.
type ReceiptData struct {
	OrgName  string
	OrgEmail string

	DonationID    string
	ReceiptNumber string
	DatePaid      string

	DonorName   string
	DonorEmail  string
	PhoneNumber string

	Program   string
	Amount    string
	Recurring string
	Message   string
}

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}

func (p *PDFProvider) GenerateReceipt(ctx context.Context, receipt ReceiptData) (io.Reader, error) {
	if strings.TrimSpace(receipt.ReceiptNumber) == "" || strings.TrimSpace(receipt.Amount) == "" {
		return nil, ErrIncompleteReceipt
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(30,
		text.NewCol(8, "Donation receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		col.New(4).Add(
			text.New(receipt.OrgName, props.Text{Style: fontstyle.Bold, Align: align.Right}),
			text.New(receipt.OrgEmail, props.Text{Top: 5, Size: 9, Align: align.Right}),
		),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Receipt number: "+receipt.ReceiptNumber, props.Text{Top: 0}),
			text.New("Donation ID: "+receipt.DonationID, props.Text{Top: 4}),
			text.New("Date paid: "+receipt.DatePaid, props.Text{Top: 8}),
		),
		col.New(6).Add(
			text.New("Received from", props.Text{Style: fontstyle.Bold}),
			text.New(receipt.DonorName, props.Text{Top: 5}),
			text.New(receipt.DonorEmail, props.Text{Top: 9}),
			text.New(receipt.PhoneNumber, props.Text{Top: 13}),
		),
	)

	m.AddRow(15,
		text.NewCol(12, receipt.Amount+" received on "+receipt.DatePaid, props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	m.AddRow(10,
		text.NewCol(8, "Program", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(4, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	program := receipt.Program
	if receipt.Recurring != "" {
		program += " (" + receipt.Recurring + ")"
	}
	m.AddRow(10,
		text.NewCol(8, program, props.Text{Size: 9}),
		text.NewCol(4, receipt.Amount, props.Text{Size: 9, Align: align.Right}),
	)

	if msg := strings.TrimSpace(receipt.Message); msg != "" {
		m.AddRow(20,
			text.NewCol(12, "\""+msg+"\"", props.Text{Size: 9, Style: fontstyle.Italic, Top: 5}),
		)
	}

	m.AddRow(15,
		text.NewCol(12, "Thank you for helping end hunger in Kenya.", props.Text{Size: 10, Top: 5}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(doc.GetBytes()), nil
}
