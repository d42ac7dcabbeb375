package tools

import (
	"github.com/shopspring/decimal"

	"github.com/capitalize-ai/business-assistant/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Totals are the rounded sums of a set of line items.
type Totals struct {
	Net   decimal.Decimal
	Tax   decimal.Decimal
	Gross decimal.Decimal
}

// lineNet is quantity × price rounded to cents, half away from zero.
func lineNet(quantity, price decimal.Decimal) decimal.Decimal {
	return quantity.Mul(price).Round(2)
}

// lineTax rounds per line so that invoice lines add up to the printed total.
func lineTax(net, rate decimal.Decimal) decimal.Decimal {
	return net.Mul(rate).Div(hundred).Round(2)
}

func computeTotals(items []model.ProjectItem) Totals {
	var t Totals
	for _, it := range items {
		net := lineNet(it.Quantity, it.PricePerUnit)
		t.Net = t.Net.Add(net)
		t.Tax = t.Tax.Add(lineTax(net, it.TaxRate))
	}
	t.Gross = t.Net.Add(t.Tax)
	return t
}

func (t Totals) apply(p *model.Project) {
	p.NetTotal = t.Net
	p.TaxTotal = t.Tax
	p.GrossTotal = t.Gross
}

func (t Totals) String() string {
	return "net " + t.Net.StringFixed(2) + ", tax " + t.Tax.StringFixed(2) + ", gross " + t.Gross.StringFixed(2)
}
