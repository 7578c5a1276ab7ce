package vouchers

import (
	"fmt"
	"html/template"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/liquida-hr/liquida/internal/payroll"
)

var copPrinter = message.NewPrinter(language.MustParse("es-CO"))

// FormatCOP renders a money value as Colombian pesos for the payslip. The
// digits come straight from the decimal, never through a float, so amounts
// past float64 precision print exactly.
func FormatCOP(v decimal.Decimal) string {
	v = v.Round(2)
	sign := ""
	if v.IsNegative() {
		sign = "-"
		v = v.Abs()
	}
	units := v.Truncate(0)
	cents := v.Sub(units).Mul(decimal.NewFromInt(100)).IntPart()
	var grouped string
	if u := units.BigInt(); u.IsInt64() {
		grouped = copPrinter.Sprintf("%d", u.Int64())
	} else {
		grouped = groupThousands(units.String())
	}
	if cents != 0 {
		return fmt.Sprintf("%s$ %s,%02d", sign, grouped, cents)
	}
	return fmt.Sprintf("%s$ %s", sign, grouped)
}

// groupThousands inserts the es-CO dot separators for magnitudes beyond the
// int64 path above.
func groupThousands(digits string) string {
	var sb strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		sb.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(digits[i : i+3])
	}
	return sb.String()
}

const payslipTemplate = `<!DOCTYPE html>
<html lang="es">
<head>
<meta charset="utf-8">
<title>Comprobante de Nómina</title>
<style>
  body { font-family: Helvetica, Arial, sans-serif; margin: 2.5rem; color: #1a1a1a; }
  h1 { font-size: 1.3rem; border-bottom: 2px solid #1a1a1a; padding-bottom: .4rem; }
  table { width: 100%; border-collapse: collapse; margin-top: 1rem; }
  th, td { text-align: left; padding: .35rem .5rem; border-bottom: 1px solid #ddd; }
  td.amount { text-align: right; font-variant-numeric: tabular-nums; }
  tr.total td { font-weight: bold; border-top: 2px solid #1a1a1a; }
  .meta { color: #555; font-size: .85rem; }
</style>
</head>
<body>
<h1>Comprobante de Nómina</h1>
<p class="meta">{{.PeriodName}} · {{.PeriodRange}}</p>
<p>
  <strong>{{.FullName}}</strong><br>
  Documento: {{.DocumentID}}<br>
  Cargo: {{.Position}}<br>
  Días trabajados: {{.WorkedDays}}
</p>
<table>
  <tr><th>Concepto</th><th class="amount">Valor</th></tr>
  <tr><td>Total devengado</td><td class="amount">{{.GrossPay}}</td></tr>
  <tr><td>Salud</td><td class="amount">{{.HealthDeduction}}</td></tr>
  <tr><td>Pensión</td><td class="amount">{{.PensionDeduction}}</td></tr>
  <tr><td>Auxilio de transporte</td><td class="amount">{{.TransportAllowance}}</td></tr>
  <tr><td>Total deducciones</td><td class="amount">{{.TotalDeductions}}</td></tr>
  <tr class="total"><td>Neto a pagar</td><td class="amount">{{.NetPay}}</td></tr>
</table>
<p class="meta">IBC: {{.IBC}}</p>
</body>
</html>`

type payslipData struct {
	PeriodName         string
	PeriodRange        string
	FullName           string
	DocumentID         string
	Position           string
	WorkedDays         int
	GrossPay           string
	HealthDeduction    string
	PensionDeduction   string
	TransportAllowance string
	TotalDeductions    string
	NetPay             string
	IBC                string
}

// Renderer produces payslip HTML per employee entry.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer parses the payslip template.
func NewRenderer() *Renderer {
	return &Renderer{tmpl: template.Must(template.New("payslip").Parse(payslipTemplate))}
}

// Payslip renders the voucher HTML for one snapshot entry.
func (r *Renderer) Payslip(period payroll.Period, entry payroll.SnapshotEntry) (string, error) {
	data := payslipData{
		PeriodName: period.Name,
		PeriodRange: fmt.Sprintf("%s al %s",
			period.StartDate.Format("2006-01-02"), period.EndDate.Format("2006-01-02")),
		FullName:           entry.Employee.FullName,
		DocumentID:         entry.Employee.DocumentID,
		Position:           entry.Employee.Position,
		WorkedDays:         entry.Entry.WorkedDays,
		GrossPay:           FormatCOP(entry.Entry.GrossPay),
		HealthDeduction:    FormatCOP(entry.Entry.HealthDeduction),
		PensionDeduction:   FormatCOP(entry.Entry.PensionDeduction),
		TransportAllowance: FormatCOP(entry.Entry.TransportAllowance),
		TotalDeductions:    FormatCOP(entry.Entry.TotalDeductions),
		NetPay:             FormatCOP(entry.Entry.NetPay),
		IBC:                FormatCOP(entry.Entry.IBC),
	}
	var sb strings.Builder
	if err := r.tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("vouchers: render payslip: %w", err)
	}
	return sb.String(), nil
}
