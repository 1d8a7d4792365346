// Package email renders chase emails from embedded Go templates and
// delivers them through the configured provider client. Rendering is a pure
// function of invoice facts and sender facts; everything degrades to
// literal fallbacks when sender facts are incomplete.
package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"

	"duepoint/internal/chase"
	"duepoint/internal/types"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

// templateData is the struct passed into the chase email templates.
type templateData struct {
	Subject       string
	CompanyName   string
	CompanyEmail  string
	CompanyPhone  string
	PaymentLink   string
	CustomerName  string
	InvoiceNumber string
	Amount        string
	DueDate       string
	WeekOrdinal   string
	WeeksOverdue  int
}

// Renderer parses the embedded stage templates once at construction and
// renders subject, HTML, and plaintext bodies per stage. It implements
// chase.Renderer.
type Renderer struct {
	htmlTemplates map[types.ChaseStage]*template.Template
	textTemplates map[types.ChaseStage]*texttemplate.Template
}

var _ chase.Renderer = (*Renderer)(nil)

// renderedStages are the stages with embedded template files.
var renderedStages = []types.ChaseStage{
	types.StageReminder,
	types.StageDueToday,
	types.StageWeekly,
	types.StageManual,
}

// NewRenderer parses the embedded templates. Returns an error if any
// template is missing or fails to parse; this is a startup-time failure,
// never a per-send one.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{
		htmlTemplates: make(map[types.ChaseStage]*template.Template),
		textTemplates: make(map[types.ChaseStage]*texttemplate.Template),
	}

	baseHTML, err := templateFS.ReadFile("templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("email: reading base.html: %w", err)
	}

	for _, stage := range renderedStages {
		name := string(stage)

		htmlContent, err := templateFS.ReadFile(fmt.Sprintf("templates/%s.html", name))
		if err != nil {
			return nil, fmt.Errorf("email: reading %s.html: %w", name, err)
		}
		htmlTmpl, err := template.New("base").Parse(string(baseHTML))
		if err != nil {
			return nil, fmt.Errorf("email: parsing base.html: %w", err)
		}
		if _, err := htmlTmpl.Parse(string(htmlContent)); err != nil {
			return nil, fmt.Errorf("email: parsing %s.html: %w", name, err)
		}
		r.htmlTemplates[stage] = htmlTmpl

		txtContent, err := templateFS.ReadFile(fmt.Sprintf("templates/%s.txt", name))
		if err != nil {
			return nil, fmt.Errorf("email: reading %s.txt: %w", name, err)
		}
		txtTmpl, err := texttemplate.New(name).Parse(string(txtContent))
		if err != nil {
			return nil, fmt.Errorf("email: parsing %s.txt: %w", name, err)
		}
		r.textTemplates[stage] = txtTmpl
	}

	return r, nil
}

// Render produces the subject and bodies for the given stage.
func (r *Renderer) Render(stage types.ChaseStage, inv *types.Invoice, weekNumber int, sender types.SenderIdentity) (types.RenderedEmail, error) {
	if inv == nil {
		return types.RenderedEmail{}, fmt.Errorf("email: invoice is nil")
	}

	htmlTmpl, ok := r.htmlTemplates[stage]
	if !ok {
		return types.RenderedEmail{}, fmt.Errorf("email: no HTML template for stage %q", stage)
	}
	txtTmpl, ok := r.textTemplates[stage]
	if !ok {
		return types.RenderedEmail{}, fmt.Errorf("email: no text template for stage %q", stage)
	}

	data := buildTemplateData(stage, inv, weekNumber, sender)

	var htmlBuf bytes.Buffer
	if err := htmlTmpl.Execute(&htmlBuf, data); err != nil {
		return types.RenderedEmail{}, fmt.Errorf("email: failed to render HTML for %q: %w", stage, err)
	}

	var textBuf bytes.Buffer
	if err := txtTmpl.Execute(&textBuf, data); err != nil {
		return types.RenderedEmail{}, fmt.Errorf("email: failed to render text for %q: %w", stage, err)
	}

	return types.RenderedEmail{
		Subject:  data.Subject,
		BodyHTML: htmlBuf.String(),
		BodyText: textBuf.String(),
	}, nil
}

func buildTemplateData(stage types.ChaseStage, inv *types.Invoice, weekNumber int, sender types.SenderIdentity) templateData {
	company := sender.CompanyName
	if company == "" {
		company = "Your service provider"
	}
	customer := inv.CustomerName
	if customer == "" {
		customer = "there"
	}
	number := inv.Number
	if number == "" {
		number = inv.ID
	}

	data := templateData{
		CompanyName:   company,
		CompanyEmail:  sender.CompanyEmail,
		CompanyPhone:  sender.Phone,
		PaymentLink:   sender.PaymentLink,
		CustomerName:  customer,
		InvoiceNumber: number,
		Amount:        FormatAmount(inv.AmountCents, inv.Currency),
		DueDate:       inv.DueAt.Format("January 2, 2006"),
		WeekOrdinal:   Ordinal(weekNumber),
		WeeksOverdue:  weekNumber,
	}

	switch stage {
	case types.StageReminder:
		data.Subject = fmt.Sprintf("Reminder: invoice %s from %s is due %s", number, company, data.DueDate)
	case types.StageDueToday:
		data.Subject = fmt.Sprintf("Invoice %s from %s is due today", number, company)
	case types.StageWeekly:
		data.Subject = fmt.Sprintf("%s notice: invoice %s from %s is overdue", titleCase(data.WeekOrdinal), number, company)
	default:
		data.Subject = fmt.Sprintf("Invoice %s from %s", number, company)
	}

	return data
}

// FormatAmount renders an integer cent amount with its currency code, e.g.
// "USD 1,240.50" without the thousands separator ("USD 1240.50").
func FormatAmount(cents int64, currency string) string {
	cur := strings.ToUpper(currency)
	if cur == "" {
		cur = "USD"
	}
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s %s%d.%02d", cur, sign, cents/100, cents%100)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Ordinal returns the English ordinal word for small week numbers, falling
// back to "Nth" beyond the supported range.
func Ordinal(n int) string {
	switch n {
	case 1:
		return "first"
	case 2:
		return "second"
	case 3:
		return "third"
	case 4:
		return "fourth"
	case 5:
		return "fifth"
	case 6:
		return "sixth"
	case 7:
		return "seventh"
	case 8:
		return "eighth"
	default:
		return fmt.Sprintf("%dth", n)
	}
}
