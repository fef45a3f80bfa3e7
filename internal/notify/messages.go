package notify

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"text/template"

	"github.com/odyssey-erp/buyplans/internal/buyplan"
)

// Message is a rendered notification.
type Message struct {
	Subject string
	Body    string
	Chat    string
}

type messageData struct {
	Plan buyplan.BuyPlan
	Link string
}

var subjects = map[buyplan.Event]string{
	buyplan.EventSubmitted:         `Buy plan awaiting approval: requisition #{{.Plan.RequisitionID}}`,
	buyplan.EventApproved:          `Buy plan approved: SO {{.Plan.SalesOrderNumber}}, POs needed`,
	buyplan.EventStockSaleApproved: `Stock sale approved: SO {{.Plan.SalesOrderNumber}}`,
	buyplan.EventRejected:          `Buy plan rejected: requisition #{{.Plan.RequisitionID}}`,
	buyplan.EventCompleted:         `Buy plan complete: SO {{.Plan.SalesOrderNumber}}`,
	buyplan.EventCancelled:         `Buy plan cancelled: requisition #{{.Plan.RequisitionID}}`,
	buyplan.EventPOConfirmed:       `POs confirmed: SO {{.Plan.SalesOrderNumber}}`,
}

const bodyTemplate = `{{.Subject}}

Requisition: #{{.Data.Plan.RequisitionID}}
Quote: #{{.Data.Plan.QuoteID}}
Status: {{.Data.Plan.Status}}
{{- if .Data.Plan.SalesOrderNumber}}
Sales order: {{.Data.Plan.SalesOrderNumber}}
{{- end}}
{{- if .Data.Plan.IsStockSale}}
Stock sale: yes
{{- end}}

Lines:
{{- range $i, $item := .Data.Plan.LineItems}}
  {{$i}}. {{$item.MPN}} x {{$item.PlanQty}} from {{$item.VendorName}}{{if $item.PONumber}} (PO {{deref $item.PONumber}}{{if $item.POVerified}}, verified{{end}}){{end}}
{{- end}}
{{- if .Data.Plan.SalespersonNotes}}

Salesperson notes: {{.Data.Plan.SalespersonNotes}}
{{- end}}
{{- if .Data.Plan.ManagerNotes}}
Manager notes: {{.Data.Plan.ManagerNotes}}
{{- end}}
{{- if .Data.Plan.RejectionReason}}
Rejection reason: {{.Data.Plan.RejectionReason}}
{{- end}}
{{- if .Data.Plan.CancellationReason}}
Cancellation reason: {{.Data.Plan.CancellationReason}}
{{- end}}
{{- if .Data.Link}}

Review and approve: {{.Data.Link}}
{{- end}}
`

// Renderer turns a plan and event into a Message.
type Renderer struct {
	baseURL  string
	subjects map[buyplan.Event]*template.Template
	body     *template.Template
}

// NewRenderer parses the message templates. baseURL prefixes approval links.
func NewRenderer(baseURL string) *Renderer {
	funcs := template.FuncMap{
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
	}
	r := &Renderer{
		baseURL:  strings.TrimRight(baseURL, "/"),
		subjects: make(map[buyplan.Event]*template.Template, len(subjects)),
		body:     template.Must(template.New("body").Funcs(funcs).Parse(bodyTemplate)),
	}
	for event, text := range subjects {
		r.subjects[event] = template.Must(template.New(string(event)).Parse(text))
	}
	return r
}

// ApprovalLink returns the public approval URL for token.
func (r *Renderer) ApprovalLink(token string) string {
	return r.baseURL + "/public/buy-plans/" + url.PathEscape(token)
}

// Render builds the message for event. Only submissions carry the approval link.
func (r *Renderer) Render(plan buyplan.BuyPlan, event buyplan.Event) (Message, error) {
	subjectTmpl, ok := r.subjects[event]
	if !ok {
		return Message{}, fmt.Errorf("notify: no template for event %q", event)
	}
	data := messageData{Plan: plan}
	if event == buyplan.EventSubmitted && plan.ApprovalToken != "" {
		data.Link = r.ApprovalLink(plan.ApprovalToken)
	}

	var subject bytes.Buffer
	if err := subjectTmpl.Execute(&subject, data); err != nil {
		return Message{}, fmt.Errorf("render %s subject: %w", event, err)
	}
	var body bytes.Buffer
	if err := r.body.Execute(&body, struct {
		Subject string
		Data    messageData
	}{Subject: subject.String(), Data: data}); err != nil {
		return Message{}, fmt.Errorf("render %s body: %w", event, err)
	}

	chat := subject.String()
	if data.Link != "" {
		chat += " " + data.Link
	}
	return Message{Subject: subject.String(), Body: body.String(), Chat: chat}, nil
}
