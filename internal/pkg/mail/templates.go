package mail

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

// NotificationData parameterizes a billing email.
type NotificationData struct {
	Name        string
	AmountCents int64
	Currency    string
	Plan        string
	URL         string
}

// Amount formats the amount in major units, e.g. "39.00 EUR".
func (d NotificationData) Amount() string {
	if d.AmountCents == 0 {
		return ""
	}
	return fmt.Sprintf("%d.%02d %s", d.AmountCents/100, d.AmountCents%100, strings.ToUpper(d.Currency))
}

type notificationTemplate struct {
	subject string
	body    *template.Template
}

const layoutHead = `<p>Hi {{.Name}},</p>`
const layoutFoot = `<p>Your LLMReady team</p>`

var notificationTemplates = map[string]notificationTemplate{
	"payment_succeeded": {
		subject: "Payment received",
		body: template.Must(template.New("payment_succeeded").Parse(layoutHead +
			`<p>we received your payment{{with .Amount}} of {{.}}{{end}} for the {{.Plan}} plan. Thank you!</p>` + layoutFoot)),
	},
	"payment_failed": {
		subject: "Your payment failed",
		body: template.Must(template.New("payment_failed").Parse(layoutHead +
			`<p>we could not collect your payment{{with .Amount}} of {{.}}{{end}} for the {{.Plan}} plan. ` +
			`Please update your payment method within the next days to keep access.</p>` +
			`{{if .URL}}<p><a href="{{.URL}}">Pay invoice</a></p>{{end}}` + layoutFoot)),
	},
	"payment_action_required": {
		subject: "Action required to complete your payment",
		body: template.Must(template.New("payment_action_required").Parse(layoutHead +
			`<p>your bank requires an additional confirmation for your payment{{with .Amount}} of {{.}}{{end}}.</p>` +
			`{{if .URL}}<p><a href="{{.URL}}">Confirm payment</a></p>{{end}}` + layoutFoot)),
	},
	"payment_disputed": {
		subject: "Your subscription was suspended",
		body: template.Must(template.New("payment_disputed").Parse(layoutHead +
			`<p>a payment{{with .Amount}} of {{.}}{{end}} was disputed with your bank. ` +
			`Your {{.Plan}} subscription has been canceled and your account moved to the free plan.</p>` + layoutFoot)),
	},
	"payment_refunded": {
		subject: "Your refund is on its way",
		body: template.Must(template.New("payment_refunded").Parse(layoutHead +
			`<p>we refunded{{with .Amount}} {{.}}{{end}} to your original payment method.</p>` + layoutFoot)),
	},
	"subscription_canceled": {
		subject: "Your subscription has ended",
		body: template.Must(template.New("subscription_canceled").Parse(layoutHead +
			`<p>your {{.Plan}} subscription has ended and your account is now on the free plan.</p>` + layoutFoot)),
	},
}

// RenderNotification renders subject and HTML body for a billing category.
func RenderNotification(category string, data NotificationData) (string, string, error) {
	tpl, ok := notificationTemplates[category]
	if !ok {
		return "", "", fmt.Errorf("no mail template for category %q", category)
	}
	if data.Name == "" {
		data.Name = "there"
	}
	if data.Plan == "" {
		data.Plan = "current"
	}

	var buf bytes.Buffer
	if err := tpl.body.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render %s: %w", category, err)
	}
	return "[LLMReady] " + tpl.subject, buf.String(), nil
}
