package smtp

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

const timeLayout = "2006-01-02 15:04:05 MST"

// row is one label/value line of an alert card
type row struct {
	Label string
	Value string
	Mono  bool
}

var alertTemplate = template.Must(template.New("alert").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Orchestra Alert</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto;">
  <div style="background: {{.Color}}; color: white; padding: 25px; text-align: center;">
    <h1 style="margin: 0; font-size: 20px;">{{.Title}}</h1>
  </div>

  <div style="padding: 30px; background: #f9fafb;">
    <div style="background: white; border-radius: 8px; padding: 25px; box-shadow: 0 2px 4px rgba(0,0,0,0.1);">
      <table style="width: 100%; border-collapse: collapse;">
        {{range .Rows}}
        <tr>
          <td style="padding: 10px 0; border-bottom: 1px solid #e5e7eb; color: #6b7280; width: 140px;">{{.Label}}</td>
          <td style="padding: 10px 0; border-bottom: 1px solid #e5e7eb; font-weight: 500;{{if .Mono}} font-family: monospace;{{end}}">{{.Value}}</td>
        </tr>
        {{end}}
      </table>

      {{if .Details}}
      <div style="margin-top: 20px;">
        <div style="color: #6b7280; font-size: 12px; margin-bottom: 8px;">Details</div>
        <div style="background: #f3f4f6; padding: 15px; border-radius: 6px; font-family: monospace; font-size: 13px; white-space: pre-wrap;">{{.Details}}</div>
      </div>
      {{end}}
    </div>
  </div>

  <div style="padding: 20px; text-align: center; color: #9ca3af; font-size: 12px;">
    Orchestra threat response
  </div>
</body>
</html>`))

// RenderBanAlert renders the mail for a CRITICAL auto-ban
func RenderBanAlert(ban *entity.Ban) Message {
	expires := "never (permanent)"
	if ban.ExpiresAt != nil {
		expires = ban.ExpiresAt.UTC().Format(timeLayout)
	}

	subject := fmt.Sprintf("[Orchestra] %s auto-ban: %s", ban.Severity, ban.IPAddress)
	text := fmt.Sprintf(`Orchestra - Automatic ban

Time: %s
Banned IP: %s
Severity: %s
Events: %d
Expires: %s

Reason:
%s
`,
		ban.CreatedAt.UTC().Format(timeLayout),
		ban.IPAddress, ban.Severity, ban.SourceEventCount, expires, ban.Reason)

	html := renderHTMLAlert(fmt.Sprintf("%s Auto-Ban", ban.Severity), "#dc2626", []row{
		{Label: "Time", Value: ban.CreatedAt.UTC().Format(timeLayout)},
		{Label: "Banned IP", Value: ban.IPAddress, Mono: true},
		{Label: "Severity", Value: string(ban.Severity)},
		{Label: "Events", Value: fmt.Sprint(ban.SourceEventCount)},
		{Label: "Expires", Value: expires},
	}, ban.Reason)

	return Message{Subject: subject, TextBody: text, HTMLBody: html}
}

// RenderDeliveryFailure renders the mail for a queue item that gave up
func RenderDeliveryFailure(evt entity.DeliveryEvent, at time.Time) Message {
	subject := fmt.Sprintf("[Orchestra] Delivery failed: %s %s on %s", evt.Operation, evt.IPAddress, evt.IntegrationName)
	text := fmt.Sprintf(`Orchestra - Delivery failed

Time: %s
Integration: %s
Operation: %s
IP: %s
Attempts: %d

Error:
%s

The provider was not updated. Retry by re-issuing the ban or unban.
`,
		at.UTC().Format(timeLayout),
		evt.IntegrationName, evt.Operation, evt.IPAddress, evt.Attempts, evt.Error)

	html := renderHTMLAlert("Delivery Failed", "#f97316", []row{
		{Label: "Time", Value: at.UTC().Format(timeLayout)},
		{Label: "Integration", Value: evt.IntegrationName},
		{Label: "Operation", Value: string(evt.Operation)},
		{Label: "IP", Value: evt.IPAddress, Mono: true},
		{Label: "Attempts", Value: fmt.Sprint(evt.Attempts)},
	}, evt.Error)

	return Message{Subject: subject, TextBody: text, HTMLBody: html}
}

// RenderTestEmail renders a test email
func RenderTestEmail(at time.Time) Message {
	return Message{
		Subject:  "[Orchestra] Test Email - Configuration Successful",
		TextBody: fmt.Sprintf("Orchestra SMTP test sent at %s.\n", at.UTC().Format(timeLayout)),
		HTMLBody: renderHTMLAlert("SMTP Test", "#16a34a", []row{
			{Label: "Time", Value: at.UTC().Format(timeLayout)},
		}, "Alert mail is configured."),
	}
}

func renderHTMLAlert(title, color string, rows []row, details string) string {
	var buf bytes.Buffer
	_ = alertTemplate.Execute(&buf, map[string]any{
		"Title":   title,
		"Color":   color,
		"Rows":    rows,
		"Details": details,
	})
	return buf.String()
}
