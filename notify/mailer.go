package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"gopkg.in/gomail.v2"
)

var completedTemplate = template.Must(template.New("completed").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Verification job #{{.JobID}} finished</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        td { padding: 4px 12px; }
        .footer { margin-top: 30px; font-size: 12px; color: #7f8c8d; text-align: center; }
    </style>
</head>
<body>
    <h2>Your verification job has finished</h2>
    <table>
        <tr><td>Processed</td><td>{{.ProcessedEmails}} / {{.TotalEmails}}</td></tr>
        <tr><td>Valid</td><td>{{.ValidEmails}}</td></tr>
        <tr><td>Invalid</td><td>{{.InvalidEmails}}</td></tr>
        <tr><td>Risky</td><td>{{.RiskyEmails}}</td></tr>
        <tr><td>Unknown</td><td>{{.UnknownEmails}}</td></tr>
        <tr><td>Time</td><td>{{printf "%.1f" .ProcessingTimeSeconds}}s ({{printf "%.1f" .AverageSpeed}}/s)</td></tr>
    </table>
    <div class="footer">
        <p>© {{.Year}} mailverifier</p>
    </div>
</body>
</html>`))

type MailerConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Mailer sends the job completion notice over SMTP.
type Mailer struct {
	from string
	send func(m ...*gomail.Message) error
}

func NewMailer(cfg MailerConfig) *Mailer {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return &Mailer{from: cfg.From, send: d.DialAndSend}
}

func (m *Mailer) NotifyJobCompleted(_ context.Context, to string, summary Completed) error {
	msg, err := m.completedMessage(to, summary)
	if err != nil {
		return err
	}
	if err := m.send(msg); err != nil {
		return fmt.Errorf("send completion mail for job %d: %w", summary.JobID, err)
	}
	return nil
}

func (m *Mailer) completedMessage(to string, summary Completed) (*gomail.Message, error) {
	var body bytes.Buffer
	data := struct {
		Completed
		Year int
	}{summary, time.Now().Year()}
	if err := completedTemplate.Execute(&body, data); err != nil {
		return nil, fmt.Errorf("render completion mail: %w", err)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", fmt.Sprintf("Verification job #%d finished", summary.JobID))
	msg.SetBody("text/html", body.String())
	return msg, nil
}

// NoopNotifier is used when no notification SMTP host is configured.
type NoopNotifier struct{}

func (NoopNotifier) NotifyJobCompleted(context.Context, string, Completed) error { return nil }
