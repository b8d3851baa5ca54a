package risk

import (
	"context"
	"fmt"
)

// Mailer queues templated email. *email.Service satisfies it.
type Mailer interface {
	SendAsync(ctx context.Context, to, subject, templateName string, data map[string]interface{}) error
}

// EmailNotifier delivers suspicious login notices by email.
type EmailNotifier struct {
	mailer Mailer
}

// NewEmailNotifier creates a notifier sending through mailer.
func NewEmailNotifier(mailer Mailer) *EmailNotifier {
	return &EmailNotifier{mailer: mailer}
}

// NotifySuspiciousLogin queues the verification email with approve and deny links.
func (n *EmailNotifier) NotifySuspiciousLogin(ctx context.Context, notice SuspiciousLoginNotice) error {
	if notice.Email == "" {
		return fmt.Errorf("no email address for principal %s", notice.PrincipalID)
	}
	return n.mailer.SendAsync(ctx, notice.Email, "Was this you? New sign-in needs verification", "suspicious-login", map[string]interface{}{
		"Location":    notice.Geo.Location(),
		"IPAddress":   notice.IPAddress,
		"Device":      notice.Device,
		"AttemptedAt": notice.AttemptedAt.Format("Jan 2, 2006 15:04 MST"),
		"ExpiresAt":   notice.ExpiresAt.Format("Jan 2, 2006 15:04 MST"),
		"Score":       notice.Score,
		"Reasons":     DescribeReasons(notice.Reasons),
		"ApproveURL":  notice.ApproveURL,
		"DenyURL":     notice.DenyURL,
	})
}
