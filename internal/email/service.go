// Package email renders and delivers HTML email over SMTP, optionally through
// a Redis-backed queue drained by a background worker.
package email

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/metrics"
)

//go:embed templates/*.html
var templateFS embed.FS

// QueueKey is the Redis list holding pending messages.
const QueueKey = "loginrisk:email:queue"

// Config holds SMTP settings
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service handles sending emails via SMTP with template rendering and async queue support.
type Service struct {
	cfg       Config
	redis     redis.UniversalClient
	logger    *zap.Logger
	templates *template.Template
	sendMail  SendMailFunc

	// inflight tracks direct sends when no queue is configured.
	inflight sync.WaitGroup
}

// Message represents an email to be sent, used for async queue serialization.
type Message struct {
	To           string                 `json:"to"`
	Subject      string                 `json:"subject"`
	TemplateName string                 `json:"template_name"`
	Data         map[string]interface{} `json:"data"`
}

// NewService creates an email service. A nil rdb makes SendAsync deliver in a
// background goroutine instead of queueing.
func NewService(cfg Config, rdb redis.UniversalClient, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse email templates: %w", err)
	}
	return &Service{
		cfg:       cfg,
		redis:     rdb,
		logger:    logger.With(zap.String("component", "email")),
		templates: tmpl,
		sendMail:  smtp.SendMail,
	}, nil
}

// WithSendMail replaces the SMTP transport.
func (s *Service) WithSendMail(fn SendMailFunc) *Service {
	s.sendMail = fn
	return s
}

// Render produces the HTML body for templateName.
func (s *Service) Render(templateName string, data map[string]interface{}) (string, error) {
	var body bytes.Buffer
	if err := s.templates.ExecuteTemplate(&body, templateName+".html", data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", templateName, err)
	}
	return body.String(), nil
}

// Send renders the named template with the given data and sends an HTML email synchronously.
func (s *Service) Send(_ context.Context, to, subject, templateName string, data map[string]interface{}) error {
	if s.cfg.Host == "" {
		return fmt.Errorf("smtp host is not configured")
	}
	body, err := s.Render(templateName, data)
	if err != nil {
		return err
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=\"UTF-8\"\r\n\r\n%s",
		s.cfg.From, to, subject, body)

	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	if err := s.sendMail(addr, auth, s.cfg.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", to, err)
	}

	s.logger.Info("email sent", zap.String("to", to), zap.String("subject", subject))
	return nil
}

// SendAsync queues an email for delivery. The template is rendered up front
// so a bad template fails the caller rather than the worker.
func (s *Service) SendAsync(ctx context.Context, to, subject, templateName string, data map[string]interface{}) error {
	if _, err := s.Render(templateName, data); err != nil {
		return err
	}
	msg := Message{To: to, Subject: subject, TemplateName: templateName, Data: data}

	if s.redis == nil {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.deliver(context.WithoutCancel(ctx), msg)
		}()
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal email message: %w", err)
	}
	if err := s.redis.LPush(ctx, QueueKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue email: %w", err)
	}

	s.logger.Debug("email enqueued", zap.String("to", to), zap.String("subject", subject))
	return nil
}

func (s *Service) deliver(ctx context.Context, msg Message) {
	if err := s.Send(ctx, msg.To, msg.Subject, msg.TemplateName, msg.Data); err != nil {
		metrics.RecordEmailDelivery("failed")
		s.logger.Error("failed to send queued email",
			zap.String("to", msg.To),
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
		return
	}
	metrics.RecordEmailDelivery("sent")
}

// ProcessOne pops and delivers a single queued message, waiting up to wait
// for one to arrive. It reports whether a message was taken.
func (s *Service) ProcessOne(ctx context.Context, wait time.Duration) (bool, error) {
	if s.redis == nil {
		return false, fmt.Errorf("email queue is not configured")
	}
	result, err := s.redis.BRPop(ctx, wait, QueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to dequeue email: %w", err)
	}
	if len(result) < 2 {
		return false, nil
	}

	var msg Message
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		s.logger.Error("dropping malformed email message", zap.Error(err))
		return true, nil
	}
	s.deliver(ctx, msg)
	return true, nil
}

// ProcessQueue drains the queue until ctx is cancelled. Run it in a goroutine.
func (s *Service) ProcessQueue(ctx context.Context) {
	s.logger.Info("email queue processor started")
	defer s.logger.Info("email queue processor stopped")

	for ctx.Err() == nil {
		if _, err := s.ProcessOne(ctx, 5*time.Second); err != nil && ctx.Err() == nil {
			s.logger.Error("email queue error", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// Wait blocks until direct (unqueued) sends finish.
func (s *Service) Wait() {
	s.inflight.Wait()
}
