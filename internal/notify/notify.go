// Пакет notify — канал уведомлений оператора.
//
// Каждое событие пишется в лог. Если настроен SMTP, событие также
// отправляется письмом; одинаковые события (по Key) отправляются
// не чаще одного раза за заданный интервал.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jordan-wright/email"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

// Level — важность уведомления.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelAlarm   Level = "alarm"
)

// Event — уведомление оператору.
type Event struct {
	Level Level
	// Key — ключ дедупликации ("disk_completed:<disk_id>"); пусто — Subject
	Key     string
	Subject string
	Message string
	Fields  map[string]string
}

// Notifier — получатель уведомлений.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Sender — транспорт доставки уведомлений.
type Sender interface {
	Send(ctx context.Context, subject, body string) error
}

var notificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "an_notifications_total",
		Help: "Количество уведомлений оператора по уровню и результату отправки",
	},
	[]string{"level", "result"},
)

// Dispatcher — реализация Notifier: лог + опциональный Sender.
type Dispatcher struct {
	sender Sender
	every  time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDispatcher создаёт диспетчер. sender может быть nil (только лог).
// every — минимальный интервал между отправками одного и того же события.
func NewDispatcher(sender Sender, every time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:   sender,
		every:    every,
		logger:   logger.With(slog.String("component", "notify")),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Notify логирует событие и отправляет его через Sender, если позволяет лимит.
// Ошибки отправки только логируются.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) {
	attrs := []any{
		slog.String("level", string(ev.Level)),
		slog.String("subject", ev.Subject),
	}
	for _, k := range sortedKeys(ev.Fields) {
		attrs = append(attrs, slog.String(k, ev.Fields[k]))
	}
	switch ev.Level {
	case LevelAlarm:
		d.logger.Error(ev.Message, attrs...)
	case LevelWarning:
		d.logger.Warn(ev.Message, attrs...)
	default:
		d.logger.Info(ev.Message, attrs...)
	}

	if d.sender == nil {
		notificationsTotal.WithLabelValues(string(ev.Level), "logged").Inc()
		return
	}
	if !d.allow(ev) {
		notificationsTotal.WithLabelValues(string(ev.Level), "suppressed").Inc()
		return
	}

	if err := d.sender.Send(ctx, ev.Subject, Format(ev)); err != nil {
		notificationsTotal.WithLabelValues(string(ev.Level), "error").Inc()
		d.logger.Warn("Не удалось отправить уведомление",
			slog.String("subject", ev.Subject),
			slog.String("error", err.Error()),
		)
		return
	}
	notificationsTotal.WithLabelValues(string(ev.Level), "sent").Inc()
}

func (d *Dispatcher) allow(ev Event) bool {
	if d.every <= 0 {
		return true
	}
	key := ev.Key
	if key == "" {
		key = ev.Subject
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(d.every), 1)
		d.limiters[key] = l
	}
	return l.Allow()
}

// Format строит текст письма.
func Format(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n\n%s\n", strings.ToUpper(string(ev.Level)), ev.Subject, ev.Message)
	if len(ev.Fields) > 0 {
		b.WriteString("\n")
		for _, k := range sortedKeys(ev.Fields) {
			fmt.Fprintf(&b, "%s: %s\n", k, ev.Fields[k])
		}
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SMTPSender отправляет уведомления письмом.
type SMTPSender struct {
	addr   string
	from   string
	to     []string
	prefix string
	auth   smtp.Auth
}

// NewSMTPSender создаёт отправителя. prefix добавляется к теме письма (обычно id узла).
func NewSMTPSender(addr, from string, to []string, prefix string, auth smtp.Auth) *SMTPSender {
	return &SMTPSender{addr: addr, from: from, to: to, prefix: prefix, auth: auth}
}

// Send отправляет письмо. Контекст проверяется только перед отправкой:
// net/smtp не поддерживает отмену.
func (s *SMTPSender) Send(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := email.NewEmail()
	e.From = s.from
	e.To = s.to
	if s.prefix != "" {
		subject = "[" + s.prefix + "] " + subject
	}
	e.Subject = subject
	e.Text = []byte(body)
	if err := e.Send(s.addr, s.auth); err != nil {
		return fmt.Errorf("ошибка отправки письма через %s: %w", s.addr, err)
	}
	return nil
}

// Discard — Notifier, игнорирующий события.
type Discard struct{}

func (Discard) Notify(context.Context, Event) {}
