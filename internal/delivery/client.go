// Пакет delivery — HTTP-клиент передачи файлов подписчикам.
// Поддерживает TLS с кастомным CA (AN_DELIVERY_CA_CERT) и bearer-токен
// (AN_DELIVERY_TOKEN). Файл отправляется POST-запросом на URL подписчика.
package delivery

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
)

// Заголовки с метаданными файла.
const (
	HeaderFileID          = "NGAS-File-Id"
	HeaderFileVersion     = "NGAS-File-Version"
	HeaderChecksum        = "NGAS-Checksum"
	HeaderChecksumVariant = "NGAS-Checksum-Variant"
)

// maxErrorBody — сколько байт тела ответа с ошибкой попадает в текст ошибки.
const maxErrorBody = 512

// TokenProvider — функция, возвращающая токен для заголовка Authorization.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken возвращает TokenProvider с постоянным токеном.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

// Client — HTTP-клиент доставки.
type Client struct {
	httpClient    *http.Client
	tokenProvider TokenProvider
	logger        *slog.Logger
}

// New создаёт клиент доставки.
// caCertPath — путь к CA-сертификату для TLS (пустая строка — стандартный пул).
// timeout — ограничение одной передачи целиком; превышение — временная ошибка.
// tokenProvider может быть nil.
func New(caCertPath string, timeout time.Duration, tokenProvider TokenProvider, logger *slog.Logger) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата доставки: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		logger.Info("CA-сертификат доставки добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	return &Client{
		httpClient:    &http.Client{Timeout: timeout, Transport: transport},
		tokenProvider: tokenProvider,
		logger:        logger.With(slog.String("component", "delivery_client")),
	}, nil
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("в %s нет PEM-сертификатов", caCertPath)
	}

	return &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// Send передаёт содержимое body подписчику по адресу target.
//
// Ошибки:
//   - KindDeliveryTransient — сеть, таймаут, 5xx, 408, 429
//   - KindDeliveryPermanent — прочие 4xx и некорректный запрос
func (c *Client) Send(ctx context.Context, target string, rec *model.FileRecord, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return model.E(model.KindDeliveryPermanent, "delivery.send", "некорректный URL подписчика", err).
			With("url", target)
	}
	req.ContentLength = rec.Size
	req.Header.Set("Content-Type", rec.MimeType)
	req.Header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.FileID))
	req.Header.Set(HeaderFileID, rec.FileID)
	req.Header.Set(HeaderFileVersion, strconv.Itoa(rec.FileVersion))
	req.Header.Set(HeaderChecksum, rec.Checksum)
	req.Header.Set(HeaderChecksumVariant, rec.ChecksumVariant)

	if c.tokenProvider != nil {
		token, err := c.tokenProvider(ctx)
		if err != nil {
			return model.E(model.KindDeliveryTransient, "delivery.token", "не удалось получить токен", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.E(model.KindDeliveryTransient, "delivery.send", transportReason(err), err).
			With("url", target)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck // повторное использование соединения
		c.logger.Debug("Файл передан",
			slog.String("url", target),
			slog.String("file_id", rec.FileID),
			slog.Int("file_version", rec.FileVersion),
			slog.Int("status", resp.StatusCode),
		)
		return nil
	}

	text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	kind := model.KindDeliveryTransient
	if Permanent(resp.StatusCode) {
		kind = model.KindDeliveryPermanent
	}
	return model.E(kind, "delivery.send", fmt.Sprintf("подписчик вернул статус %d", resp.StatusCode), nil).
		With("url", target).
		With("status", strconv.Itoa(resp.StatusCode)).
		With("body", string(text))
}

// Permanent сообщает, означает ли код ответа постоянную ошибку:
// 4xx, кроме 408 и 429.
func Permanent(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}

func transportReason(err error) string {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "таймаут передачи"
	}
	return "подписчик недоступен"
}
