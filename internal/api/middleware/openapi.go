// openapi.go — проверка query-параметров команд по встроенному OpenAPI-документу.
// Тела запросов (содержимое файлов) не проверяются.
package middleware

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	apierrors "github.com/arturkryukov/artsore/archive-node/internal/api/errors"
)

//go:embed openapi.yaml
var openapiDocument []byte

// RequestValidator проверяет запросы по OpenAPI-документу.
type RequestValidator struct {
	router routers.Router
	logger *slog.Logger
}

// NewRequestValidator загружает и проверяет встроенный документ.
func NewRequestValidator(logger *slog.Logger) (*RequestValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiDocument)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки OpenAPI-документа: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("некорректный OpenAPI-документ: %w", err)
	}
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("ошибка построения маршрутов OpenAPI: %w", err)
	}
	return &RequestValidator{
		router: router,
		logger: logger.With(slog.String("component", "openapi")),
	}, nil
}

// Middleware возвращает 400 VALIDATION_ERROR для запросов с некорректными
// параметрами. Маршруты, которых нет в документе, пропускаются без проверки.
func (v *RequestValidator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, pathParams, err := v.router.FindRoute(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options: &openapi3filter.Options{
					ExcludeRequestBody: true,
					AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
				},
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				msg := validationMessage(err)
				v.logger.Debug("Запрос отклонён валидатором",
					slog.String("path", r.URL.Path),
					slog.String("error", msg),
				)
				apierrors.ValidationError(w, msg)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// validationMessage сокращает сообщение до имени параметра и причины.
func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) && reqErr.Parameter != nil {
		reason := reqErr.Reason
		if reason == "" && reqErr.Err != nil {
			reason = reqErr.Err.Error()
		}
		return fmt.Sprintf("параметр %q: %s", reqErr.Parameter.Name, reason)
	}
	return err.Error()
}
