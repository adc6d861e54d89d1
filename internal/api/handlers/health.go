package handlers

import (
	"net/http"
	"os"
	"time"

	"github.com/arturkryukov/artsore/archive-node/internal/config"
)

// ReadinessChecker — готовность каталога; реализуется database.ReadinessChecker.
type ReadinessChecker interface {
	CheckReady() (status string, message string)
}

// probeResult — одна строка раздела checks ответа /health/ready.
type probeResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

const (
	probeOK       = "ok"
	probeFail     = "fail"
	probeDegraded = "degraded"
)

// HealthHandler обслуживает пробы Kubernetes.
type HealthHandler struct {
	version     string
	volumesRoot string
	walDir      string
	backlogDir  string
	catalog     ReadinessChecker // nil для каталога в памяти
}

func NewHealthHandler(volumesRoot, walDir, backlogDir string, catalog ReadinessChecker) *HealthHandler {
	return &HealthHandler{
		version:     config.Version,
		volumesRoot: volumesRoot,
		walDir:      walDir,
		backlogDir:  backlogDir,
		catalog:     catalog,
	}
}

type healthBody struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp string                 `json:"timestamp"`
	Checks    map[string]probeResult `json:"checks,omitempty"`
}

func (h *HealthHandler) body(status string) healthBody {
	return healthBody{
		Status:    status,
		Service:   "archive-node",
		Version:   h.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// HealthLive — процесс жив; зависимости не проверяются.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.body(probeOK))
}

// HealthReady проверяет корень томов, журнал намерений, backlog и каталог.
// Без томов, журнала или каталога узел не принимает файлы (503);
// недоступный backlog лишь понижает статус до degraded.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	checks := map[string]probeResult{
		"volumes": writableDir(h.volumesRoot),
		"wal":     writableDir(h.walDir),
		"backlog": writableDir(h.backlogDir),
		"catalog": {Status: probeOK, Message: "каталог в памяти"},
	}
	if h.catalog != nil {
		status, msg := h.catalog.CheckReady()
		checks["catalog"] = probeResult{Status: status, Message: msg}
	}

	status, code := probeOK, http.StatusOK
	for _, name := range []string{"volumes", "wal", "catalog"} {
		if checks[name].Status != probeOK {
			status, code = probeFail, http.StatusServiceUnavailable
		}
	}
	if status == probeOK && checks["backlog"].Status != probeOK {
		status = probeDegraded
	}

	body := h.body(status)
	body.Checks = checks
	writeJSON(w, code, body)
}

// writableDir пробует создать и удалить временный файл в dir.
func writableDir(dir string) probeResult {
	if dir == "" {
		return probeResult{Status: probeOK, Message: "не настроено"}
	}
	f, err := os.CreateTemp(dir, ".ready-*")
	if err != nil {
		return probeResult{Status: probeFail, Message: err.Error()}
	}
	f.Close()
	_ = os.Remove(f.Name())
	return probeResult{Status: probeOK}
}
