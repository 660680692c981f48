package canvas

import (
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"CanvasPilot/internal/config"
	"CanvasPilot/internal/ports"
)

// Factory builds per-credential clients that share one HTTP transport.
// Each API key gets its own token bucket, kept for the life of the process.
type Factory struct {
	cfg    config.CanvasConfig
	http   *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewFactory(cfg config.CanvasConfig, logger *slog.Logger) *Factory {
	return &Factory{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// For returns a client bound to apiKey. It satisfies ports.LMSFactory.
func (f *Factory) For(apiKey string) ports.LMS {
	return NewClient(Options{
		BaseURL:     f.cfg.BaseURL,
		APIKey:      apiKey,
		CourseScope: f.cfg.CourseScope,
		PageSize:    f.cfg.PageSize,
		Concurrency: f.cfg.Concurrency,
		HTTPClient:  f.http,
		Limiter:     f.limiter(apiKey),
		Logger:      f.logger,
	})
}

func (f *Factory) limiter(apiKey string) *rate.Limiter {
	if f.cfg.RequestsPerSecond <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.limiters[apiKey]; ok {
		return l
	}
	burst := f.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(f.cfg.RequestsPerSecond), burst)
	f.limiters[apiKey] = l
	return l
}
