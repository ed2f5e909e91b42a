package executor

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/telemetry"
)

// FactoryConfig — зависимости и значения по умолчанию для исполнителей.
type FactoryConfig struct {
	RPC       RPC
	Confirmer Confirmer

	// Relay — опционален. Без него (или без credentials) bundle mode недоступен.
	Relay Relay

	Metrics *telemetry.Metrics
	Logger  *slog.Logger

	SkipPreflight bool
	MaxAttempts   int
	BundleTimeout time.Duration
}

// Factory выбирает исполнителя по параметрам кампании.
type Factory struct {
	direct *DirectExecutor
	bundle *BundleExecutor
	cfg    FactoryConfig
}

// NewFactory создаёт Factory.
func NewFactory(cfg FactoryConfig) *Factory {
	f := &Factory{
		cfg: cfg,
		direct: NewDirect(DirectConfig{
			RPC:       cfg.RPC,
			Confirmer: cfg.Confirmer,
			Metrics:   cfg.Metrics,
			Logger:    cfg.Logger,
		}),
	}
	if cfg.Relay != nil && cfg.Relay.HasCredentials() {
		f.bundle = NewBundle(BundleConfig{
			RPC:     cfg.RPC,
			Relay:   cfg.Relay,
			Metrics: cfg.Metrics,
			Logger:  cfg.Logger,
		})
	}
	return f
}

// ForCampaign возвращает исполнителя для кампании.
// Bundle mode без настроенного relay возвращает ErrBundleCredentialsMissing.
func (f *Factory) ForCampaign(p domain.CampaignParams) (Executor, error) {
	if !p.BundleMode {
		return f.direct, nil
	}
	if f.bundle == nil {
		return nil, fmt.Errorf("%w: jito endpoint or auth token not configured", ErrBundleCredentialsMissing)
	}
	return f.bundle, nil
}

// Direct возвращает прямой исполнитель (sweep всегда идёт напрямую).
func (f *Factory) Direct() Executor {
	return f.direct
}

// Options собирает Options из параметров кампании и настроек фабрики.
func (f *Factory) Options(p domain.CampaignParams) Options {
	return Options{
		SkipPreflight: f.cfg.SkipPreflight,
		MaxAttempts:   f.cfg.MaxAttempts,
		TipLamports:   p.TipLamports,
		BundleTimeout: f.cfg.BundleTimeout,
	}
}
