package signal

import (
	"context"
	"log/slog"
	"time"

	"trailguard/internal/config"
)

// Loop polls the signal source on a fixed interval and feeds fresh signals to
// the controller. A signal is fresh when its directive text differs from the
// last applied one; re-publishing the same directive is a no-op.
type Loop struct {
	src    Source
	ctrl   *Controller
	cfg    *config.Config
	logger *slog.Logger

	lastText string
	hasLast  bool
}

// NewLoop creates the signal-processing loop.
func NewLoop(src Source, ctrl *Controller, cfg *config.Config, logger *slog.Logger) *Loop {
	return &Loop{src: src, ctrl: ctrl, cfg: cfg, logger: logger}
}

// Run polls until ctx is cancelled. Per-iteration failures are logged and the
// loop proceeds to the next tick.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("[SIGNAL] Starting signal processing loop",
		"interval", l.cfg.SignalPollInterval,
	)
	l.ctrl.Restore(ctx)

	ticker := time.NewTicker(l.cfg.SignalPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("[SIGNAL] Signal loop stopped")
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick fetches and, when new, applies the current signal.
func (l *Loop) tick(ctx context.Context) {
	sig, err := l.src.Fetch(ctx)
	if err != nil {
		l.logger.Error("[SIGNAL] Error fetching signal", "error", err)
		return
	}
	if sig == nil {
		l.logger.Debug("[SIGNAL] No signal available")
		return
	}
	if !l.isNew(sig.LastSignal.Text) {
		l.logger.Debug("[SIGNAL] Signal identical to the last one")
		return
	}

	l.logger.Info("[SIGNAL] New signal detected", "text", sig.LastSignal.Text)
	order, err := l.ctrl.Process(ctx, sig)
	switch {
	case err != nil:
		l.logger.Error("[SIGNAL] Signal processing failed", "error", err)
	case order != nil:
		l.logger.Info("[SIGNAL] Order processed successfully", "order_id", order.ID)
	default:
		l.logger.Info("[SIGNAL] Signal resolved to no action")
	}

	// The signal counts as applied regardless of outcome; only a different
	// directive text will trigger processing again.
	l.lastText = sig.LastSignal.Text
	l.hasLast = true
}

// isNew reports whether the directive text differs from the last applied one.
func (l *Loop) isNew(text string) bool {
	return !l.hasLast || text != l.lastText
}
