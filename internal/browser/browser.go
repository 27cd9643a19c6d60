// Package browser wraps chromedp behind the small page-driver surface the
// authentication engine needs: launch, navigate, probe/interact with
// elements, read page state, and capture persisted storage.
package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/estvita/partnergate/internal/browser/humanoid"
	"github.com/estvita/partnergate/internal/browser/stealth"
	"github.com/estvita/partnergate/internal/config"
)

// Page owns one browser process and one tab for the lifetime of a single
// authentication session. Browser instances are never shared across sessions.
type Page struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	humanoid *humanoid.Humanoid
}

// Launch starts a browser with fingerprint-reduction flags, applies the
// persona (user agent, viewport, locale, timezone) and the stealth init
// script, and returns a ready page.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Page, error) {
	log := logger.Named("browser")

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOptions(cfg)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(log.Sugar().Debugf),
		chromedp.WithErrorf(log.Sugar().Errorf),
	)

	p := &Page{
		logger:      log,
		cfg:         cfg,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}
	if cfg.HumanoidClicks {
		p.humanoid = humanoid.New(log)
	}

	init := chromedp.Tasks{
		chromedp.ActionFunc(func(c context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealth.EvasionsJS).Do(c)
			return err
		}),
		chromedp.ActionFunc(func(c context.Context) error {
			return emulation.SetTimezoneOverride(cfg.Timezone).Do(c)
		}),
		chromedp.ActionFunc(func(c context.Context) error {
			return emulation.SetLocaleOverride().WithLocale(cfg.Locale).Do(c)
		}),
		chromedp.EmulateViewport(int64(cfg.ViewportWidth), int64(cfg.ViewportHeight)),
		chromedp.Navigate("about:blank"),
	}
	if err := chromedp.Run(tabCtx, init); err != nil {
		p.Close(context.Background())
		return nil, fmt.Errorf("failed to initialize browser context: %w", err)
	}

	log.Info("Browser launched",
		zap.Bool("headless", cfg.Headless),
		zap.Int("viewport_width", cfg.ViewportWidth),
		zap.Int("viewport_height", cfg.ViewportHeight),
	)
	return p, nil
}

// allocatorOptions configures the flags for the browser executable.
func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	opts = append(opts,
		// Automation detection evasion.
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-infobars", true),

		// Stability in containerized environments.
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-gpu", cfg.Headless),
		chromedp.Flag("disable-software-rasterizer", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-hang-monitor", true),

		chromedp.Flag("window-position", "0,0"),
		chromedp.Flag("ignore-certificate-errors", cfg.IgnoreTLSErrors),
	)

	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight))
	}
	return opts
}

// actionContext derives a context tied to both the tab and the caller's
// context, so a caller timeout aborts the in-flight action without tearing
// down the tab itself.
func (p *Page) actionContext(opCtx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(p.tabCtx)
	go func() {
		select {
		case <-opCtx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()
	return runCtx, cancel
}

// Close tears down the tab and the browser process. Errors during close are
// deliberately not surfaced; there is nothing a caller can do with them.
func (p *Page) Close(_ context.Context) error {
	if p.tabCancel != nil {
		p.tabCancel()
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
	p.logger.Debug("Browser closed")
	return nil
}
