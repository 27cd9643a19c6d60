package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"
)

// StorageState is the serializable session artifact captured from an
// authenticated browser context: cookies plus web storage snapshots.
type StorageState struct {
	URL            string            `json:"url"`
	CapturedAt     time.Time         `json:"captured_at"`
	Cookies        []*network.Cookie `json:"cookies"`
	LocalStorage   map[string]string `json:"local_storage"`
	SessionStorage map[string]string `json:"session_storage"`
}

// jsArg embeds a Go string into a script as a JS string literal.
func jsArg(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Navigate loads url and waits for the body element to be ready.
func (p *Page) Navigate(ctx context.Context, url string) error {
	p.logger.Debug("Navigating", zap.String("url", url))
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	return chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// WaitReady waits up to timeout for the document to settle. A timeout is
// returned as an error but is tolerated by the engine, matching the
// "continue anyway" load-state contract.
func (p *Page) WaitReady(ctx context.Context, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	runCtx, runCancel := p.actionContext(waitCtx)
	defer runCancel()
	return chromedp.Run(runCtx,
		chromedp.Poll(`document.readyState === "complete"`, nil,
			chromedp.WithPollingInterval(250*time.Millisecond)),
	)
}

// Content returns the full serialized HTML of the current document.
func (p *Page) Content(ctx context.Context) (string, error) {
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}
	return html, nil
}

// Title returns the current document title.
func (p *Page) Title(ctx context.Context) (string, error) {
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	var title string
	if err := chromedp.Run(runCtx, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("failed to read page title: %w", err)
	}
	return title, nil
}

// URL returns the current document location.
func (p *Page) URL(ctx context.Context) (string, error) {
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	var loc string
	if err := chromedp.Run(runCtx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("failed to read page location: %w", err)
	}
	return loc, nil
}

// Count returns how many elements match the selector.
func (p *Page) Count(ctx context.Context, selector string) (int, error) {
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	script := fmt.Sprintf(`document.querySelectorAll(%s).length`, jsArg(selector))
	var count int
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &count)); err != nil {
		return 0, fmt.Errorf("failed to count %q: %w", selector, err)
	}
	return count, nil
}

// IsVisible reports whether the first element matching the selector exists
// and is rendered (not display:none/visibility:hidden and has a box).
func (p *Page) IsVisible(ctx context.Context, selector string) (bool, error) {
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		const style = window.getComputedStyle(el);
		if (style.display === "none" || style.visibility === "hidden") return false;
		const rect = el.getBoundingClientRect();
		return rect.width > 0 && rect.height > 0;
	})()`, jsArg(selector))
	var visible bool
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &visible)); err != nil {
		return false, fmt.Errorf("failed to probe visibility of %q: %w", selector, err)
	}
	return visible, nil
}

// Text returns the text content of the first element matching the selector.
func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		return el ? (el.textContent || "") : "";
	})()`, jsArg(selector))
	var text string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &text)); err != nil {
		return "", fmt.Errorf("failed to read text of %q: %w", selector, err)
	}
	return text, nil
}

// Click clicks the first element matching the selector. With force set, the
// click is dispatched through script instead, which works on controls that
// are overlaid or report as non-interactable.
func (p *Page) Click(ctx context.Context, selector string, force bool) error {
	p.logger.Debug("Clicking", zap.String("selector", selector), zap.Bool("force", force))
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()

	if force {
		script := fmt.Sprintf(`(() => {
			const el = document.querySelector(%s);
			if (!el) return false;
			el.click();
			return true;
		})()`, jsArg(selector))
		var clicked bool
		if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &clicked)); err != nil {
			return fmt.Errorf("scripted click on %q failed: %w", selector, err)
		}
		if !clicked {
			return fmt.Errorf("scripted click on %q failed: no such element", selector)
		}
		return nil
	}

	if p.humanoid != nil {
		if err := p.humanoid.HoverClick(runCtx, selector); err == nil {
			return nil
		}
		// Fall through to a plain click if the humanoid path could not
		// resolve coordinates.
	}
	return chromedp.Run(runCtx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

// Fill focuses the first matching element and replaces its value, firing the
// input/change events frameworks listen for.
func (p *Page) Fill(ctx context.Context, selector, value string) error {
	p.logger.Debug("Filling", zap.String("selector", selector), zap.Int("length", len(value)))
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		el.focus();
		const proto = el instanceof HTMLTextAreaElement
			? HTMLTextAreaElement.prototype
			: HTMLInputElement.prototype;
		const setter = Object.getOwnPropertyDescriptor(proto, "value").set;
		setter.call(el, %s);
		el.dispatchEvent(new Event("input", { bubbles: true }));
		el.dispatchEvent(new Event("change", { bubbles: true }));
		return true;
	})()`, jsArg(selector), jsArg(value))
	var filled bool
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &filled)); err != nil {
		return fmt.Errorf("failed to fill %q: %w", selector, err)
	}
	if !filled {
		return fmt.Errorf("failed to fill %q: no such element", selector)
	}
	return nil
}

// Press sends a single named key (e.g. "Enter") to the focused element.
func (p *Page) Press(ctx context.Context, key string) error {
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	if key == "Enter" {
		key = kb.Enter
	}
	return chromedp.Run(runCtx, chromedp.KeyEvent(key))
}

// TypeText types text into the focused element one key at a time, which is
// what segmented code inputs expect.
func (p *Page) TypeText(ctx context.Context, text string) error {
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.KeyEvent(text))
}

// Evaluate runs a script in the page, discarding the result.
func (p *Page) Evaluate(ctx context.Context, script string) error {
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Evaluate(script, nil))
}

// StorageState captures cookies plus local/session storage from the current
// origin. The result is the reusable session artifact.
func (p *Page) StorageState(ctx context.Context) (*StorageState, error) {
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()

	state := &StorageState{CapturedAt: time.Now().UTC()}
	webStorageScript := func(kind string) string {
		return fmt.Sprintf(`(() => {
			const out = {};
			try {
				for (let i = 0; i < %[1]s.length; i++) {
					const key = %[1]s.key(i);
					out[key] = %[1]s.getItem(key);
				}
			} catch (e) {}
			return out;
		})()`, kind)
	}

	tasks := chromedp.Tasks{
		chromedp.Location(&state.URL),
		chromedp.ActionFunc(func(c context.Context) error {
			cookies, err := network.GetCookies().Do(c)
			if err != nil {
				return err
			}
			state.Cookies = cookies
			return nil
		}),
		chromedp.Evaluate(webStorageScript("localStorage"), &state.LocalStorage),
		chromedp.Evaluate(webStorageScript("sessionStorage"), &state.SessionStorage),
	}
	if err := chromedp.Run(runCtx, tasks); err != nil {
		return nil, fmt.Errorf("failed to capture storage state: %w", err)
	}

	p.logger.Info("Storage state captured",
		zap.Int("cookies", len(state.Cookies)),
		zap.Int("local_storage_keys", len(state.LocalStorage)),
	)
	return state, nil
}
