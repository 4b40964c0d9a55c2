package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// rodPage adapts a Rod page to the Page interface. When the page rides on
// a dedicated headed browser it also owns that browser's lifecycle.
type rodPage struct {
	page       *rod.Page
	navTimeout time.Duration
	logger     *slog.Logger

	// Set only for headed pages: closing the page closes these too.
	ownedBrowser *rod.Browser
	ownedLnch    *launcher.Launcher
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, p.navTimeout)
	defer cancel()

	if err := p.page.Context(navCtx).Navigate(url); err != nil {
		if navCtx.Err() != nil {
			return fmt.Errorf("%w: %s", ErrNavigationTimeout, url)
		}
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}

	if err := p.page.Context(navCtx).WaitLoad(); err != nil {
		if navCtx.Err() != nil && ctx.Err() == nil {
			// Load event never fired inside the window; the DOM that did
			// arrive is still usable, so log and carry on.
			p.logger.Warn("browser: wait load timeout", "url", url, "error", err)
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s", ErrNavigationTimeout, url)
		}
		p.logger.Warn("browser: wait load failed", "url", url, "error", err)
	}
	return nil
}

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	res, err := p.page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("browser: get DOM: %w", err)
	}
	return res.Value.Str(), nil
}

func (p *rodPage) Has(selector string) (bool, error) {
	ok, _, err := p.page.Has(selector)
	if err != nil {
		return false, fmt.Errorf("browser: has %q: %w", selector, err)
	}
	return ok, nil
}

func (p *rodPage) Elements(selector string) ([]Element, error) {
	els, err := p.page.Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("browser: elements %q: %w", selector, err)
	}
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, &rodElement{el: el})
	}
	return out, nil
}

func (p *rodPage) Click(selector string) error {
	ok, el, err := p.page.Has(selector)
	if err != nil {
		return fmt.Errorf("browser: find %q: %w", selector, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoElement, selector)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("browser: click %q: %w", selector, err)
	}
	return nil
}

func (p *rodPage) SetStorageState(ctx context.Context, state *StorageState) error {
	if state == nil {
		return nil
	}

	if len(state.Cookies) > 0 {
		if err := p.page.SetCookies(cookieParams(state.Cookies)); err != nil {
			return fmt.Errorf("browser: set cookies: %w", err)
		}
	}

	// localStorage is origin-scoped: visit each origin to install its items.
	for _, origin := range state.Origins {
		if origin.Origin == "" || len(origin.LocalStorage) == 0 {
			continue
		}
		if err := p.Navigate(ctx, origin.Origin); err != nil {
			return err
		}
		data, err := json.Marshal(origin.LocalStorage)
		if err != nil {
			return fmt.Errorf("browser: marshal localStorage: %w", err)
		}
		_, err = p.page.Context(ctx).Eval(`(raw) => {
			for (const it of JSON.parse(raw)) {
				localStorage.setItem(it.name, it.value);
			}
		}`, string(data))
		if err != nil {
			return fmt.Errorf("browser: install localStorage for %s: %w", origin.Origin, err)
		}
	}
	return nil
}

func (p *rodPage) CaptureStorageState(ctx context.Context) (*StorageState, error) {
	cookies, err := p.page.Browser().GetCookies()
	if err != nil {
		return nil, fmt.Errorf("browser: get cookies: %w", err)
	}
	state := &StorageState{Cookies: fromNetworkCookies(cookies)}

	// Only the current origin's localStorage is readable; best effort.
	res, err := p.page.Context(ctx).Eval(`() => {
		const items = [];
		for (let i = 0; i < localStorage.length; i++) {
			const k = localStorage.key(i);
			items.push({name: k, value: localStorage.getItem(k)});
		}
		return JSON.stringify({origin: location.origin, localStorage: items});
	}`)
	if err != nil {
		p.logger.Warn("browser: read localStorage failed", "error", err)
		return state, nil
	}

	var origin OriginState
	if err := json.Unmarshal([]byte(res.Value.Str()), &origin); err == nil && len(origin.LocalStorage) > 0 {
		state.Origins = append(state.Origins, origin)
	}
	return state, nil
}

func (p *rodPage) CookieCount(ctx context.Context) (int, error) {
	cookies, err := p.page.Browser().GetCookies()
	if err != nil {
		return 0, fmt.Errorf("browser: get cookies: %w", err)
	}
	return len(cookies), nil
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := p.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}
	return data, nil
}

func (p *rodPage) Close() error {
	err := p.page.Close()
	if p.ownedBrowser != nil {
		p.ownedBrowser.Close()
		p.ownedBrowser = nil
	}
	if p.ownedLnch != nil {
		p.ownedLnch.Cleanup()
		p.ownedLnch = nil
	}
	return err
}

// rodElement adapts a matched Rod element. Read accessors swallow errors:
// extraction treats an unreadable node as an absent field, not a failure.
type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Text() string {
	text, err := e.el.Text()
	if err != nil {
		return ""
	}
	return text
}

func (e *rodElement) Attr(name string) string {
	v, err := e.el.Attribute(name)
	if err != nil || v == nil {
		return ""
	}
	return *v
}

func (e *rodElement) HTML() string {
	h, err := e.el.HTML()
	if err != nil {
		return ""
	}
	return h
}

func (e *rodElement) Find(selector string) Element {
	ok, el, err := e.el.Has(selector)
	if err != nil || !ok {
		return nil
	}
	return &rodElement{el: el}
}
