// Package driver isolates the page-structure knowledge needed to send a message
// through a provider's compose page. Everything here is selector guessing and
// script injection; callers only see the Driver contract.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/foxzi/cafenote/internal/provider"
)

var (
	ErrComposeFieldMissing = errors.New("input area not found")
	ErrSendControlMissing  = errors.New("send button not found")
	ErrCounterUnavailable  = errors.New("daily counter not available")
)

// Page is a scriptable browser surface
type Page interface {
	RunScript(ctx context.Context, expr string) (gjson.Result, error)
}

// Driver knows how to operate one provider's compose page
type Driver interface {
	Provider() provider.Provider
	// ComposeURL is the compose page addressed to recipientKey
	ComposeURL(recipientKey string) string
	// SuppressDialogs replaces alert/confirm so they cannot block the page
	SuppressDialogs(ctx context.Context, page Page) error
	// ReadDailyCount returns the page's own "sent today" counter
	ReadDailyCount(ctx context.Context, page Page) (int, error)
	// LocateComposeField finds the compose field and fills it with body
	LocateComposeField(ctx context.Context, page Page, body string) error
	// TriggerSend invokes the native send handler or clicks the send control
	TriggerSend(ctx context.Context, page Page) error
	// DetectCaptcha reports whether a CAPTCHA overlay is visible
	DetectCaptcha(ctx context.Context, page Page) (bool, error)
	// IsCompletionURL reports whether url is the page shown after a send
	IsCompletionURL(url string) bool
}

// For returns the driver of a provider
func For(p provider.Provider) (Driver, error) {
	switch p {
	case provider.Naver:
		return NewNaver(), nil
	case provider.Daum:
		return NewDaum(), nil
	}
	return nil, fmt.Errorf("%w: %q", provider.ErrUnknownProvider, p)
}

// scriptDriver implements Driver from a table of page facts
type scriptDriver struct {
	provider        provider.Provider
	composeURL      string // contains one %s for the escaped recipient key
	counterExpr     string
	fieldSelectors  []string
	hookObject      string
	hookMethod      string
	sendSelectors   []string
	captchaSelector string
	completionMarks []string
}

func (d *scriptDriver) Provider() provider.Provider {
	return d.provider
}

func (d *scriptDriver) ComposeURL(recipientKey string) string {
	return fmt.Sprintf(d.composeURL, url.QueryEscape(recipientKey))
}

const suppressDialogsScript = `(() => {
	window.alert = function () {};
	window.confirm = function () { return true; };
	window.prompt = function () { return null; };
	return true;
})()`

func (d *scriptDriver) SuppressDialogs(ctx context.Context, page Page) error {
	if _, err := page.RunScript(ctx, suppressDialogsScript); err != nil {
		return fmt.Errorf("failed to suppress dialogs: %w", err)
	}
	return nil
}

func (d *scriptDriver) ReadDailyCount(ctx context.Context, page Page) (int, error) {
	script := `(() => {
	try {
		const v = ` + d.counterExpr + `;
		if (v === undefined || v === null || v === '') return null;
		const n = Number(v);
		return Number.isFinite(n) ? n : null;
	} catch (e) {
		return null;
	}
})()`

	res, err := page.RunScript(ctx, script)
	if err != nil {
		return 0, fmt.Errorf("failed to read daily count: %w", err)
	}
	if res.Type != gjson.Number {
		return 0, ErrCounterUnavailable
	}
	return int(res.Int()), nil
}

func (d *scriptDriver) LocateComposeField(ctx context.Context, page Page, body string) error {
	script := `(() => {
	const selectors = ` + jsArray(d.fieldSelectors) + `;
	let el = null;
	for (const s of selectors) {
		el = document.querySelector(s);
		if (el) break;
	}
	if (!el) return { ok: false };
	el.focus();
	el.value = ` + "`" + EscapeBody(body) + "`" + `;
	el.dispatchEvent(new Event('input', { bubbles: true }));
	el.dispatchEvent(new Event('change', { bubbles: true }));
	el.dispatchEvent(new KeyboardEvent('keyup', { bubbles: true }));
	return { ok: true };
})()`

	res, err := page.RunScript(ctx, script)
	if err != nil {
		return fmt.Errorf("failed to fill compose field: %w", err)
	}
	if !res.Get("ok").Bool() {
		return ErrComposeFieldMissing
	}
	return nil
}

func (d *scriptDriver) TriggerSend(ctx context.Context, page Page) error {
	script := `(() => {
	const target = (typeof ` + d.hookObject + ` !== 'undefined') ? ` + d.hookObject + ` : null;
	if (target && typeof target[` + jsString(d.hookMethod) + `] === 'function') {
		target[` + jsString(d.hookMethod) + `]();
		return { via: 'hook' };
	}
	const selectors = ` + jsArray(d.sendSelectors) + `;
	for (const s of selectors) {
		const btn = document.querySelector(s);
		if (btn) {
			btn.click();
			return { via: 'click' };
		}
	}
	return { via: null };
})()`

	res, err := page.RunScript(ctx, script)
	if err != nil {
		return fmt.Errorf("failed to trigger send: %w", err)
	}
	if res.Get("via").String() == "" {
		return ErrSendControlMissing
	}
	return nil
}

func (d *scriptDriver) DetectCaptcha(ctx context.Context, page Page) (bool, error) {
	script := `(() => {
	const el = document.querySelector(` + jsString(d.captchaSelector) + `);
	if (!el) return false;
	const style = window.getComputedStyle(el);
	return style.display !== 'none' && style.visibility !== 'hidden';
})()`

	res, err := page.RunScript(ctx, script)
	if err != nil {
		return false, fmt.Errorf("failed to check captcha: %w", err)
	}
	return res.Bool(), nil
}

func (d *scriptDriver) IsCompletionURL(u string) bool {
	for _, mark := range d.completionMarks {
		if strings.Contains(u, mark) {
			return true
		}
	}
	return false
}

// EscapeBody makes s safe inside a JavaScript template literal
func EscapeBody(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		"`", "\\`",
		`$`, `\$`,
	)
	return r.Replace(s)
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func jsArray(items []string) string {
	b, _ := json.Marshal(items)
	return string(b)
}
