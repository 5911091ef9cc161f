package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxzi/cafenote/internal/provider"
)

var ErrLoginFormMissing = errors.New("login form not found")

type loginForm struct {
	idSelectors []string
	pwSelectors []string
}

var loginForms = map[provider.Provider]loginForm{
	provider.Naver: {
		idSelectors: []string{"#id", "input[name='id']"},
		pwSelectors: []string{"#pw", "input[name='pw']"},
	},
	provider.Daum: {
		idSelectors: []string{"input[name='loginId']", "#loginId", "#id"},
		pwSelectors: []string{"input[name='password']", "#inputPwd", "#pw"},
	},
}

// FillLogin types the stored credentials into the provider login form. It does
// not submit: the user finishes the login, including any second factor.
func FillLogin(ctx context.Context, page Page, p provider.Provider, loginID, password string) error {
	form, ok := loginForms[p]
	if !ok {
		return fmt.Errorf("%w: %q", provider.ErrUnknownProvider, p)
	}

	script := `(() => {
	const pick = (selectors) => {
		for (const s of selectors) {
			const el = document.querySelector(s);
			if (el) return el;
		}
		return null;
	};
	const idInput = pick(` + jsArray(form.idSelectors) + `);
	const pwInput = pick(` + jsArray(form.pwSelectors) + `);
	if (!idInput || !pwInput) return { ok: false };
	const fill = (el, value) => {
		el.focus();
		el.value = value;
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
	};
	fill(idInput, ` + jsString(loginID) + `);
	fill(pwInput, ` + jsString(password) + `);
	return { ok: true };
})()`

	res, err := page.RunScript(ctx, script)
	if err != nil {
		return fmt.Errorf("failed to fill login form: %w", err)
	}
	if !res.Get("ok").Bool() {
		return ErrLoginFormMissing
	}
	return nil
}
