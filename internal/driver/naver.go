package driver

import "github.com/foxzi/cafenote/internal/provider"

// NewNaver returns the driver for the Naver note compose popup
func NewNaver() Driver {
	return &scriptDriver{
		provider:        provider.Naver,
		composeURL:      "https://note.naver.com/note/sendForm.nhn?popup=1&svcType=2&targetCafeMemberKey=%s",
		counterExpr:     "oNote.todaySentCount",
		fieldSelectors:  []string{"#writeNote", "textarea[name='content']"},
		hookObject:      "nWrite",
		hookMethod:      "clickSendMemo",
		sendSelectors:   []string{`a._click\(nWrite\|clickSendMemo\)`, ".btns a.button.b"},
		captchaSelector: "#note_captcha",
		completionMarks: []string{"sendComplete", "note/list"},
	}
}
