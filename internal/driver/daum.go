package driver

import "github.com/foxzi/cafenote/internal/provider"

// NewDaum returns the driver for the Daum cafe note compose page
func NewDaum() Driver {
	return &scriptDriver{
		provider:        provider.Daum,
		composeURL:      "https://cafe.daum.net/_c21_/note_write?receiverid=%s",
		counterExpr:     "window.todaySendCount",
		fieldSelectors:  []string{"textarea#noteContent", "textarea[name='content']"},
		hookObject:      "window",
		hookMethod:      "sendNote",
		sendSelectors:   []string{".btn_send", "button[type='submit']"},
		captchaSelector: "#captchaLayer",
		completionMarks: []string{"note_complete", "/note/sent"},
	}
}
