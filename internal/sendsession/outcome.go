package sendsession

import "fmt"

// Kind classifies the result of one send attempt
type Kind string

const (
	KindSent            Kind = "sent"
	KindLimitReached    Kind = "limit_reached"
	KindCaptchaResolved Kind = "captcha_resolved"
	KindFailed          Kind = "failed"
)

// Outcome is the result of SendOne. Count is the provider-reported daily
// counter for Sent, CaptchaResolved and LimitReached.
type Outcome struct {
	Kind   Kind
	Count  int
	Reason string
}

func Sent(count int) Outcome {
	return Outcome{Kind: KindSent, Count: count}
}

func LimitReached(count int) Outcome {
	return Outcome{Kind: KindLimitReached, Count: count}
}

func CaptchaResolved(count int) Outcome {
	return Outcome{Kind: KindCaptchaResolved, Count: count}
}

func Failed(reason string) Outcome {
	return Outcome{Kind: KindFailed, Reason: reason}
}

// Delivered reports whether the message went out
func (o Outcome) Delivered() bool {
	return o.Kind == KindSent || o.Kind == KindCaptchaResolved
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindFailed:
		return fmt.Sprintf("failed: %s", o.Reason)
	default:
		return fmt.Sprintf("%s (count %d)", o.Kind, o.Count)
	}
}
