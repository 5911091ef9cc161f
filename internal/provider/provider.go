package provider

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Provider identifies a supported cafe platform
type Provider string

const (
	Naver Provider = "naver"
	Daum  Provider = "daum"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrInvalidCafeURL  = errors.New("invalid cafe url")
)

// Info describes the fixed properties of a provider
type Info struct {
	Provider     Provider
	DefaultCap   int
	AuthCookies  []string // any one of these marks the jar as authenticated
	CookieDomain string
	CookieURLs   []string
	LoginURL     string
}

var infos = map[Provider]Info{
	Naver: {
		Provider:     Naver,
		DefaultCap:   50,
		AuthCookies:  []string{"NID_AUT"},
		CookieDomain: ".naver.com",
		CookieURLs:   []string{"https://naver.com", "https://nid.naver.com", "https://note.naver.com", "https://cafe.naver.com"},
		LoginURL:     "https://nid.naver.com/nidlogin.login",
	},
	Daum: {
		Provider:     Daum,
		DefaultCap:   20,
		AuthCookies:  []string{"LSID", "HM_CU"},
		CookieDomain: ".daum.net",
		CookieURLs:   []string{"https://daum.net", "https://logins.daum.net", "https://cafe.daum.net"},
		LoginURL:     "https://logins.daum.net/accounts/loginform.do",
	},
}

// All returns every supported provider in stable order
func All() []Provider {
	return []Provider{Naver, Daum}
}

// Parse converts a string to a Provider
func Parse(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := infos[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
	return p, nil
}

// Valid reports whether p is a supported provider
func (p Provider) Valid() bool {
	_, ok := infos[p]
	return ok
}

// Info returns provider properties. Unknown providers return a zero Info.
func (p Provider) Info() Info {
	return infos[p]
}

func (p Provider) String() string {
	return string(p)
}

// Detect guesses the provider from a cafe URL
func Detect(cafeURL string) Provider {
	if strings.Contains(cafeURL, "cafe.daum.net") {
		return Daum
	}
	return Naver
}

// CafeRef holds provider-side identifiers resolved from a cafe URL
type CafeRef struct {
	Provider Provider
	CafeID   string // naver numeric cafe id, daum group code
	BoardID  string // naver menu id, daum folder id
}

var naverCafeRe = regexp.MustCompile(`cafe\.naver\.com/f-e/cafes/(\d+)/menus/(\d+)`)

// ParseCafeURL resolves the cafe and board identifiers of a cafe URL
func ParseCafeURL(p Provider, raw string) (CafeRef, error) {
	switch p {
	case Naver:
		m := naverCafeRe.FindStringSubmatch(raw)
		if m == nil {
			return CafeRef{}, fmt.Errorf("%w: %s", ErrInvalidCafeURL, raw)
		}
		return CafeRef{Provider: Naver, CafeID: m[1], BoardID: m[2]}, nil
	case Daum:
		u, err := url.Parse(raw)
		if err != nil || !strings.HasSuffix(u.Host, "cafe.daum.net") {
			return CafeRef{}, fmt.Errorf("%w: %s", ErrInvalidCafeURL, raw)
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) == 0 || parts[0] == "" || strings.HasPrefix(parts[0], "_") {
			return CafeRef{}, fmt.Errorf("%w: %s", ErrInvalidCafeURL, raw)
		}
		ref := CafeRef{Provider: Daum, CafeID: parts[0]}
		if len(parts) > 1 {
			ref.BoardID = parts[1]
		}
		return ref, nil
	default:
		return CafeRef{}, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
}
