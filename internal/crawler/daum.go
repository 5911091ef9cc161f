package crawler

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/foxzi/cafenote/internal/models"
	"github.com/foxzi/cafenote/internal/provider"
)

const daumPageSize = 20

var (
	grpidScriptRe    = regexp.MustCompile(`(?i)grpid\s*[:=]\s*["']([A-Za-z0-9_-]+)["']`)
	roleCodeScriptRe = regexp.MustCompile(`(?i)rolecode\s*[:=]\s*["']?(\d+)`)
)

// DaumSource reads daum cafe boards. Discovery of a cafe requires the viewer's
// role code on the board page to be above MinRoleCode.
type DaumSource struct {
	httpSource
	minRoleCode int
}

// NewDaumSource creates a daum listing source. BaseURL defaults to https://cafe.daum.net.
func NewDaumSource(cfg HTTPConfig, minRoleCode int) *DaumSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://cafe.daum.net"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &DaumSource{httpSource: newHTTPSource(provider.Daum, cfg), minRoleCode: minRoleCode}
}

func (s *DaumSource) Provider() provider.Provider {
	return provider.Daum
}

func (s *DaumSource) boardURL(t Target) string {
	u := s.cfg.BaseURL + "/" + url.PathEscape(t.Ref.CafeID)
	if t.Ref.BoardID != "" {
		u += "/" + url.PathEscape(t.Ref.BoardID)
	}
	return u
}

// CheckPermission loads the board page once and reads the group id and the
// viewer's role code from it
func (s *DaumSource) CheckPermission(ctx context.Context, t Target) (models.CafePermission, error) {
	perm := models.CafePermission{CafeID: t.Cafe.ID, BoardID: t.Ref.BoardID, RoleCode: -1}

	resp, err := s.get(ctx, s.boardURL(t), "")
	if err != nil {
		return perm, err
	}
	defer resp.Body.Close()

	r, err := charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return perm, fmt.Errorf("failed to decode board page: %w", err)
	}

	grpid, role, err := parseBoardPage(r)
	if err != nil {
		return perm, err
	}

	perm.GroupID = grpid
	perm.RoleCode = role
	perm.Eligible = grpid != "" && role > s.minRoleCode
	return perm, nil
}

// parseBoardPage finds the group id and role code in hidden inputs, falling
// back to inline script assignments. A missing role code is reported as -1.
func parseBoardPage(r io.Reader) (grpid string, role int, err error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", -1, fmt.Errorf("failed to parse board page: %w", err)
	}

	role = -1
	var scripts strings.Builder

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "input":
				name, value := attr(n, "name"), attr(n, "value")
				switch strings.ToLower(name) {
				case "grpid":
					if grpid == "" {
						grpid = value
					}
				case "rolecode":
					if v, err := strconv.Atoi(value); err == nil && role < 0 {
						role = v
					}
				}
			case "script":
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					if c.Type == html.TextNode {
						scripts.WriteString(c.Data)
						scripts.WriteByte('\n')
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	text := scripts.String()
	if grpid == "" {
		if m := grpidScriptRe.FindStringSubmatch(text); m != nil {
			grpid = m[1]
		}
	}
	if role < 0 {
		if m := roleCodeScriptRe.FindStringSubmatch(text); m != nil {
			role, _ = strconv.Atoi(m[1])
		}
	}

	return grpid, role, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func (s *DaumSource) FetchPage(ctx context.Context, t Target, page int) ([]Entry, error) {
	if t.GroupID == "" {
		return nil, fmt.Errorf("group id of cafe %s is unknown", t.Ref.CafeID)
	}

	q := url.Values{}
	q.Set("grpid", t.GroupID)
	q.Set("fldid", t.Ref.BoardID)
	q.Set("targetPage", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(daumPageSize))

	doc, err := s.getJSON(ctx, s.cfg.BaseURL+"/api/v1/common-articles?"+q.Encode(), s.boardURL(t))
	if err != nil {
		return nil, err
	}
	return parseDaumArticles(doc), nil
}

func parseDaumArticles(doc gjson.Result) []Entry {
	var entries []Entry
	doc.Get("articles").ForEach(func(_, a gjson.Result) bool {
		key := a.Get("userid").String()
		name := a.Get("nickname").String()
		if key == "" || name == "" {
			return true
		}
		entries = append(entries, Entry{
			DisplayName: name,
			Key:         key,
			At:          parseTimestamp(a.Get("regDttm")),
		})
		return true
	})
	return entries
}
