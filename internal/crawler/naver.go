package crawler

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/foxzi/cafenote/internal/provider"
)

const naverPageSize = 15

// NaverSource reads the cafe board-list API
type NaverSource struct {
	httpSource
}

// NewNaverSource creates a naver listing source. BaseURL defaults to https://apis.naver.com.
func NewNaverSource(cfg HTTPConfig) *NaverSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://apis.naver.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &NaverSource{httpSource: newHTTPSource(provider.Naver, cfg)}
}

func (s *NaverSource) Provider() provider.Provider {
	return provider.Naver
}

func (s *NaverSource) pageURL(t Target, page int) string {
	return fmt.Sprintf("%s/cafe-web/cafe-boardlist-api/v1/cafes/%s/menus/%s/articles?page=%d&pageSize=%d&sortBy=TIME&viewType=L",
		s.cfg.BaseURL, t.Ref.CafeID, t.Ref.BoardID, page, naverPageSize)
}

func (s *NaverSource) FetchPage(ctx context.Context, t Target, page int) ([]Entry, error) {
	referer := fmt.Sprintf("https://cafe.naver.com/f-e/cafes/%s/menus/%s", t.Ref.CafeID, t.Ref.BoardID)
	doc, err := s.getJSON(ctx, s.pageURL(t, page), referer)
	if err != nil {
		return nil, err
	}
	return parseNaverArticles(doc), nil
}

// parseNaverArticles extracts authors from a board-list response. Entries
// without a nickname or member key are skipped.
func parseNaverArticles(doc gjson.Result) []Entry {
	articles := doc.Get("result.articleList")
	if !articles.IsArray() {
		articles = doc.Get("articleList")
	}
	if !articles.IsArray() {
		articles = doc.Get("articles")
	}

	var entries []Entry
	articles.ForEach(func(_, article gjson.Result) bool {
		item := article.Get("item")
		if !item.Exists() {
			item = article
		}
		name := item.Get("writerInfo.nickName").String()
		key := item.Get("writerInfo.memberKey").String()
		if name == "" || key == "" {
			return true
		}
		entries = append(entries, Entry{
			DisplayName: name,
			Key:         key,
			At:          parseTimestamp(item.Get("writeDateTimestamp")),
		})
		return true
	})

	return entries
}
