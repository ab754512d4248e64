package fetch

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/targetfeed/targetfeed/internal/staging"
)

// listJSONFiles fetches the remote directory listing and returns the
// deduplicated, lexicographically sorted set of JSON resource URLs. Relative
// hrefs are resolved against the listing URL; the latest-alias file is
// excluded here so it is never separately downloaded.
func listJSONFiles(baseURL string, timeout time.Duration) ([]string, error) {
	collector := colly.NewCollector()
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(timeout)

	seen := make(map[string]struct{})
	var files []string
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := e.Attr("href")
		if href == "" || href == "../" {
			return
		}
		abs := e.Request.AbsoluteURL(href)
		if abs == "" {
			return
		}
		parsed, err := url.Parse(abs)
		if err != nil {
			return
		}
		if !strings.HasSuffix(strings.ToLower(parsed.Path), ".json") {
			return
		}
		if strings.EqualFold(path.Base(parsed.Path), staging.LatestAlias) {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		files = append(files, abs)
	})

	var visitErr error
	collector.OnError(func(_ *colly.Response, err error) {
		visitErr = err
	})

	if err := collector.Visit(baseURL); err != nil {
		return nil, fmt.Errorf("fetch listing %s: %w", baseURL, err)
	}
	collector.Wait()
	if visitErr != nil {
		return nil, fmt.Errorf("fetch listing %s: %w", baseURL, visitErr)
	}

	sort.Strings(files)
	return files, nil
}
