package cachekey

import (
	"net/url"
	"regexp"
)

// Category is a coarse permalink classification of a cached URL.
type Category string

// Known categories.
const (
	CategoryPost           Category = "post"
	CategoryAuthor         Category = "author"
	CategoryPage           Category = "page"
	CategoryTag            Category = "tag"
	CategoryCategory       Category = "category"
	CategoryDailyArchive   Category = "daily_archive"
	CategoryMonthlyArchive Category = "monthly_archive"
	CategoryYearlyArchive  Category = "yearly_archive"
	CategoryUnknown        Category = "unknown"
)

type categoryRule struct {
	re       *regexp.Regexp
	category Category
}

// Order matters: the first matching rule wins.
var categoryRules = []categoryRule{
	{regexp.MustCompile(`/author/[^/]+/`), CategoryAuthor},
	{regexp.MustCompile(`/page/\d+/`), CategoryPage},
	{regexp.MustCompile(`/tag/[^/]+/`), CategoryTag},
	{regexp.MustCompile(`/category/[^/]+/`), CategoryCategory},
	{regexp.MustCompile(`^/20\d{2}/\d{2}/\d{2}/$`), CategoryDailyArchive},
	{regexp.MustCompile(`^/20\d{2}/\d{2}/$`), CategoryMonthlyArchive},
	{regexp.MustCompile(`^/20\d{2}/$`), CategoryYearlyArchive},
	{regexp.MustCompile(`/\d{4}/\d{2}/\d{2}/[^/]+/`), CategoryPost},
	{regexp.MustCompile(`/\d{4}/\d{2}/[^/]+/`), CategoryPost},
	{regexp.MustCompile(`/\d{4}/[^/]+/`), CategoryPost},
	{regexp.MustCompile(`/\d+/`), CategoryPost},
	{regexp.MustCompile(`^/.+`), CategoryPost},
}

// Categorize guesses the content type behind a permalink. It accepts either
// a full URL or a bare path.
func Categorize(raw string) Category {
	path := raw
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		path = u.Path
	}
	if path == "" {
		path = "/"
	}
	for _, rule := range categoryRules {
		if rule.re.MatchString(path) {
			return rule.category
		}
	}
	return CategoryUnknown
}
