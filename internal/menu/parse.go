package menu

import (
	"errors"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

var ErrNoTable = errors.New("menu table not found")

var (
	noticeRe    = regexp.MustCompile(`※.*`)
	priceLineRe = regexp.MustCompile(`^[\d,]+원$`)
	priceRe     = regexp.MustCompile(`\s*:\s*[\d,]+원`)
	selfRe      = regexp.MustCompile(`<셀프코너>[^<]*`)
)

// Parse extracts the target restaurants from the menu page.
func Parse(r io.Reader, now time.Time) (Today, error) {
	out := Today{Date: now.Format("2006-01-02")}

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return out, err
	}
	table := doc.Find("div#celeb-mealtable")
	if table.Length() == 0 {
		return out, ErrNoTable
	}

	found := map[string]Restaurant{}
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		title := row.Find("td.title").First()
		if title.Length() == 0 {
			return
		}
		name := match(strings.TrimSpace(title.Text()))
		if name == "" {
			return
		}
		if _, dup := found[name]; dup {
			return
		}
		self := selfCornerOnly[name]
		rest := Restaurant{
			Name:      name,
			Breakfast: meal(row.Find("td.breakfast").First(), Breakfast, self),
			Lunch:     meal(row.Find("td.lunch").First(), Lunch, self),
			Dinner:    meal(row.Find("td.dinner").First(), Dinner, self),
		}
		rest.Selected = selectMeal(rest, now)
		found[name] = rest
	})

	for _, name := range Restaurants {
		if r, ok := found[name]; ok {
			out.Restaurants = append(out.Restaurants, r)
		}
	}
	return out, nil
}

func match(title string) string {
	for _, name := range Restaurants {
		if strings.Contains(title, name) {
			return name
		}
	}
	return ""
}

func meal(td *goquery.Selection, typ MealType, selfCorner bool) *Meal {
	if td.Length() == 0 {
		return nil
	}
	items := cleanItems(strings.Join(textLines(td), "\n"), selfCorner)
	if len(items) == 0 {
		return nil
	}
	return &Meal{Type: typ, Menus: items}
}

// textLines returns the trimmed text nodes under s, one per line.
func textLines(s *goquery.Selection) []string {
	var out []string
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		if goquery.NodeName(c) == "#text" {
			if t := strings.TrimSpace(c.Text()); t != "" {
				out = append(out, t)
			}
			return
		}
		out = append(out, textLines(c)...)
	})
	return out
}

// cleanItems turns a raw menu cell into at most maxItems dish names.
func cleanItems(raw string, selfCorner bool) []string {
	text := raw
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if selfCorner {
		text = selfSection(text)
	}
	text = noticeRe.ReplaceAllString(text, "")

	var items []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case priceLineRe.MatchString(line):
			continue
		case strings.Contains(line, "운영시간"), strings.Contains(line, "혼잡시간"):
			continue
		case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">"):
			continue
		case strings.Contains(line, "셀프코너"), strings.Contains(line, "주문식"):
			continue
		}
		line = strings.TrimSpace(priceRe.ReplaceAllString(line, ""))
		if utf8.RuneCountInString(line) > 1 {
			items = append(items, line)
		}
		if len(items) == maxItems {
			break
		}
	}
	return items
}

func selfSection(text string) string {
	if m := selfRe.FindString(text); m != "" {
		return m
	}
	i := strings.Index(text, "셀프코너")
	if i < 0 {
		return text
	}
	rest := text[i:]
	if j := strings.Index(rest, "주문식"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}
