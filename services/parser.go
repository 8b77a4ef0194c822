package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"banggood-pipeline/models"
	"banggood-pipeline/utils"
)

// Selectors locate product cards and their fields on an HTML listing page.
type Selectors struct {
	Card         string
	IDAttr       string
	Title        string
	Link         string
	Price        string
	Rating       string
	Reviews      string
	Category     string
	PageCategory string
}

// DefaultSelectors match the listing grid of the product source.
func DefaultSelectors() Selectors {
	return Selectors{
		Card:         "li[data-product-id], div.product-item, .goodlist li.p-wrap",
		IDAttr:       "data-product-id",
		Title:        ".title, .product-title, a.p-name",
		Link:         "a[href]",
		Price:        ".price, .main-price, .price-box .price",
		Rating:       ".rating, .review-score, .star-score",
		Reviews:      ".review, .review-count, .reviews",
		Category:     "[data-category]",
		PageCategory: ".breadcrumb a, .crumbs a",
	}
}

// Parser extracts raw product fields from fetched pages. It holds no mutable
// state and is safe for concurrent use.
type Parser struct {
	selectors Selectors
	logger    *utils.Logger
}

// NewParser creates a Parser. An empty selector falls back to its default.
func NewParser(selectors Selectors, logger *utils.Logger) *Parser {
	def := DefaultSelectors()
	fill := func(v *string, d string) {
		if strings.TrimSpace(*v) == "" {
			*v = d
		}
	}
	fill(&selectors.Card, def.Card)
	fill(&selectors.IDAttr, def.IDAttr)
	fill(&selectors.Title, def.Title)
	fill(&selectors.Link, def.Link)
	fill(&selectors.Price, def.Price)
	fill(&selectors.Rating, def.Rating)
	fill(&selectors.Reviews, def.Reviews)
	fill(&selectors.Category, def.Category)
	fill(&selectors.PageCategory, def.PageCategory)
	return &Parser{selectors: selectors, logger: logger}
}

// Parse returns every product found on the page. A page with no recognisable
// products yields a *models.ParseFailure.
func (p *Parser) Parse(listing *models.RawListing) ([]models.RawFields, error) {
	body := bytes.TrimSpace(listing.Body)
	if len(body) == 0 {
		return nil, &models.ParseFailure{URL: listing.SourceURL, Reason: "empty body"}
	}

	var (
		fields []models.RawFields
		err    error
	)
	if strings.Contains(listing.ContentType, "json") || body[0] == '{' || body[0] == '[' {
		fields, err = p.parseJSON(body)
	} else {
		fields, err = p.parseHTML(body)
	}
	if err != nil {
		return nil, &models.ParseFailure{URL: listing.SourceURL, Reason: err.Error()}
	}
	if len(fields) == 0 {
		return nil, &models.ParseFailure{URL: listing.SourceURL, Reason: "no products found"}
	}

	fallback := ""
	if listing.Target.Kind == models.TargetCategory {
		fallback = listing.Target.Value
	}
	for i := range fields {
		fields[i].URL = resolveURL(listing.SourceURL, fields[i].URL)
		fields[i].ScrapedAt = listing.FetchedAt
		fields[i].FallbackCategory = fallback
	}

	p.logger.Debug("[parser] %s: %d products", listing.SourceURL, len(fields))
	return fields, nil
}

// ─── JSON ────────────────────────────────────────────────────────────────

var jsonFieldKeys = struct {
	id, title, price, currency, rating, reviews, category, url []string
}{
	id:       []string{"product_id", "products_id", "productId", "id", "sku"},
	title:    []string{"name", "title", "products_name", "product_name"},
	price:    []string{"price", "final_price", "sale_price", "format_price"},
	currency: []string{"currency", "price_currency", "currency_code"},
	rating:   []string{"rating", "average_rating", "score", "star"},
	reviews:  []string{"review_count", "reviews_count", "reviews", "review_num", "comment_count"},
	category: []string{"category", "category_name", "cat_name"},
	url:      []string{"url", "link", "products_url", "product_url"},
}

func (p *Parser) parseJSON(body []byte) ([]models.RawFields, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	var fields []models.RawFields
	for _, item := range productArray(doc) {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		price := firstValue(obj, jsonFieldKeys.price...)
		if cur := firstValue(obj, jsonFieldKeys.currency...); cur != "" && price != "" {
			price = cur + " " + price
		}
		f := models.RawFields{
			ProductID:   firstValue(obj, jsonFieldKeys.id...),
			Title:       firstValue(obj, jsonFieldKeys.title...),
			Price:       price,
			Rating:      firstValue(obj, jsonFieldKeys.rating...),
			ReviewCount: firstValue(obj, jsonFieldKeys.reviews...),
			Category:    firstValue(obj, jsonFieldKeys.category...),
			URL:         firstValue(obj, jsonFieldKeys.url...),
		}
		if f.ProductID == "" && f.Title == "" && f.URL == "" {
			continue
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// productArray finds the product list in a decoded JSON document: a bare
// array, or one under "products", "items" or "data" (one level of nesting).
func productArray(doc any) []any {
	switch v := doc.(type) {
	case []any:
		return v
	case map[string]any:
		for _, key := range []string{"products", "items", "data", "list", "result"} {
			inner, ok := v[key]
			if !ok {
				continue
			}
			if arr := productArray(inner); len(arr) > 0 {
				return arr
			}
		}
	}
	return nil
}

func firstValue(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := scalarString(obj[k]); s != "" {
			return s
		}
	}
	return ""
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case map[string]any:
		// {"amount": 12.5, "currency": "EUR"} style money objects
		amount := firstValue(x, "amount", "value", "price")
		if cur := firstValue(x, "currency", "currency_code"); cur != "" && amount != "" {
			return cur + " " + amount
		}
		return amount
	}
	return ""
}

// ─── HTML ────────────────────────────────────────────────────────────────

func (p *Parser) parseHTML(body []byte) ([]models.RawFields, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	if fields := parseJSONLD(doc); len(fields) > 0 {
		return fields, nil
	}
	return p.parseCards(doc), nil
}

func (p *Parser) parseCards(doc *goquery.Document) []models.RawFields {
	sel := p.selectors
	pageCategory := strings.TrimSpace(doc.Find(sel.PageCategory).Last().Text())

	var fields []models.RawFields
	doc.Find(sel.Card).Each(func(i int, card *goquery.Selection) {
		link := card.Find(sel.Link).First()
		title := textOf(card.Find(sel.Title))
		if title == "" {
			title = strings.TrimSpace(link.AttrOr("title", ""))
		}

		category := strings.TrimSpace(card.AttrOr("data-category", ""))
		if category == "" {
			category = strings.TrimSpace(card.Find(sel.Category).First().AttrOr("data-category", ""))
		}
		if category == "" {
			category = pageCategory
		}

		f := models.RawFields{
			ProductID:   strings.TrimSpace(card.AttrOr(sel.IDAttr, "")),
			Title:       title,
			Price:       firstNonEmpty(card.AttrOr("data-price", ""), textOf(card.Find(sel.Price))),
			Rating:      firstNonEmpty(card.AttrOr("data-rating", ""), textOf(card.Find(sel.Rating))),
			ReviewCount: firstNonEmpty(card.AttrOr("data-reviews", ""), textOf(card.Find(sel.Reviews))),
			Category:    category,
			URL:         strings.TrimSpace(link.AttrOr("href", "")),
		}
		if f.ProductID == "" && f.URL == "" {
			return
		}
		fields = append(fields, f)
	})
	return fields
}

func parseJSONLD(doc *goquery.Document) []models.RawFields {
	var fields []models.RawFields
	doc.Find(`script[type="application/ld+json"]`).Each(func(i int, s *goquery.Selection) {
		dec := json.NewDecoder(strings.NewReader(s.Text()))
		dec.UseNumber()
		var node any
		if err := dec.Decode(&node); err != nil {
			return
		}
		for _, product := range collectProducts(node) {
			fields = append(fields, productFromLD(product))
		}
	})
	return fields
}

// collectProducts walks a JSON-LD tree (including @graph and ItemList
// elements) and returns every Product node.
func collectProducts(node any) []map[string]any {
	switch v := node.(type) {
	case []any:
		var out []map[string]any
		for _, child := range v {
			out = append(out, collectProducts(child)...)
		}
		return out
	case map[string]any:
		if hasType(v, "Product") {
			return []map[string]any{v}
		}
		var out []map[string]any
		for _, key := range []string{"@graph", "itemListElement", "item", "mainEntity"} {
			if child, ok := v[key]; ok {
				out = append(out, collectProducts(child)...)
			}
		}
		return out
	}
	return nil
}

func hasType(obj map[string]any, want string) bool {
	switch t := obj["@type"].(type) {
	case string:
		return t == want
	case []any:
		for _, x := range t {
			if s, ok := x.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

func productFromLD(obj map[string]any) models.RawFields {
	f := models.RawFields{
		ProductID: firstValue(obj, "sku", "productID", "mpn"),
		Title:     firstValue(obj, "name"),
		Category:  firstValue(obj, "category"),
		URL:       firstValue(obj, "url", "@id"),
	}

	offers := obj["offers"]
	if arr, ok := offers.([]any); ok && len(arr) > 0 {
		offers = arr[0]
	}
	if offer, ok := offers.(map[string]any); ok {
		price := firstValue(offer, "price", "lowPrice")
		if cur := firstValue(offer, "priceCurrency"); cur != "" && price != "" {
			price = cur + " " + price
		}
		f.Price = price
	}

	if agg, ok := obj["aggregateRating"].(map[string]any); ok {
		f.Rating = firstValue(agg, "ratingValue")
		f.ReviewCount = firstValue(agg, "reviewCount", "ratingCount")
	}
	return f
}

func textOf(s *goquery.Selection) string {
	return normaliseText(s.First().Text())
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// resolveURL makes ref absolute against the page it was found on.
func resolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
