package services

import (
	"errors"
	"testing"
	"time"

	"banggood-pipeline/models"
)

var fetchedAt = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

func listing(contentType, body string) *models.RawListing {
	return &models.RawListing{
		Target:      models.Target{Kind: models.TargetCategory, Value: "Power Tools"},
		Page:        1,
		SourceURL:   "https://www.banggood.com/power-tools-c.html?page=1",
		ContentType: contentType,
		Body:        []byte(body),
		FetchedAt:   fetchedAt,
	}
}

func TestParseHTMLCards(t *testing.T) {
	body := `<html><body>
	<div class="breadcrumb"><a href="/">Home</a><a href="/tools-c.html">Tools</a></div>
	<ul class="goodlist">
	  <li data-product-id="1001">
	    <a href="/Cordless-Drill-p-1001.html" title="Cordless Drill"></a>
	    <span class="price">US$19.99</span>
	    <span class="rating">4.5</span>
	    <span class="review">(230)</span>
	  </li>
	  <li data-product-id="1002" data-category="Hand Tools">
	    <a class="title" href="/Hammer-p-1002.html">Claw   Hammer</a>
	    <span class="price">US$7.50</span>
	  </li>
	  <li><span class="price">US$1.00</span></li>
	</ul></body></html>`

	p := NewParser(Selectors{}, newTestLogger())
	fields, err := p.Parse(listing("text/html", body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("expected 2 products, got %d", len(fields))
	}

	first := fields[0]
	if first.ProductID != "1001" || first.Title != "Cordless Drill" {
		t.Errorf("first product: got id=%q title=%q", first.ProductID, first.Title)
	}
	if first.Price != "US$19.99" || first.Rating != "4.5" || first.ReviewCount != "(230)" {
		t.Errorf("first product fields: %+v", first)
	}
	if first.URL != "https://www.banggood.com/Cordless-Drill-p-1001.html" {
		t.Errorf("URL not resolved: %q", first.URL)
	}
	if first.Category != "Tools" {
		t.Errorf("page category fallback: got %q, want Tools", first.Category)
	}
	if first.FallbackCategory != "Power Tools" {
		t.Errorf("FallbackCategory: got %q", first.FallbackCategory)
	}
	if !first.ScrapedAt.Equal(fetchedAt) {
		t.Errorf("ScrapedAt: got %v, want %v", first.ScrapedAt, fetchedAt)
	}

	second := fields[1]
	if second.Title != "Claw Hammer" || second.Category != "Hand Tools" {
		t.Errorf("second product: got title=%q category=%q", second.Title, second.Category)
	}
}

func TestParseJSONLD(t *testing.T) {
	body := `<html><head>
	<script type="application/ld+json">{"@context":"https://schema.org","@type":"BreadcrumbList"}</script>
	<script type="application/ld+json">
	{"@context":"https://schema.org","@type":"ItemList","itemListElement":[
	  {"@type":"ListItem","position":1,"item":{"@type":"Product","sku":"BG123","name":"Drill",
	    "url":"/drill-p-123.html","category":"tools",
	    "offers":{"@type":"Offer","price":"19.99","priceCurrency":"USD"},
	    "aggregateRating":{"ratingValue":4.5,"reviewCount":230}}},
	  {"@type":"ListItem","position":2,"item":{"@type":["Product"],"sku":"BG124","name":"Saw",
	    "offers":[{"price":12,"priceCurrency":"EUR"}]}}
	]}
	</script></head><body><li data-product-id="999"><a href="/x-p-999.html">ignored</a></li></body></html>`

	p := NewParser(Selectors{}, newTestLogger())
	fields, err := p.Parse(listing("text/html; charset=utf-8", body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("expected 2 JSON-LD products, got %d", len(fields))
	}
	if f := fields[0]; f.ProductID != "BG123" || f.Price != "USD 19.99" || f.Rating != "4.5" || f.ReviewCount != "230" {
		t.Errorf("first JSON-LD product: %+v", f)
	}
	if fields[0].URL != "https://www.banggood.com/drill-p-123.html" {
		t.Errorf("URL not resolved: %q", fields[0].URL)
	}
	if f := fields[1]; f.ProductID != "BG124" || f.Price != "EUR 12" {
		t.Errorf("second JSON-LD product: %+v", f)
	}
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"products key", `{"products":[{"products_id":1,"products_name":"A","price":"9.99"},{"id":"2","name":"B","price":3}]}`, 2},
		{"nested data", `{"code":0,"data":{"list":[{"id":"7","title":"C","final_price":{"amount":5,"currency":"EUR"}}]}}`, 1},
		{"bare array", `[{"sku":"X1","name":"D","price":1.5}]`, 1},
		{"items skip junk", `{"items":[{"foo":1},"bar",{"id":"9","name":"E"}]}`, 1},
	}

	p := NewParser(Selectors{}, newTestLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields, err := p.Parse(listing("application/json", tt.body))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(fields) != tt.want {
				t.Errorf("got %d products, want %d", len(fields), tt.want)
			}
		})
	}
}

func TestParseJSONFieldValues(t *testing.T) {
	p := NewParser(Selectors{}, newTestLogger())
	fields, err := p.Parse(listing("", `{"data":{"list":[{"id":"7","title":"C","final_price":{"amount":5.25,"currency":"EUR"},"review_count":12,"rating":4}]}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	f := fields[0]
	if f.ProductID != "7" || f.Price != "EUR 5.25" || f.ReviewCount != "12" || f.Rating != "4" {
		t.Errorf("unexpected fields: %+v", f)
	}
}

func TestParseUnknownLayout(t *testing.T) {
	p := NewParser(Selectors{}, newTestLogger())

	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"empty", "text/html", "   "},
		{"no products", "text/html", "<html><body><p>Nothing here</p></body></html>"},
		{"broken json", "application/json", `{"products": [`},
		{"json without list", "application/json", `{"status":"ok"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields, err := p.Parse(listing(tt.contentType, tt.body))
			if len(fields) != 0 {
				t.Errorf("expected no products, got %d", len(fields))
			}
			var pf *models.ParseFailure
			if !errors.As(err, &pf) {
				t.Fatalf("expected *ParseFailure, got %v", err)
			}
			if pf.URL == "" {
				t.Error("ParseFailure should carry the page URL")
			}
		})
	}
}

func TestParseCustomCardSelector(t *testing.T) {
	body := `<html><body><article class="tile" data-product-id="55"><a href="/t-p-55.html">Tile</a><span class="price">$2</span></article></body></html>`

	p := NewParser(Selectors{Card: "article.tile"}, newTestLogger())
	fields, err := p.Parse(listing("text/html", body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(fields) != 1 || fields[0].ProductID != "55" {
		t.Errorf("custom selector: got %+v", fields)
	}
}
