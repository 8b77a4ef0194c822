package services

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"banggood-pipeline/config"
	"banggood-pipeline/models"
	"banggood-pipeline/utils"
)

// Price categories derived from the configured price bands.
const (
	PriceBudget   = "budget"
	PriceMidRange = "mid-range"
	PricePremium  = "premium"
)

// Uncategorized is the category of products with no usable category.
const Uncategorized = "uncategorized"

var (
	// numberRegexp captures a number with optional thousands/decimal separators
	numberRegexp = regexp.MustCompile(`\d[\d.,']*`)
	// codeRegexp captures an ISO currency code
	codeRegexp = regexp.MustCompile(`\b([A-Z]{3})\b`)
	// idPathRegexp captures the id in ".../name-p-1234567.html"
	idPathRegexp = regexp.MustCompile(`-p-(\d+)\.html`)
	// trailingDigitsRegexp captures a trailing numeric path segment
	trailingDigitsRegexp = regexp.MustCompile(`(\d{4,})(?:\.html?)?/?$`)
	// slugRegexp matches runs of characters not allowed in a category slug
	slugRegexp = regexp.MustCompile(`[^a-z0-9]+`)
)

// currencySymbols is ordered longest first so "US$" wins over "$".
var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"US$", "USD"},
	{"AU$", "AUD"},
	{"CA$", "CAD"},
	{"A$", "AUD"},
	{"C$", "CAD"},
	{"R$", "BRL"},
	{"CN¥", "CNY"},
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
	{"₹", "INR"},
	{"₽", "RUB"},
	{"zł", "PLN"},
}

// Cleaner turns RawFields into typed, validated ProductRecords.
type Cleaner struct {
	logger       *utils.Logger
	baseCurrency string
	rates        map[string]decimal.Decimal
	aliases      map[string]string
	bands        []decimal.Decimal
	location     *time.Location
	snapshotDate time.Time
}

// NewCleaner creates a Cleaner from the normalization settings in cfg.
func NewCleaner(cfg *config.Config, logger *utils.Logger) *Cleaner {
	loc := cfg.SnapshotLocation
	if loc == nil {
		loc = time.UTC
	}
	base := strings.ToUpper(cfg.BaseCurrency)
	if base == "" {
		base = "USD"
	}
	return &Cleaner{
		logger:       logger,
		baseCurrency: base,
		rates:        cfg.CurrencyRates,
		aliases:      cfg.CategoryAliases,
		bands:        cfg.PriceBands,
		location:     loc,
	}
}

// ForSnapshot returns a copy of the cleaner that stamps every record with
// date instead of the scrape day. A zero date restores the default.
func (c *Cleaner) ForSnapshot(date time.Time) *Cleaner {
	cp := *c
	if !date.IsZero() {
		date = models.DateOf(date, time.UTC)
	}
	cp.snapshotDate = date
	return &cp
}

// Clean normalizes a batch of raw fields. Records failing a retaining rule
// come back with IsValid=false; records failing a rejecting rule are listed
// separately.
func (c *Cleaner) Clean(raw []models.RawFields) ([]*models.ProductRecord, []models.Rejection) {
	result := make([]*models.ProductRecord, 0, len(raw))
	var rejected []models.Rejection

	for _, r := range raw {
		rec, err := c.Normalize(r)
		if rec == nil {
			c.logger.Debug("[cleaner] Rejected %q: %v", r.Title, err)
			rejected = append(rejected, models.Rejection{Raw: r, Err: err.(*models.ValidationError)})
			continue
		}
		if err != nil {
			c.logger.Debug("[cleaner] Flagged %s as invalid: %v", rec.ProductID, err)
		}
		result = append(result, rec)
	}

	c.logger.Info("[cleaner] Cleaned %d → %d records (rejected %d)",
		len(raw), len(result), len(rejected))
	return result, rejected
}

// Normalize applies the validation rules in order; the first failure wins.
// A rejected record returns nil and the *models.ValidationError. A retained
// but invalid record returns both the record and the error.
func (c *Cleaner) Normalize(raw models.RawFields) (*models.ProductRecord, error) {
	id := strings.TrimSpace(raw.ProductID)
	if id == "" {
		id = productIDFromURL(raw.URL)
	}
	if id == "" {
		return nil, &models.ValidationError{
			Code: models.MissingIdentifier, Field: "product_id", Value: raw.URL,
			Reason: "no product id scraped or derivable from url",
		}
	}

	price, err := c.parsePrice(raw.Price)
	if err != nil {
		return nil, &models.ValidationError{
			Code: models.InvalidPrice, Field: "price", Value: raw.Price, Reason: err.Error(),
		}
	}

	rec := &models.ProductRecord{
		ProductID:       id,
		Title:           normaliseText(raw.Title),
		URL:             strings.TrimSpace(raw.URL),
		Price:           price,
		PriceCategory:   c.priceCategory(price),
		Category:        c.category(raw.Category, raw.FallbackCategory),
		SnapshotDate:    c.snapshotFor(raw.ScrapedAt),
		ScrapeTimestamp: raw.ScrapedAt.UTC(),
		IsValid:         true,
	}

	// Both fields are parsed even when the rating fails; the first issue is
	// the one reported.
	var issue *models.ValidationError

	rating, err := parseRating(raw.Rating)
	if err != nil {
		issue = &models.ValidationError{
			Code: models.InvalidRating, Field: "rating", Value: raw.Rating, Reason: err.Error(),
		}
	} else {
		rec.Rating = rating
	}

	count, err := parseCount(raw.ReviewCount)
	if err != nil {
		if issue == nil {
			issue = &models.ValidationError{
				Code: models.InvalidReviewCount, Field: "review_count", Value: raw.ReviewCount, Reason: err.Error(),
			}
		}
	} else {
		rec.ReviewCount = count
	}

	if issue != nil {
		rec.IsValid = false
		rec.ValidationIssue = string(issue.Code)
		return rec, issue
	}
	return rec, nil
}

// parsePrice detects the currency, parses the amount with either separator
// convention and converts it to the base currency, rounded to cents.
// Examples:
//
//	"US$14.99"    → 14.99 (USD)
//	"€1.234,50"   → 1234.50 EUR × rate
//	"GBP 9,99"    → 9.99 GBP × rate
func (c *Cleaner) parsePrice(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("empty price")
	}

	loc := numberRegexp.FindStringIndex(raw)
	if loc == nil {
		return decimal.Zero, fmt.Errorf("no amount in price")
	}
	prefix := raw[:loc[0]]
	if strings.ContainsAny(prefix, "-−") {
		return decimal.Zero, fmt.Errorf("negative price")
	}

	amount, err := parseAmount(raw[loc[0]:loc[1]])
	if err != nil {
		return decimal.Zero, err
	}

	currency := detectCurrency(raw, c.baseCurrency)
	if currency != c.baseCurrency {
		rate, ok := c.rates[currency]
		if !ok {
			return decimal.Zero, fmt.Errorf("no exchange rate for %s", currency)
		}
		amount = amount.Mul(rate)
	}
	return amount.Round(2), nil
}

// parseAmount reads "1,234.50", "1.234,50", "1'234" or "12,5".
func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimRight(strings.ReplaceAll(s, "'", ""), ".,")
	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 != 3 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unparseable amount %q", s)
	}
	return d, nil
}

func detectCurrency(raw, base string) string {
	for _, cs := range currencySymbols {
		if strings.Contains(raw, cs.symbol) {
			return cs.code
		}
	}
	if m := codeRegexp.FindStringSubmatch(raw); len(m) == 2 {
		return m[1]
	}
	return base
}

// parseRating accepts "4.5", "4.5/5", "4.5 out of 5" and "90%". Empty means
// not rated.
func parseRating(raw string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "-") {
		return nil, fmt.Errorf("negative rating")
	}

	nums := numberRegexp.FindAllString(strings.ReplaceAll(raw, ",", "."), -1)
	if len(nums) == 0 {
		return nil, fmt.Errorf("no number in rating")
	}
	val, err := strconv.ParseFloat(strings.TrimRight(nums[0], "."), 64)
	if err != nil {
		return nil, fmt.Errorf("unparseable rating %q", nums[0])
	}

	switch {
	case strings.Contains(raw, "%"):
		val = val / 20
	case len(nums) > 1 && (strings.Contains(raw, "/") || strings.Contains(strings.ToLower(raw), "out of")):
		scale, err := strconv.ParseFloat(strings.TrimRight(nums[1], "."), 64)
		if err != nil || scale <= 0 {
			return nil, fmt.Errorf("bad rating scale %q", nums[1])
		}
		val = val * 5 / scale
	}

	if val < 0 || val > 5 {
		return nil, fmt.Errorf("rating %g outside [0,5]", val)
	}
	return &val, nil
}

// parseCount accepts "1,234", "(87)", "1.2k reviews". Empty means no reviews.
func parseCount(raw string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Trim(s, "()[] ")
	for _, word := range []string{"reviews", "review", "ratings", "rating"} {
		s = strings.TrimSpace(strings.TrimSuffix(s, word))
	}
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "−") {
		return 0, fmt.Errorf("negative review count")
	}

	mult := 1.0
	if strings.HasSuffix(s, "k") {
		mult, s = 1000, strings.TrimSuffix(s, "k")
	}
	if strings.Contains(s, ".") && mult > 1 {
		f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f*mult >= math.MaxInt64 {
			return 0, fmt.Errorf("non-numeric review count %q", raw)
		}
		return int64(math.Round(f * mult)), nil
	}

	s = strings.NewReplacer(",", "", ".", "", " ", "", "'", "").Replace(s)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n > math.MaxInt64/int64(mult) {
		return 0, fmt.Errorf("non-numeric review count %q", raw)
	}
	return n * int64(mult), nil
}

func (c *Cleaner) priceCategory(price decimal.Decimal) string {
	if len(c.bands) < 2 {
		return ""
	}
	switch {
	case price.LessThan(c.bands[0]):
		return PriceBudget
	case price.LessThan(c.bands[1]):
		return PriceMidRange
	}
	return PricePremium
}

// category maps the scraped category to the controlled vocabulary, falling
// back to the target's category and then Uncategorized.
func (c *Cleaner) category(raw, fallback string) string {
	for _, candidate := range []string{raw, fallback} {
		if slug := CategorySlug(candidate, c.aliases); slug != "" {
			return slug
		}
	}
	return Uncategorized
}

// CategorySlug maps a category name to its stored form: alias lookup on the
// lower-cased name, then on its slug, then the slug itself. A blank name
// gives "".
func CategorySlug(name string, aliases map[string]string) string {
	key := strings.ToLower(normaliseText(name))
	if key == "" {
		return ""
	}
	if alias, ok := aliases[key]; ok {
		return slugify(alias)
	}
	slug := slugify(key)
	if alias, ok := aliases[slug]; ok {
		return slugify(alias)
	}
	return slug
}

func (c *Cleaner) snapshotFor(scrapedAt time.Time) time.Time {
	if !c.snapshotDate.IsZero() {
		return c.snapshotDate
	}
	return models.DateOf(scrapedAt, c.location)
}

// productIDFromURL derives an id from "...-p-1234.html", "?products_id=1234"
// or a trailing numeric path segment.
func productIDFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if m := idPathRegexp.FindStringSubmatch(u.Path); len(m) == 2 {
		return m[1]
	}
	if id := strings.TrimSpace(u.Query().Get("products_id")); id != "" {
		return id
	}
	if m := trailingDigitsRegexp.FindStringSubmatch(u.Path); len(m) == 2 {
		return m[1]
	}
	return ""
}

func slugify(s string) string {
	return strings.Trim(slugRegexp.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// normaliseText strips leading/trailing whitespace and collapses internal whitespace.
func normaliseText(s string) string {
	s = strings.TrimSpace(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	return strings.Join(fields, " ")
}
