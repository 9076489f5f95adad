// Package parser turns raw flyer-search records into rows.
package parser

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-scrape-flyers/models"
)

// Record is one decoded element of the search response's items array.
// Numbers must be decoded as json.Number so prices keep their original text.
type Record map[string]any

var (
	titleKeys = []string{"name", "title"}
	priceKeys = []string{"current_price", "price_text", "price"}
	imageKeys = []string{"image_url", "clipping_image_url"}
)

// ExtractItem reads the fields of interest from rec, falling back through the
// known aliases of each field. Validity dates that fail to parse are left nil.
func ExtractItem(rec Record, dates *DateCache) models.Item {
	item := models.Item{
		Title:    strings.TrimSpace(FirstText(rec, titleKeys...)),
		Price:    strings.TrimSpace(FirstText(rec, priceKeys...)),
		ImageURL: FirstText(rec, imageKeys...),
	}
	if t, ok := dates.Parse(rec["valid_from"]); ok {
		item.ValidFrom = &t
	}
	if t, ok := dates.Parse(rec["valid_to"]); ok {
		item.ValidTo = &t
	}
	return item
}

// NewRow stamps item with the store label and capture date.
func NewRow(item models.Item, store, captureDate string) models.OutputRow {
	return models.OutputRow{
		Item:        item.Title,
		Price:       item.Price,
		Store:       store,
		Date:        captureDate,
		SourceImage: item.ImageURL,
	}
}

// ValidateItem reports whether item carries the fields a row requires.
func ValidateItem(item models.Item) error {
	if item.Title == "" {
		return fmt.Errorf("item missing title")
	}
	if item.Price == "" {
		return fmt.Errorf("item missing price for %s", item.Title)
	}
	return nil
}

// ValidateRow ensures a row is complete enough to be written.
func ValidateRow(r *models.OutputRow) error {
	if r == nil {
		return fmt.Errorf("row is nil")
	}
	if strings.TrimSpace(r.Item) == "" {
		return fmt.Errorf("row missing item")
	}
	if strings.TrimSpace(r.Price) == "" {
		return fmt.Errorf("row missing price for %s", r.Item)
	}
	if strings.TrimSpace(r.Store) == "" {
		return fmt.Errorf("row missing store for %s", r.Item)
	}
	return nil
}

// FirstText returns the text of the first truthy value among keys, or "".
func FirstText(rec Record, keys ...string) string {
	for _, key := range keys {
		if v, ok := rec[key]; ok && Truthy(v) {
			return Text(v)
		}
	}
	return ""
}

// Truthy mirrors JSON truthiness: null, false, "", 0 and empty containers are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t != ""
		}
		return f != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// Text renders a scalar JSON value as a string.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
