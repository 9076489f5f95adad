package parser

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/aluiziolira/go-scrape-flyers/models"
)

func decodeRecord(t *testing.T, raw string) Record {
	t.Helper()
	dec := json.NewDecoder(bytes.NewBufferString(raw))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return rec
}

func TestExtractItemFallbacks(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantTitle string
		wantPrice string
		wantImage string
	}{
		{
			name:      "title and current_price",
			raw:       `{"title": "Milk 2L", "current_price": "4.99"}`,
			wantTitle: "Milk 2L",
			wantPrice: "4.99",
		},
		{
			name:      "name wins over title",
			raw:       `{"name": "Bread", "title": "Ignored", "price_text": "2/$5"}`,
			wantTitle: "Bread",
			wantPrice: "2/$5",
		},
		{
			name:      "empty name falls through",
			raw:       `{"name": "", "title": "Butter", "price": " 5.49 "}`,
			wantTitle: "Butter",
			wantPrice: "5.49",
		},
		{
			name:      "numeric price keeps json text",
			raw:       `{"name": "Cheese", "current_price": 7.50}`,
			wantTitle: "Cheese",
			wantPrice: "7.50",
		},
		{
			name:      "zero price is falsy",
			raw:       `{"name": "Apples", "current_price": 0, "price_text": "3 for $1"}`,
			wantTitle: "Apples",
			wantPrice: "3 for $1",
		},
		{
			name:      "null current price",
			raw:       `{"name": "Pears", "current_price": null, "price": "1.29"}`,
			wantTitle: "Pears",
			wantPrice: "1.29",
		},
		{
			name:      "clipping image fallback",
			raw:       `{"name": "Eggs", "price": "3.99", "image_url": "", "clipping_image_url": "https://img.test/c.jpg"}`,
			wantTitle: "Eggs",
			wantPrice: "3.99",
			wantImage: "https://img.test/c.jpg",
		},
		{
			name:      "image url kept verbatim",
			raw:       `{"name": "Rice", "price": "9.99", "image_url": " https://img.test/r.jpg "}`,
			wantTitle: "Rice",
			wantPrice: "9.99",
			wantImage: " https://img.test/r.jpg ",
		},
		{
			name:      "nothing populated",
			raw:       `{"name": "Eggs", "price": ""}`,
			wantTitle: "Eggs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := ExtractItem(decodeRecord(t, tt.raw), nil)
			if item.Title != tt.wantTitle {
				t.Errorf("title = %q, want %q", item.Title, tt.wantTitle)
			}
			if item.Price != tt.wantPrice {
				t.Errorf("price = %q, want %q", item.Price, tt.wantPrice)
			}
			if item.ImageURL != tt.wantImage {
				t.Errorf("image = %q, want %q", item.ImageURL, tt.wantImage)
			}
		})
	}
}

func TestExtractItemDates(t *testing.T) {
	cache, err := NewDateCache(8)
	if err != nil {
		t.Fatalf("new date cache: %v", err)
	}
	rec := decodeRecord(t, `{"name": "Milk", "price": "1", "valid_from": "2024-05-20T04:00:00+00:00", "valid_to": "not a date"}`)

	item := ExtractItem(rec, cache)
	if item.ValidFrom == nil || item.ValidFrom.Format(models.DateLayout) != "2024-05-20" {
		t.Fatalf("valid_from = %v, want 2024-05-20", item.ValidFrom)
	}
	if item.ValidTo != nil {
		t.Fatalf("unparsable valid_to should be absent, got %v", item.ValidTo)
	}
}

func TestValidateItem(t *testing.T) {
	tests := []struct {
		name    string
		item    models.Item
		wantErr bool
	}{
		{name: "valid", item: models.Item{Title: "Eggs", Price: "3.99"}},
		{name: "missing title", item: models.Item{Price: "3.99"}, wantErr: true},
		{name: "missing price", item: models.Item{Title: "Eggs"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateItem(tt.item)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateItem() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRow(t *testing.T) {
	tests := []struct {
		name    string
		row     *models.OutputRow
		wantErr bool
	}{
		{
			name: "valid row",
			row:  &models.OutputRow{Item: "Milk 2L", Price: "4.99", Store: "Walmart", Date: "2024-06-15"},
		},
		{name: "nil row", row: nil, wantErr: true},
		{name: "blank item", row: &models.OutputRow{Item: " ", Price: "4.99", Store: "Walmart"}, wantErr: true},
		{name: "missing price", row: &models.OutputRow{Item: "Milk 2L", Store: "Walmart"}, wantErr: true},
		{name: "missing store", row: &models.OutputRow{Item: "Milk 2L", Price: "4.99"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRow(tt.row)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRow() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  bool
	}{
		{name: "nil", value: nil, want: false},
		{name: "false", value: false, want: false},
		{name: "true", value: true, want: true},
		{name: "empty string", value: "", want: false},
		{name: "string", value: "2", want: true},
		{name: "zero number", value: json.Number("0"), want: false},
		{name: "number", value: json.Number("2"), want: true},
		{name: "zero float", value: 0.0, want: false},
		{name: "empty list", value: []any{}, want: false},
		{name: "object", value: map[string]any{"a": 1}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truthy(tt.value); got != tt.want {
				t.Errorf("Truthy(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}
