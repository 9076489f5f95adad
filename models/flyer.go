// Package models defines data structures for the flyer scraper.
package models

import "time"

// DateLayout is the ISO calendar date format used for capture and validity dates.
const DateLayout = "2006-01-02"

// Item is a flyer entry as extracted from one API record. It only lives long
// enough to be turned into an OutputRow.
type Item struct {
	Title     string
	Price     string
	ValidFrom *time.Time
	ValidTo   *time.Time
	ImageURL  string
}

// OutputRow is one line of the output file.
type OutputRow struct {
	Item        string `csv:"item" json:"item"`
	Price       string `csv:"price" json:"price"`
	Store       string `csv:"store" json:"store"`
	Date        string `csv:"date" json:"date"`
	SourceImage string `csv:"source_image" json:"source_image"`
}

// ScraperResult holds the overall result of a fetch run
type ScraperResult struct {
	Rows                 []OutputRow
	StartTime            time.Time
	EndTime              time.Time
	PageCount            int
	RequestCount         int
	ItemsSeen            int
	FilteredCount        int
	DiscardedCount       int
	StoppedOnFormatError bool
}
