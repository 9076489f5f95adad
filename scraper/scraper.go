package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/go-scrape-flyers/config"
	"github.com/aluiziolira/go-scrape-flyers/models"
	"github.com/aluiziolira/go-scrape-flyers/parser"
	"github.com/gocolly/colly/v2"
)

const (
	ctxStart    = "start"
	ctxResponse = "response"
)

// Fetcher walks the pages of a flyer search one at a time and turns the
// matching items into output rows.
type Fetcher struct {
	cfg       *config.Config
	endpoint  *url.URL
	collector *colly.Collector
	dates     *parser.DateCache
	Metrics   *Metrics

	now func() time.Time
}

// searchPage is the subset of the search response the fetcher reads.
type searchPage struct {
	Items    []parser.Record `json:"items"`
	NextPage any             `json:"next_page"`
}

// NewFetcher builds a fetcher configured from cfg.
func NewFetcher(cfg *config.Config) (*Fetcher, error) {
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if endpoint.Host == "" {
		return nil, fmt.Errorf("endpoint must include a host")
	}

	dates, err := parser.NewDateCache(cfg.DateCacheSize)
	if err != nil {
		return nil, err
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(endpoint.Hostname()),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.ParseHTTPErrorResponse = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	f := &Fetcher{
		cfg:       cfg,
		endpoint:  endpoint,
		collector: collector,
		dates:     dates,
		Metrics:   NewMetrics(),
		now:       time.Now,
	}
	f.configureHandlers()
	return f, nil
}

// SetTransport replaces the HTTP transport used for page requests.
func (f *Fetcher) SetTransport(rt http.RoundTripper) {
	f.collector.WithTransport(rt)
}

// FetchAll returns every row emitted across all pages, in page order.
func (f *Fetcher) FetchAll(ctx context.Context) ([]models.OutputRow, error) {
	result, err := f.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return result.Rows, nil
}

// Fetch requests pages 1, 2, ... until a page has no items or the server
// stops advertising a next page. Transport errors abort the run and discard
// the rows gathered so far; format errors follow cfg.OnFormatError.
func (f *Fetcher) Fetch(ctx context.Context) (*models.ScraperResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	today := f.now()
	captureDate := today.Format(models.DateLayout)
	result := &models.ScraperResult{StartTime: today}

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		body, err := f.fetchPage(page)
		result.RequestCount++
		if err != nil {
			var formatErr *FormatError
			if errors.As(err, &formatErr) && f.cfg.OnFormatError == config.FormatErrorStop {
				slog.Warn("non-JSON response, stopping pagination",
					slog.Int("page", page),
					slog.String("content_type", formatErr.ContentType),
					slog.Int("rows", len(result.Rows)),
				)
				result.StoppedOnFormatError = true
				break
			}
			return nil, err
		}

		result.PageCount++
		f.Metrics.IncPages()
		if len(body.Items) == 0 {
			slog.Debug("empty page, pagination complete", slog.Int("page", page))
			break
		}

		emitted := 0
		for _, rec := range body.Items {
			result.ItemsSeen++
			item := parser.ExtractItem(rec, f.dates)

			if f.cfg.Windowed() && !parser.InWindow(item.ValidFrom, item.ValidTo, f.cfg.WindowDays, today) {
				result.FilteredCount++
				f.Metrics.IncItems("filtered")
				continue
			}
			if err := parser.ValidateItem(item); err != nil {
				result.DiscardedCount++
				f.Metrics.IncItems("discarded")
				continue
			}

			result.Rows = append(result.Rows, parser.NewRow(item, f.cfg.StoreLabel, captureDate))
			f.Metrics.IncItems("emitted")
			emitted++
		}

		slog.Debug("page processed",
			slog.Int("page", page),
			slog.Int("items", len(body.Items)),
			slog.Int("emitted", emitted),
		)

		if !parser.Truthy(body.NextPage) {
			break
		}
	}

	result.EndTime = f.now()
	return result, nil
}

// PageURL builds the search URL for a page number.
func (f *Fetcher) PageURL(page int) string {
	u := *f.endpoint
	q := u.Query()
	q.Set("locale", f.cfg.Locale)
	q.Set("postal_code", f.cfg.PostalCode)
	q.Set("q", f.cfg.MerchantQuery)
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

func (f *Fetcher) configureHandlers() {
	f.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put(ctxStart, time.Now())
		f.Metrics.IncRequest("started")
	})

	f.collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(ctxResponse, r)
		f.Metrics.IncRequest("completed")
		if start, ok := r.Ctx.GetAny(ctxStart).(time.Time); ok {
			f.Metrics.ObserveDuration(time.Since(start))
		}
		if r.StatusCode >= http.StatusBadRequest {
			slog.Error("non-2xx response",
				slog.Int("status", r.StatusCode),
				slog.String("url", r.Request.URL.String()),
			)
		}
	})

	f.collector.OnError(func(r *colly.Response, err error) {
		f.Metrics.IncRequest("failed")
		pageURL := ""
		if r != nil && r.Request != nil && r.Request.URL != nil {
			pageURL = r.Request.URL.String()
		}
		slog.Error("request error",
			slog.String("url", pageURL),
			slog.Any("error", err),
		)
	})
}

func (f *Fetcher) fetchPage(page int) (*searchPage, error) {
	pageURL := f.PageURL(page)
	cctx := colly.NewContext()
	hdr := http.Header{}
	hdr.Set("User-Agent", f.cfg.UserAgent)
	hdr.Set("Accept", "application/json")

	if err := f.collector.Request(http.MethodGet, pageURL, nil, cctx, hdr); err != nil {
		return nil, f.transportError(page, pageURL, 0, err)
	}

	resp, ok := cctx.GetAny(ctxResponse).(*colly.Response)
	if !ok {
		return nil, f.transportError(page, pageURL, 0, errors.New("no response received"))
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, f.transportError(page, pageURL, resp.StatusCode, nil)
	}

	contentType := ""
	if resp.Headers != nil {
		contentType = resp.Headers.Get("Content-Type")
	}
	if !isJSON(contentType) {
		f.Metrics.IncError("format")
		return nil, &FormatError{Page: page, URL: pageURL, ContentType: contentType}
	}

	var body searchPage
	dec := json.NewDecoder(bytes.NewReader(resp.Body))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		f.Metrics.IncError("format")
		return nil, &FormatError{Page: page, URL: pageURL, ContentType: contentType, Err: err}
	}
	return &body, nil
}

func (f *Fetcher) transportError(page int, pageURL string, statusCode int, err error) error {
	classified := classifyError(err, statusCode)
	f.Metrics.IncError(ErrorLabel(classified))
	return &TransportError{Page: page, URL: pageURL, StatusCode: statusCode, Err: classified}
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "application/json")
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
