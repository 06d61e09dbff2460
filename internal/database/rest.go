package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
)

const restPrefix = "/rest/v1/"

// RESTSource reads tables through a PostgREST endpoint (Supabase) using a
// service role key, which bypasses row level security.
type RESTSource struct {
	baseURL  string
	key      string
	client   *http.Client
	pageSize int
	orderBy  string
	verbose  bool
}

// NewRESTSource creates a source for the endpoint in config.URL
func NewRESTSource(config Config) (*RESTSource, error) {
	if strings.TrimSpace(config.URL) == "" {
		return nil, ErrMissingURL
	}
	if strings.TrimSpace(config.Key) == "" {
		return nil, ErrMissingKey
	}

	base, err := url.Parse(strings.TrimSpace(config.URL))
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", config.URL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL %q: scheme must be http or https", config.URL)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &RESTSource{
		baseURL:  strings.TrimRight(base.String(), "/"),
		key:      strings.TrimSpace(config.Key),
		client:   &http.Client{Timeout: timeout},
		pageSize: config.PageSize,
		orderBy:  config.OrderBy,
		verbose:  config.Verbose,
	}, nil
}

// FetchAll reads the table page by page. PostgREST caps the rows of a single
// response, so a short page does not mean the end: paging stops once the
// exact count from Content-Range is reached, or on an empty page when the
// server sends no count. A page size of zero sends no limit and lets the
// server cap each page.
//
// Tables without the order column are read again unordered.
func (s *RESTSource) FetchAll(ctx context.Context, table string) ([]Record, error) {
	records, err := s.fetchAll(ctx, table, s.orderBy)
	if err != nil && s.orderBy != "" && isMissingColumn(err, s.orderBy) {
		log.Printf("%s: no %q column to order by, reading unordered", table, s.orderBy)
		return s.fetchAll(ctx, table, "")
	}
	return records, err
}

func (s *RESTSource) fetchAll(ctx context.Context, table, order string) ([]Record, error) {
	var records []Record
	for {
		page, total, err := s.fetchPage(ctx, table, order, len(records))
		if err != nil {
			return nil, err
		}
		records = append(records, page...)

		if len(page) == 0 || (total >= 0 && len(records) >= total) {
			return records, nil
		}
	}
}

// fetchPage returns one page and the table's row count, or -1 when the
// server did not report it.
func (s *RESTSource) fetchPage(ctx context.Context, table, order string, offset int) ([]Record, int, error) {
	query := url.Values{}
	query.Set("select", "*")
	if order != "" {
		query.Set("order", order+".asc")
	}
	if s.pageSize > 0 {
		query.Set("limit", strconv.Itoa(s.pageSize))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}

	endpoint := s.baseURL + restPrefix + url.PathEscape(table) + "?" + query.Encode()
	if s.verbose {
		log.Printf("GET %s", endpoint)
	}

	body, header, err := s.do(ctx, endpoint, "application/json", "count=exact")
	if err != nil {
		return nil, -1, err
	}

	records, err := DecodeRecords(body)
	if err != nil {
		return nil, -1, fmt.Errorf("rest: %s: %w", table, err)
	}
	return records, contentRangeTotal(header.Get("Content-Range")), nil
}

// contentRangeTotal parses the total of "0-999/2500" or "*/0". Unknown
// totals ("0-999/*") and malformed headers give -1.
func contentRangeTotal(v string) int {
	i := strings.LastIndexByte(v, '/')
	if i < 0 {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(v[i+1:]))
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// ListTables reads the table names from the OpenAPI description PostgREST
// serves at its root.
func (s *RESTSource) ListTables(ctx context.Context) ([]string, error) {
	body, err := s.get(ctx, s.baseURL+restPrefix, "application/openapi+json")
	if err != nil {
		return nil, err
	}

	var tables []string
	err = jsonparser.ObjectEach(body, func(key, _ []byte, _ jsonparser.ValueType, _ int) error {
		tables = append(tables, string(key))
		return nil
	}, "definitions")
	if err != nil {
		return nil, fmt.Errorf("rest: parse OpenAPI definitions: %w", err)
	}

	sort.Strings(tables)
	return tables, nil
}

// Ping checks that the endpoint answers and accepts the key.
func (s *RESTSource) Ping(ctx context.Context) error {
	_, err := s.get(ctx, s.baseURL+restPrefix, "application/openapi+json")
	return err
}

// Close releases idle HTTP connections
func (s *RESTSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// httpError is a non-2xx response from the endpoint.
type httpError struct {
	Status int
	Body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("rest: http %d: %s", e.Status, e.Body)
}

// isMissingColumn reports whether err is PostgREST's undefined column error
// (SQLSTATE 42703) for column.
func isMissingColumn(err error, column string) bool {
	var herr *httpError
	if !errors.As(err, &herr) || herr.Status != http.StatusBadRequest {
		return false
	}
	code, _ := jsonparser.GetString([]byte(herr.Body), "code")
	msg, _ := jsonparser.GetString([]byte(herr.Body), "message")
	return code == "42703" && strings.Contains(msg, column)
}

func (s *RESTSource) get(ctx context.Context, endpoint, accept string) ([]byte, error) {
	body, _, err := s.do(ctx, endpoint, accept, "")
	return body, err
}

func (s *RESTSource) do(ctx context.Context, endpoint, accept, prefer string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("rest: create request: %w", err)
	}
	req.Header.Set("apikey", s.key)
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("Accept", accept)
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("rest: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, nil, &httpError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("rest: read body: %w", err)
	}
	return body, resp.Header, nil
}
