// Package model defines the task and result records exchanged over the Redis
// queues. The wire form is protojson-compatible: camelCase keys, 64-bit
// integers encoded as strings, and empty repeated/string fields omitted, so
// that workers written in other languages can share the same queues.
package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ItemStatus matches the proto ItemStatus enum.
type ItemStatus int

const (
	StatusOnSale ItemStatus = 0
	StatusSold   ItemStatus = 1
)

// DefaultPages is the number of pages crawled per listing status when the
// producer does not specify one.
const DefaultPages = 5

// Item is a single crawled listing.
type Item struct {
	SourceID string     `json:"sourceId"`
	Title    string     `json:"title"`
	Price    uint32     `json:"price"`
	ImageURL string     `json:"imageUrl"`
	ItemURL  string     `json:"itemUrl"`
	Status   ItemStatus `json:"status"`
}

// CrawlRequest is a unit of work popped from the task queue.
type CrawlRequest struct {
	IPID        uint64
	Keyword     string
	TaskID      string
	CreatedAt   int64
	RetryCount  uint32
	PagesOnSale uint32
	PagesSold   uint32
}

// DedupKey returns the producer-side uniqueness token for this request.
func (r *CrawlRequest) DedupKey() string {
	return "ip:" + strconv.FormatUint(r.IPID, 10)
}

type crawlRequestWire struct {
	IPID        stringUint64 `json:"ipId"`
	Keyword     string       `json:"keyword"`
	TaskID      string       `json:"taskId"`
	CreatedAt   stringInt64  `json:"createdAt"`
	RetryCount  uint32       `json:"retryCount"`
	PagesOnSale *uint32      `json:"pagesOnSale"`
	PagesSold   *uint32      `json:"pagesSold"`
}

// MarshalJSON encodes the request in protojson-compatible form.
func (r CrawlRequest) MarshalJSON() ([]byte, error) {
	onSale := r.PagesOnSale
	sold := r.PagesSold
	return json.Marshal(crawlRequestWire{
		IPID:        stringUint64(r.IPID),
		Keyword:     r.Keyword,
		TaskID:      r.TaskID,
		CreatedAt:   stringInt64(r.CreatedAt),
		RetryCount:  r.RetryCount,
		PagesOnSale: &onSale,
		PagesSold:   &sold,
	})
}

// UnmarshalJSON decodes the wire form, applying the page-count defaults when
// the producer omits them.
func (r *CrawlRequest) UnmarshalJSON(data []byte) error {
	var w crawlRequestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.IPID = uint64(w.IPID)
	r.Keyword = w.Keyword
	r.TaskID = w.TaskID
	r.CreatedAt = int64(w.CreatedAt)
	r.RetryCount = w.RetryCount
	r.PagesOnSale = DefaultPages
	if w.PagesOnSale != nil {
		r.PagesOnSale = *w.PagesOnSale
	}
	r.PagesSold = DefaultPages
	if w.PagesSold != nil {
		r.PagesSold = *w.PagesSold
	}
	return nil
}

// CrawlResponse is a unit of work pushed to the result queue. Exactly one
// response is pushed per successfully popped task; a non-empty ErrorMessage
// marks a failure but the response is still pushed.
type CrawlResponse struct {
	IPID         uint64
	TaskID       string
	CrawledAt    int64
	Items        []Item
	TotalFound   uint32
	ErrorMessage string
	PagesCrawled uint32
	RetryCount   uint32
}

type crawlResponseWire struct {
	IPID         stringUint64 `json:"ipId"`
	TaskID       string       `json:"taskId"`
	CrawledAt    stringInt64  `json:"crawledAt"`
	TotalFound   uint32       `json:"totalFound"`
	PagesCrawled uint32       `json:"pagesCrawled"`
	RetryCount   uint32       `json:"retryCount"`
	Items        []Item       `json:"items,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// MarshalJSON encodes the response, omitting empty items and error message.
func (r CrawlResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(crawlResponseWire{
		IPID:         stringUint64(r.IPID),
		TaskID:       r.TaskID,
		CrawledAt:    stringInt64(r.CrawledAt),
		TotalFound:   r.TotalFound,
		PagesCrawled: r.PagesCrawled,
		RetryCount:   r.RetryCount,
		Items:        r.Items,
		ErrorMessage: r.ErrorMessage,
	})
}

// UnmarshalJSON decodes the wire form.
func (r *CrawlResponse) UnmarshalJSON(data []byte) error {
	var w crawlResponseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.IPID = uint64(w.IPID)
	r.TaskID = w.TaskID
	r.CrawledAt = int64(w.CrawledAt)
	r.TotalFound = w.TotalFound
	r.PagesCrawled = w.PagesCrawled
	r.RetryCount = w.RetryCount
	r.Items = w.Items
	r.ErrorMessage = w.ErrorMessage
	return nil
}

// stringUint64 encodes as a decimal string, per the protojson convention for
// uint64. Decoding accepts either a quoted string or a bare number, matching
// what protojson parsers tolerate.
type stringUint64 uint64

func (v stringUint64) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatUint(uint64(v), 10))), nil
}

func (v *stringUint64) UnmarshalJSON(data []byte) error {
	s := unquote(data)
	if s == "" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid uint64 value %q: %w", s, err)
	}
	*v = stringUint64(n)
	return nil
}

type stringInt64 int64

func (v stringInt64) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(v), 10))), nil
}

func (v *stringInt64) UnmarshalJSON(data []byte) error {
	s := unquote(data)
	if s == "" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid int64 value %q: %w", s, err)
	}
	*v = stringInt64(n)
	return nil
}

func unquote(data []byte) string {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "null" {
		return ""
	}
	return s
}
