package model

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrawlRequestRoundTrip(t *testing.T) {
	req := CrawlRequest{
		IPID:        42,
		Keyword:     "hololive",
		TaskID:      "b3b0a9a2-6f6e-4f5a-9c8d-1f2e3d4c5b6a",
		CreatedAt:   1700000000,
		RetryCount:  1,
		PagesOnSale: 3,
		PagesSold:   2,
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded CrawlRequest
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, req, decoded)
}

func TestCrawlRequestStringEncodedInts(t *testing.T) {
	req := CrawlRequest{IPID: 18446744073709551615, CreatedAt: 1700000000}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	s := string(data)
	assert.Contains(t, s, `"ipId":"18446744073709551615"`)
	assert.Contains(t, s, `"createdAt":"1700000000"`)
}

func TestCrawlRequestAcceptsBareNumbers(t *testing.T) {
	var req CrawlRequest
	require.NoError(t, json.Unmarshal([]byte(`{"ipId":7,"createdAt":123,"keyword":"x","taskId":"t"}`), &req))
	assert.Equal(t, uint64(7), req.IPID)
	assert.Equal(t, int64(123), req.CreatedAt)
}

func TestCrawlRequestPageDefaults(t *testing.T) {
	var req CrawlRequest
	require.NoError(t, json.Unmarshal([]byte(`{"ipId":"1","keyword":"k","taskId":"t"}`), &req))
	assert.Equal(t, uint32(DefaultPages), req.PagesOnSale)
	assert.Equal(t, uint32(DefaultPages), req.PagesSold)

	// Explicit zero is honored, not replaced by the default.
	var zero CrawlRequest
	require.NoError(t, json.Unmarshal([]byte(`{"ipId":"1","keyword":"k","taskId":"t","pagesOnSale":0,"pagesSold":0}`), &zero))
	assert.Equal(t, uint32(0), zero.PagesOnSale)
	assert.Equal(t, uint32(0), zero.PagesSold)
}

func TestCrawlResponseOmitsEmptyFields(t *testing.T) {
	resp := CrawlResponse{IPID: 1, TaskID: "t", CrawledAt: 100}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	s := string(data)
	assert.NotContains(t, s, "items")
	assert.NotContains(t, s, "errorMessage")
	assert.Contains(t, s, `"ipId":"1"`)
	assert.Contains(t, s, `"crawledAt":"100"`)
}

func TestCrawlResponseWithItems(t *testing.T) {
	resp := CrawlResponse{
		IPID:      9,
		TaskID:    "t",
		CrawledAt: 100,
		Items: []Item{
			{SourceID: "m1", Title: "figure", Price: 4800, Status: StatusSold,
				ImageURL: "https://img.example/m1.jpg", ItemURL: "https://jp.mercari.com/item/m1"},
		},
		TotalFound:   1,
		PagesCrawled: 2,
	}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded CrawlResponse
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, resp, decoded)
	assert.Contains(t, string(data), `"sourceId":"m1"`)
	assert.Contains(t, string(data), `"status":1`)
}

func TestCrawlResponseCompactEncoding(t *testing.T) {
	resp := CrawlResponse{IPID: 1, TaskID: "t", Items: []Item{{SourceID: "a"}}}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.False(t, strings.ContainsAny(string(data), " \n\t"))
}

func TestDedupKey(t *testing.T) {
	req := CrawlRequest{IPID: 12345}
	assert.Equal(t, "ip:12345", req.DedupKey())
}
