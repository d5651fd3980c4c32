package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRequestBodySetsMutableFields(t *testing.T) {
	body := BuildRequestBody(BodyParams{
		Keyword:           "hololive",
		Status:            StatusOnSale,
		SearchSessionID:   "session-1",
		LaplaceDeviceUUID: "device-1",
		PageToken:         "v1:page2",
		PageSize:          120,
	})

	assert.Equal(t, "session-1", body["searchSessionId"])
	assert.Equal(t, "device-1", body["laplaceDeviceUuid"])
	assert.Equal(t, "v1:page2", body["pageToken"])
	assert.Equal(t, 120, body["pageSize"])

	cond, ok := body["searchCondition"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hololive", cond["keyword"])
	assert.Equal(t, []any{StatusOnSale}, cond["status"])

	// Constant fields survive substitution.
	assert.Equal(t, "SORT_CREATED_TIME", cond["sort"])
	assert.Equal(t, "ORDER_DESC", cond["order"])
	assert.Equal(t, "BaseSerp", body["source"])
}

func TestBuildRequestBodyDefaultsPageSize(t *testing.T) {
	body := BuildRequestBody(BodyParams{Keyword: "x", Status: StatusSoldOut})
	assert.Equal(t, ItemsPerPage, body["pageSize"])
}

func TestBuildRequestBodyDeepCopies(t *testing.T) {
	first := BuildRequestBody(BodyParams{Keyword: "a", Status: StatusOnSale})
	cond := first["searchCondition"].(map[string]any)
	cond["keyword"] = "mutated"
	cond["brandId"] = append(cond["brandId"].([]any), 99)
	first["source"] = "mutated"

	second := BuildRequestBody(BodyParams{Keyword: "b", Status: StatusSoldOut})
	secondCond := second["searchCondition"].(map[string]any)
	assert.Equal(t, "b", secondCond["keyword"])
	assert.Empty(t, secondCond["brandId"])
	assert.Equal(t, "BaseSerp", second["source"])
	assert.Equal(t, []any{StatusSoldOut}, secondCond["status"])
}
