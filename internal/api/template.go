package api

// The search request body is a large, mostly-constant document. Only six
// fields vary per call; everything else matches what the web client sends.
// The template is immutable at rest: BuildRequestBody hands each caller a
// fresh deep copy so concurrent requests cannot observe each other's edits.

// Listing status values accepted by the search endpoint.
const (
	StatusOnSale  = "STATUS_ON_SALE"
	StatusSoldOut = "STATUS_SOLD_OUT"
)

var requestBodyTemplate = map[string]any{
	"userId": "",
	"config": map[string]any{
		"responseToggles": []any{"QUERY_SUGGESTION_WEB_1"},
	},
	"pageSize":        120,
	"pageToken":       "",
	"searchSessionId": "",
	"source":          "BaseSerp",
	"indexRouting":    "INDEX_ROUTING_UNSPECIFIED",
	"thumbnailTypes":  []any{},
	"searchCondition": map[string]any{
		"keyword":                  "",
		"excludeKeyword":           "",
		"sort":                     "SORT_CREATED_TIME",
		"order":                    "ORDER_DESC",
		"status":                   []any{},
		"sizeId":                   []any{},
		"categoryId":               []any{},
		"brandId":                  []any{},
		"sellerId":                 []any{},
		"priceMin":                 0,
		"priceMax":                 0,
		"itemConditionId":          []any{},
		"shippingPayerId":          []any{},
		"shippingFromArea":         []any{},
		"shippingMethod":           []any{},
		"colorId":                  []any{},
		"hasCoupon":                false,
		"attributes":               []any{},
		"itemTypes":                []any{},
		"skuIds":                   []any{},
		"shopIds":                  []any{},
		"excludeShippingMethodIds": []any{},
	},
	"serviceFrom":             "suruga",
	"withItemBrand":           true,
	"withItemSize":            false,
	"withItemPromotions":      true,
	"withItemSizes":           true,
	"withShopname":            false,
	"useDynamicAttribute":     true,
	"withSuggestedItems":      true,
	"withOfferPricePromotion": true,
	"withProductSuggest":      true,
	"withParentProducts":      false,
	"withProductArticles":     true,
	"withSearchConditionId":   false,
	"withAuction":             true,
	"laplaceDeviceUuid":       "",
}

// BodyParams are the per-call fields of the search request.
type BodyParams struct {
	Keyword           string
	Status            string
	SearchSessionID   string
	LaplaceDeviceUUID string
	PageToken         string
	PageSize          int
}

// BuildRequestBody returns a fresh deep copy of the template with the
// per-call fields substituted.
func BuildRequestBody(p BodyParams) map[string]any {
	body := deepCopyMap(requestBodyTemplate)

	body["searchSessionId"] = p.SearchSessionID
	body["laplaceDeviceUuid"] = p.LaplaceDeviceUUID
	body["pageToken"] = p.PageToken
	pageSize := p.PageSize
	if pageSize <= 0 {
		pageSize = ItemsPerPage
	}
	body["pageSize"] = pageSize

	cond := body["searchCondition"].(map[string]any)
	cond["keyword"] = p.Keyword
	cond["status"] = []any{p.Status}

	return body
}

func deepCopyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = deepCopyValue(e)
		}
		return cp
	default:
		return t
	}
}
