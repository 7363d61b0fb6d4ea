package provider

import (
	"encoding/json"
	"strings"

	"github.com/MarkoPoloResearchLab/topup/internal/catalog"
	"github.com/MarkoPoloResearchLab/topup/pkg/topup"
)

// Network is a provider network entry.
type Network struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CountryCode string `json:"country_code"`
}

// Plan is a data bundle offered on a network.
type Plan struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Validity string  `json:"validity"`
}

var mockAirtimeNetworks = []Network{
	{ID: "mtn_nigeria", Name: "MTN Nigeria", CountryCode: "NG"},
	{ID: "glo_nigeria", Name: "Glo Nigeria", CountryCode: "NG"},
	{ID: "airtel_nigeria", Name: "Airtel Nigeria", CountryCode: "NG"},
	{ID: "9mobile_nigeria", Name: "9Mobile Nigeria", CountryCode: "NG"},
}

var mockDataNetworks = []Network{
	{ID: "mtn_sme_data", Name: "MTN SME Data", CountryCode: "NG"},
	{ID: "mtn_gifting_data", Name: "MTN Gifting Data", CountryCode: "NG"},
	{ID: "glo_data", Name: "Glo Data", CountryCode: "NG"},
	{ID: "airtel_data", Name: "Airtel Data", CountryCode: "NG"},
}

var mockDataPlans = map[string][]Plan{
	"mtn_sme_data": {
		{ID: "M100MBS", Name: "100MB", Price: 5, Validity: "1 day"},
		{ID: "M500MBS", Name: "500MB", Price: 15, Validity: "7 days"},
		{ID: "M1GB", Name: "1GB", Price: 25, Validity: "30 days"},
		{ID: "M5GB", Name: "5GB", Price: 100, Validity: "30 days"},
	},
	"mtn_gifting_data": {
		{ID: "G1GB", Name: "1GB", Price: 30, Validity: "30 days"},
		{ID: "G5GB", Name: "5GB", Price: 120, Validity: "30 days"},
		{ID: "G10GB", Name: "10GB", Price: 200, Validity: "30 days"},
	},
	"glo_data": {
		{ID: "G500MB", Name: "500MB", Price: 20, Validity: "7 days"},
		{ID: "G1GB", Name: "1GB", Price: 35, Validity: "30 days"},
		{ID: "G5GB", Name: "5GB", Price: 130, Validity: "30 days"},
	},
	"airtel_data": {
		{ID: "A500MB", Name: "500MB", Price: 18, Validity: "7 days"},
		{ID: "A1GB", Name: "1GB", Price: 32, Validity: "30 days"},
		{ID: "A5GB", Name: "5GB", Price: 110, Validity: "30 days"},
	},
}

// MockCatalog serves the static catalog used when the cache runs with the mock fallback policy.
// Tokens and purchases never have fallback data.
func MockCatalog(key catalog.Key) ([]byte, bool) {
	var payload interface{}
	switch {
	case key.Kind == catalog.KindNetworks && key.Product == topup.ProductAirtime:
		payload = mockAirtimeNetworks
	case key.Kind == catalog.KindNetworks && key.Product == topup.ProductData:
		payload = mockDataNetworks
	case key.Kind == catalog.KindPlans && key.Product == topup.ProductData:
		plans, ok := mockDataPlans[strings.ToLower(strings.TrimSpace(key.Network))]
		if !ok {
			plans = []Plan{}
		}
		payload = plans
	default:
		return nil, false
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	return raw, true
}
