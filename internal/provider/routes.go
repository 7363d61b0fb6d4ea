package provider

import (
	"encoding/json"

	"github.com/MarkoPoloResearchLab/topup/pkg/topup"
)

// route describes how one product maps onto the provider's HTTP surface.
type route struct {
	networksPath    string
	plansPath       string
	purchasePath    string
	purchaseFailure string
	buildPayload    func(order topup.ProviderOrder) map[string]interface{}
}

var routes = map[topup.ProductType]route{
	topup.ProductAirtime: {
		networksPath:    "/api/airtime/networks/",
		purchasePath:    "/api/airtime/topup/",
		purchaseFailure: "Airtime topup failed",
		buildPayload: func(order topup.ProviderOrder) map[string]interface{} {
			return map[string]interface{}{
				"network":       order.Network,
				"mobile_number": order.MobileNumber,
				"amount":        json.Number(order.Amount.String()),
			}
		},
	},
	topup.ProductData: {
		networksPath:    "/api/data/networks/",
		plansPath:       "/api/data/plans/",
		purchasePath:    "/api/data/purchase/",
		purchaseFailure: "Data purchase failed",
		buildPayload: func(order topup.ProviderOrder) map[string]interface{} {
			return map[string]interface{}{
				"network":       order.Network,
				"mobile_number": order.MobileNumber,
				"plan_code":     order.PlanCode,
			}
		},
	},
}
