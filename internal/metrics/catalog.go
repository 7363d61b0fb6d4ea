package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(catalogRequestsTotal) }

var catalogRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "catalog_requests_total",
		Help: "Catalog cache lookups by kind and result.",
	},
	[]string{"kind", "result"}, // result: hit|miss|fallback|error
)

// IncCatalogRequest counts one catalog cache lookup.
func IncCatalogRequest(kind, result string) {
	catalogRequestsTotal.WithLabelValues(norm(kind), norm(result)).Inc()
}
