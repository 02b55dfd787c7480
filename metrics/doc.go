// Package metrics exports the progress of a districts run to Prometheus.
//
// A Collector implements districts.MetricsCollector on a private registry.
// Long runs on cluster nodes usually cannot be scraped, so WriteTextfile
// dumps the registry in the text format read by the node exporter's
// textfile collector; Handler serves it over HTTP where scraping works.
package metrics
