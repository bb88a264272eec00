// Package metric provides Prometheus-based metrics collection and an HTTP
// server for FloorLink monitoring and observability.
//
// The package offers a centralized metrics registry managing both core
// platform metrics (service status, message processing, broker health,
// fleet size) and custom component-specific metrics. It includes an HTTP
// server exposing metrics in Prometheus format.
//
// Setting up metrics collection and the HTTP server:
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        log.Fatal(err)
//	    }
//	}()
//	defer server.Stop()
//
// Components register their own metrics through the MetricsRegistrar
// interface, keyed by service and metric name so two components cannot
// silently collide.
package metric
