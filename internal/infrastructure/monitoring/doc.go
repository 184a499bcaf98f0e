/*
Package monitoring provides Prometheus metrics for the overlay host.

# Overview

Metrics cover the three places work piles up: content requests and the child
processes they spawn, the gate queue in front of the content surface, and the
external bridge waiting on content replies.

Metrics are registered on an explicit registry so several hosts, or several
tests, can live in one process. A nil *Metrics records nothing, which lets
components run unobserved.

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	// Record a content request
	timer := monitoring.NewTimer(metrics, "run_command")
	// ... handle request ...
	timer.Stop("ok")

	// Record external bridge responses
	router.Use(monitoring.Middleware(metrics))

# Metrics Endpoint

The external bridge serves the registry on GET /metrics:

	router.GET("/metrics", gin.WrapH(metrics.Handler()))
*/
package monitoring
