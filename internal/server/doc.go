// Package server hosts the Fiber HTTP service, the request middleware chain
// and the app registry that maps a Host header to an offline app. Each
// AppRoute owns its cache storage and the worker Registration that controls
// requests for that app; the proxy package supplies the handler and fetcher.
package server
