// Package server hosts the Fiber HTTP front of the offline shell: the request
// middleware chain, and the origin registry that maps the Host header either to
// the shell's own scope or to one of the third-party hosts the inventory pulls
// from. The proxy package plugs the cache-first interceptor in through the
// ProxyHandler interface, and the routes package adds /-/ diagnostics.
package server
