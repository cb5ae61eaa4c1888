// Package httputil provides the JSON request and response helpers and the
// logrus-based middleware shared by the billing HTTP surface.
//
// Requests are decoded strictly and validated with struct tags:
//
//	var req checkoutRequest
//	if !httputil.DecodeAndValidate(w, r, &req) {
//		return // 400 already written
//	}
//
// Errors are always JSON:
//
//	httputil.WriteNotFoundError(w, "company not found")
//
// Middleware:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//	)(router)
package httputil
