// Package logging provides structured logging for HTTQ on log/slog.
//
// Every entry carries the service name and version. Output is JSON or text
// on stdout or stderr, filtered by level:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Request handlers tag entries with the request ID and token subject, and
// write one summary line per bridged request:
//
//	log := logger.ForRequest(requestID, subject)
//	log.LogExchange(ctx, logging.Exchange{Mode: "publish", Outcome: "published", Status: 200, Index: -1})
//
// Never log broker passwords or bearer tokens. Broker targets are logged via
// their String form, which omits the password.
package logging
