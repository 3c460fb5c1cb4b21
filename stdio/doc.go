// Package stdio implements the single-connection line-oriented transport over
// stdin/stdout. It is intended for embedding the server as a subprocess, local
// development, and environments where spawning a child process and piping JSON
// is simpler than running an HTTP server.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Framing          : newline-delimited JSON envelopes
//	Sessions         : exactly one logical session per process
//
// Unparseable lines produce a parse-error response carrying a best-effort
// extracted id; they never terminate the read loop. Messages without an id
// are notifications and never receive a synchronous reply.
//
// Options allow supplying alternate io.Reader / io.Writer or a custom logger.
//
// Example:
//
//	t := stdio.New()
//	t.OnRequest(srv.HandleRequest)
//	t.OnNotification(srv.HandleNotification)
//	if err := t.Start(ctx); err != nil { log.Fatal(err) }
//
// For multi-client deployments prefer the httprpc binding, which implements
// the same transport contract over HTTP.
package stdio
