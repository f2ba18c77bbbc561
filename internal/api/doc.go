// Package api hosts the HTTP handlers of the streaming gateway.
//
// Handler exposes four endpoints: the status document at "/", the watch page
// at "/watch/{path}", byte-range media streaming at "/{path}" and component
// health. Handlers only translate between HTTP and gateway.Gateway; link
// parsing, backend selection and chunk planning live in the gateway package.
//
// Failures are reported according to their gateway.Kind. Errors raised before
// the response headers are sent produce a JSON body of the form
// {"error": "..."}; errors while streaming end the body early and are only
// logged, at warn for transient I/O and at error for anything unexpected.
//
// Handler implementations assume upstream middleware from internal/server has
// already assigned request ids and applied rate limiting, metrics and request
// logging.
package api
