// Package notifier is the outbound notification channel: it pushes a rendered
// schedule to one subscriber chat with rate limiting and bounded retries.
//
// Send is synchronous. The caller decides cancellation; once Send returns nil
// the message has been accepted by the transport.
package notifier
