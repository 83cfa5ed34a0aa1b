// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package relay implements a streaming HTTP rendezvous relay.

A sender delivers an HTTP request body to a named path using POST or PUT, and one or more receivers collect that body verbatim as the response bodies of their own GET or HEAD requests on the same path. The relay keeps no payload data; senders and receivers are paired on demand and bytes are streamed end to end with backpressure applied by the slowest receiver.

The path registry tracks who is currently registered on each path. A pairing commits once exactly one sender and the expected number of receivers are present. At that moment the sender forwards header material through a one-shot transfer to every receiver and streams its request body into each receiver's response. When the transfer ends, whether completed or aborted, the path returns to the empty state and may be reused by a fresh pairing.

A small set of reserved paths ("/", "/noscript", "/version", "/help", "/robots.txt" and "/favicon.ico") serve static content and never take part in a rendezvous. */
package relay
