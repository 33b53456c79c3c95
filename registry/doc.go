// Package registry implements the Deployment Registry:
// join/leave/listLive/isAlive/refresh over a shared coordination store,
// with conservative failure semantics so transient errors never evict a
// possibly-live TCP channel.
//
// # See Also
//
//   - client: the dispatcher that calls this service's HTTPClient to check
//     liveness before choosing the TCP transport.
//   - executor: the server-side instance that Joins on cold start.
package registry
