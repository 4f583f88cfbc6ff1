// Package store defines the grant-store contract the provider core uses to
// persist opaque server-side state (authorization codes, refresh tokens,
// reference tokens, device codes and user consent), along with an in-memory
// implementation suitable for testing and small deployments and a Redis
// implementation for shared deployments.
package store
