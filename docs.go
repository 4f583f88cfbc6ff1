// identityserver provides the protocol core of an OpenID Connect and OAuth
// 2.0 token service: request validation, interaction and consent decisions,
// token issuance and the supporting grant storage.
//
// See the provider package for the validation and issuance pipeline, and
// examples/server for a runnable composition of it.
package identityserver
