// Package identity resolves bearer tokens into player identities.
//
// The relay never issues credentials. A Validator asks an external identity
// service (HTTP), verifies a locally trusted PASETO v4.public token, or, for
// development, looks the token up in a static table. AdminGate layers the
// administrator check on top of any Validator.
package identity
