// Package protocol implements license activation, nonce-rotating verification
// and the admin operations over a store.Store.
//
// A license moves from unactivated to bound on its first Activate and stays
// bound to that device for life. Every successful Verify consumes the current
// nonce and issues the next one, and the rotation is written with a
// conditional update so that only one caller can consume a given nonce.
// Presenting any other nonce burns the license; burning is permanent.
//
// Replies to a caller that already supplied enough to derive the transport key
// are sealed with xorcipher; earlier failures are returned in plaintext.
package protocol
