/*
Package security seals the credentials lifeguard keeps in its store.

Zones carry a compute session credential and the TSIG secrets used for
dynamic name-service updates. When LIFEGUARD_SECRETS_KEY is set, those values
are encrypted with AES-256-GCM before they are written and opened only in
memory, right before a compute client or a name-service directory is built.

Sealed values are stored as "sealed:" followed by the base64 of the random
nonce and the ciphertext. Values without the prefix are treated as plain
text, so a store can be sealed gradually by re-applying its manifest.
*/
package security
