// Package util provides small helpers shared across oauth-core packages:
// truncation of sensitive values for logging and URL manipulation for
// redirect responses and client provisioning.
package util
