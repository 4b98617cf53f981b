// Package testutil provides testing utilities and fixtures for the authorization
// server packages: a controllable clock, client/code/token fixtures and a small
// HTTP request builder.
package testutil
