// Package app is the application layer. The Service owns the session state
// machine and the key-lock table: every transition, every remote apply and
// every rollback goes through it. It is the only component that references
// multiple domain components.
package app
