// Package api exposes the task service over HTTP. Handlers translate
// requests into task.Service calls, enforce ownership and the task
// permissions carried by the caller's token, and map service errors to
// status codes without leaking internal details.
package api
