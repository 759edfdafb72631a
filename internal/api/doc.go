// Package api exposes the REST surface of the orchestration service:
// submitting natural-language commands, inspecting tasks and their
// statistics, and streaming task lifecycle events over SSE.
package api
