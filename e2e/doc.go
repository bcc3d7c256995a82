// Package e2e provides end-to-end tests for the hookpilot mention-to-reply cycle.
//
// These tests verify the complete workflow:
//  1. A signed GitHub issue_comment webhook mentions the bot
//  2. The gateway acknowledges with a reaction and queues a task
//  3. The worker runs the agent CLI (mocked)
//  4. The result is posted back as a comment on the same thread
//  5. The posted comment echoing back is suppressed
//
// Run with: go test -v ./e2e/...
//
// Skip in short mode: go test -short ./...
//
// The tests use a mocked GitHub API (via httptest.NewServer) and a mocked
// agent executable, with the real store, queue, worker and gateway in between.
//
// # Test Structure
//
//   - workflow_test.go: Main E2E workflow tests
//   - mocks/github.go: Mock GitHub API server
//   - mocks/agent.go: Mock agent executable
//
// # Running E2E Tests
//
//	go test -v -count=1 ./e2e/...
package e2e
