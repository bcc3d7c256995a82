// Package mocks provides mock implementations for E2E testing of hookpilot.
//
// This package provides:
//   - GitHubMock: A mock GitHub API server recording comments and reactions
//   - AgentMock: A mock agent CLI emitting stream-json events
//
// Example usage:
//
//	ghMock := mocks.NewGitHubMock()
//	defer ghMock.Close()
//
//	agent, _ := mocks.NewAgentMock()
//	defer agent.Close()
//	agent.SetResponse("Looks good to me")
//
//	runnerCfg.Command = agent.BinPath()
package mocks
