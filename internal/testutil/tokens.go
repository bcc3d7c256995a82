// Package testutil provides shared fixtures for hookpilot tests.
package testutil

// Obviously fake credentials. Real-looking patterns (xoxb-..., ghp_...) trip
// push protection and secret scanners, so tests use these instead.
const (
	FakeSlackBotToken      = "test-slack-bot-token"
	FakeSlackSigningSecret = "test-slack-signing-secret"

	FakeGitHubToken         = "test-github-token"
	FakeGitHubWebhookSecret = "test-github-webhook-secret"

	FakeJiraAPIToken      = "test-jira-api-token"
	FakeJiraWebhookSecret = "test-jira-webhook-secret"

	FakeApprovalSigningKey = "test-approval-signing-key"
	FakeBearerToken        = "test-bearer-token"
	FakeWebhookSecret      = "test-outbound-webhook-secret"
)
