// Package alerts evaluates threshold rules against published estimates and
// notifies Slack, Teams or plain HTTP webhooks when a rule fires or resolves.
package alerts
