// Package alerting turns failed dispatches into notifications for chat
// robots such as DingTalk and Slack.
package alerting
