// Package defaults provides embedded copies of the default per-daemon
// configuration templates written by each daemon's -init flag.
package defaults

import _ "embed"

//go:embed slackbot.example.yaml
var SlackbotYAML []byte

//go:embed meetingbot.example.yaml
var MeetingbotYAML []byte

//go:embed codequalitybot.example.yaml
var CodeQualityBotYAML []byte

// ForDaemon returns the embedded default config template for the named
// daemon, or nil if no template exists for it.
func ForDaemon(daemon string) []byte {
	switch daemon {
	case "slackbot":
		return SlackbotYAML
	case "meetingbot":
		return MeetingbotYAML
	case "codequalitybot":
		return CodeQualityBotYAML
	default:
		return nil
	}
}
