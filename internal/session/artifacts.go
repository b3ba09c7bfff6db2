package session

import (
	"regexp"

	"github.com/droverhq/drover/internal/store"
)

// artifactPattern matches the XML blocks assistants use to mark durable
// outputs inside their text content.
var artifactPattern = regexp.MustCompile(
	`(?s)<artifact type="(plan|diff|screenshot|walkthrough)" title="([^"]*)">(.*?)</artifact>`)

// extractArtifacts scans assistant text content for artifact blocks.
func extractArtifacts(conversationID, messageID, text string) []*store.Artifact {
	matches := artifactPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	artifacts := make([]*store.Artifact, 0, len(matches))
	for _, m := range matches {
		artifacts = append(artifacts, &store.Artifact{
			ConversationID: conversationID,
			MessageID:      messageID,
			Type:           m[1],
			Title:          m[2],
			Content:        m[3],
		})
	}
	return artifacts
}
