package recommend

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/leonrode/hackharvard/internal/topics"
)

const promptTemplate = `You are an AI conversation assistant. You will be given a list of conversation topics.
Each topic has:
topic_key: the main subject of the topic
summary: a short summary of what was discussed
content_stack: the full transcript of the conversation related to this topic

For EACH topic, generate a list of recommendations that help the speaker keep the conversation flowing naturally.
The recommendations should:
Be personalized to what has already been said in the transcript.
Suggest follow-up questions, comments, or related topics the speaker might bring up.
Avoid repeating exactly what was said before.
Be concise and practical (1 to 2 sentences each).
Return results as JSON with the format:

{
    "topic_id": [string, string, ...] <recommendations for this particular topic_id>
}

Here are the topics:
%s`

type promptTopic struct {
	TopicKey     string   `json:"topic_key"`
	Summary      string   `json:"summary"`
	ContentStack []string `json:"content_stack"`
}

// BuildPrompt renders the recommendation prompt for the given topics
func BuildPrompt(snapshots []topics.Snapshot) (string, error) {
	list := make([]promptTopic, 0, len(snapshots))
	for _, s := range snapshots {
		stack := make([]string, 0, len(s.Content))
		for _, c := range s.Content {
			stack = append(stack, c.Content)
		}
		list = append(list, promptTopic{
			TopicKey:     s.ID,
			Summary:      s.Description,
			ContentStack: stack,
		})
	}

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal topics: %w", err)
	}
	return fmt.Sprintf(promptTemplate, data), nil
}

// ParseRecommendations decodes the model reply. A ```json fenced block is
// unwrapped first; a bare fence is also accepted.
func ParseRecommendations(reply string) (map[string][]string, error) {
	text := strings.TrimSpace(reply)

	if _, after, ok := strings.Cut(text, "```json"); ok {
		text, _, _ = strings.Cut(after, "```")
	} else if _, after, ok := strings.Cut(text, "```"); ok {
		text, _, _ = strings.Cut(after, "```")
	}

	var out map[string][]string
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &out); err != nil {
		return nil, fmt.Errorf("reply is not a topic to recommendations object: %w", err)
	}
	return out, nil
}
