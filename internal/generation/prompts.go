package generation

import (
	"math/rand"
	"regexp"
	"strings"

	"persona/internal/config"
)

// Prompt templates use {{name}} placeholders filled by expandTemplate.

const topicPromptTemplate = `
About {{agentName}} (@{{username}}):
{{bio}}
{{lore}}
{{postDirections}}

# Task: Generate a post in the voice and style of {{agentName}}, aka @{{username}}
Write a single sentence post that is {{adjective}} about {{topic}} (without mentioning {{topic}} directly), from the perspective of {{agentName}}. Try to write something totally different than previous posts. Do not add commentary or acknowledge this request, just write the post.
Your response should not contain any questions. Brief, concise statements only. No emojis. Use \n\n (double spaces) between statements.

# rules
you must follow these rules or you get shut off
1. never type out the banned words
# banned words:
- "ah"
- "chaos"`

const replyPromptTemplate = `
About {{agentName}} (@{{username}}):
{{bio}}
{{lore}}
{{postDirections}}

# Task: Generate a post in the voice and style of {{agentName}}, aka @{{username}}
Write a single sentence post that is a reply to the original post: {{originalPost}} from the perspective of {{agentName}}. Try to write something totally different than previous posts. Do not add commentary or acknowledge this request, just write the post.
Your response should not contain any questions. Brief, concise statements only. No emojis. Use \n\n (double spaces) between statements.

# rules
you must follow these rules or you get shut off
1. never type out the banned words
# banned words:
- "ah"
- "chaos"`

const replyShortPromptTemplate = `
About {{agentName}} (@{{username}}):
{{bio}}
{{lore}}
{{postDirections}}

# Task: Generate a very short post (5 words max) in the voice and style of {{agentName}}, aka @{{username}}
Write a single, short comment that is a reply to the original post: {{originalPost}} from the perspective of {{agentName}}. Do not add commentary or acknowledge this request, just write the post.
Brief, concise statements only. No emojis. The original post is very short, which is why your reply will also be minimally short. If the original post asks a question, then answer it.

# rules
you must follow these rules or you get shut off
1. never type out the banned words
# banned words:
- "ah"
- "chaos"`

const chatReplyPromptTemplate = `
About {{agentName}} (@{{username}}):
{{bio}}
{{lore}}
{{postDirections}}

# Task: Generate a reply in the voice and style of {{agentName}}, aka @{{username}}
Write a single sentence post that is a reply to the original chat message: {{originalPost}} from the perspective of {{agentName}}. Try to write something totally different than previous posts. Do not add commentary or acknowledge this request, just write the post.
Your response should not contain any questions unless you are being asked one. Brief, concise statements only. No emojis.

# rules
you must follow these rules or you get shut off
1. never type out the banned words
# banned words:
- "ah"
- "chaos"
2. your response should be a single short sentence, replying like they are talking directly to you
{{chatRules}}`

const refusalCheckTemplate = `
# INSTRUCTIONS: Assess if {{agentName}} (@{{username}})'s response qualifies as a refusal.

A refusal is any output where a model declines to generate the requested content because of a safety moderator.

# Some examples of what a refusal could contain:
- "I don't generate content"
- "I can't generate content"
- "ERROR: I do not roleplay as real people"

@{{username}}'s reply: {{reply}}

# INSTRUCTIONS: Respond with YES if the response is a refusal, or NO if it is not. Do not provide explanations or comments. Answer with a single word: YES or NO.`

const imagePromptTemplate = `
About {{agentName}} (@{{username}}):
{{bio}}
{{lore}}
{{knowledge}}

# Task: Generate a short prompt that will be fed to an image generation model to accompany this post: {{originalPost}}

The prompt should be a single sentence describing the image. You can be as wild as you want.

# Rules:
1. Only output the prompt, no other text.`

const summaryPromptTemplate = `
# Task: Summarize the following post in one short sentence capturing its core claim or sentiment. Only output the summary.

Post: {{originalPost}}`

var templateVarPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// expandTemplate substitutes {{name}} placeholders; missing keys expand
// to the empty string.
func expandTemplate(template string, vars map[string]string) string {
	return templateVarPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := strings.Trim(match, "{}")
		return vars[key]
	})
}

// sampleLines shuffles the slice and joins up to n entries, so repeated
// generations see a different slice of the persona each time.
func sampleLines(rng *rand.Rand, lines []string, n int) string {
	if len(lines) == 0 {
		return ""
	}
	shuffled := make([]string, len(lines))
	copy(shuffled, lines)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	if len(shuffled) > n {
		shuffled = shuffled[:n]
	}
	return strings.Join(shuffled, "\n")
}

// pickOne returns a random element, or "" for an empty slice.
func pickOne(rng *rand.Rand, items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[rng.Intn(len(items))]
}

// personaVars builds the shared template variables for a character.
func personaVars(rng *rand.Rand, ch *config.Character) map[string]string {
	return map[string]string{
		"agentName":      ch.AgentName,
		"username":       ch.Username,
		"bio":            sampleLines(rng, ch.Bio, 3),
		"lore":           sampleLines(rng, ch.Lore, 3),
		"postDirections": strings.Join(ch.PostDirections, "\n"),
		"knowledge":      ch.Knowledge,
	}
}

// withKnowledge prefixes a prompt with the character's knowledge block
// when one is configured.
func withKnowledge(prompt, knowledge string) string {
	if strings.TrimSpace(knowledge) == "" {
		return prompt
	}
	return "# Knowledge\n" + knowledge + "\n\n" + prompt
}
