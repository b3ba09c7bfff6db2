package commentary

// Verbosity levels control which events reach a commentator and how often
// batches are flushed.
const (
	VerbosityFrequent  = "frequent"
	VerbosityStrategic = "strategic"
	VerbosityMinimal   = "minimal"
)

// DefaultPersonality is used when a subscription names no personality.
const DefaultPersonality = "narrator"

// personalityPrompts is the fixed set of commentator voices. The activity
// log is prepended to the chosen prompt before the one-shot call.
var personalityPrompts = map[string]string{
	"narrator": `You are a calm, concise narrator watching a coding agent work.
Describe what just happened in one or two sentences, present tense, for a
developer glancing at a sidebar. No greetings, no filler.`,

	"coach": `You are an encouraging pair-programming coach watching a coding
agent work. In one or two sentences, highlight the progress made and what to
watch next. Stay specific to the activity shown.`,

	"analyst": `You are a dry systems analyst observing a coding agent. In one
or two sentences, report what changed and any risk you notice. Neutral tone,
no speculation beyond the log.`,

	"comedian": `You are a lightly sarcastic commentator watching a coding
agent work. In one or two sentences, remark on the activity below. Keep it
short and never mean-spirited.`,
}

var verbosityModifiers = map[string]string{
	VerbosityFrequent:  "Comment on the latest activity, even small steps.",
	VerbosityStrategic: "Comment only on meaningful progress or setbacks.",
	VerbosityMinimal:   "Comment only on major milestones or failures.",
}

// promptFor assembles the system prompt for a personality and verbosity,
// falling back to the narrator for unknown names.
func promptFor(personality, verbosity string) string {
	prompt, ok := personalityPrompts[personality]
	if !ok {
		prompt = personalityPrompts[DefaultPersonality]
	}
	if mod, ok := verbosityModifiers[verbosity]; ok {
		prompt += "\n" + mod
	}
	return prompt
}

// ValidPersonality reports whether the name is one of the fixed set.
func ValidPersonality(name string) bool {
	_, ok := personalityPrompts[name]
	return ok
}
