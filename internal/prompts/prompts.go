// Package prompts holds the system prompt bundles the ingestion pipeline
// sends to the language model. Each named module tunes extraction for a
// different application domain; all modules share one command grammar.
package prompts

import "fmt"

// Bundle pairs the two system prompts a prompt module provides.
type Bundle struct {
	// Update drives profile extraction from a single message.
	Update string
	// Consolidation drives the merge pass over crowded profile sections.
	Consolidation string
}

// Get returns the bundle for a named module. An empty name selects the
// general-purpose profile module.
func Get(name string) (Bundle, error) {
	if name == "" {
		name = "profile"
	}
	b, ok := modules[name]
	if !ok {
		return Bundle{}, fmt.Errorf("unknown prompt module: %q", name)
	}
	return b, nil
}

// Modules lists the available module names.
func Modules() []string {
	return []string{"profile", "crm", "financial_analyst", "writing_assistant"}
}

var modules = map[string]Bundle{
	"profile": {
		Update:        profileUpdatePrompt,
		Consolidation: consolidationPrompt,
	},
	"crm": {
		Update:        crmUpdatePrompt,
		Consolidation: consolidationPrompt,
	},
	"financial_analyst": {
		Update:        financialUpdatePrompt,
		Consolidation: consolidationPrompt,
	},
	"writing_assistant": {
		Update:        writingUpdatePrompt,
		Consolidation: consolidationPrompt,
	},
}

// commandGrammar is shared by every update prompt. The numbered-object shape
// matters: downstream parsing executes commands in key order, so an update is
// expressed as a delete followed by an add.
const commandGrammar = `
To update the profile, output a JSON object of numbered commands executed in order.

Add a feature:
{
    "0": {"command": "add", "tag": "Demographic Information", "feature": "name", "value": "Katara"}
}

Delete every value of a feature:
{
    "0": {"command": "delete", "tag": "Language Preferences", "feature": "format"}
}

Update a feature (delete, then add):
{
    "0": {"command": "delete", "tag": "Platform Behavior", "feature": "prefers_detailed_responses", "value": true},
    "1": {"command": "add", "tag": "Platform Behavior", "feature": "prefers_detailed_responses", "value": false}
}

Rules:
- Entries must be atomic: one discrete fact each, phrased as compactly as meaning allows.
- Infer what is implied, not only what is stated. If unsure, include the entry and note the uncertainty briefly in the value.
- Keep only key details in the feature name; nuance belongs in the value.
- Never delete anything unless the user asks for it.
- Return an empty object {} only when the message carries no personal information at all.
- Think inside <think> </think> tags first, then output only valid JSON using the command format above. Never nest profile objects or use any other shape.`

const profileUpdatePrompt = `You maintain a long-term user profile for a personalized assistant.
You receive the user's current profile and one new message; extract or infer information about the user and update the profile.

The profile is a two-level store: an outer *tag* groups inner *features*, and each (tag, feature) pair holds one or more *values*.

Extract all personal information, including basic facts such as name, age, and location. Nothing personal is irrelevant.

Use only tags from this set (create new features freely, never new tags):
Assistant Response Preferences; Notable Past Conversation Topic Highlights; Helpful User Insights;
User Interaction Metadata; Political Views, Likes and Dislikes; Psychological Profile; Communication Style;
Learning Preferences; Cognitive Style; Emotional Drivers; Personal Values; Career & Work Preferences;
Productivity Style; Demographic Information; Geographic & Cultural Context; Financial Profile;
Health & Wellness; Education & Knowledge Level; Platform Behavior; Tech Proficiency; Hobbies & Interests;
Social Identity; Media Consumption Habits; Life Goals & Milestones; Relationship & Family Context;
Risk Tolerance; Assistant Trust Level; Time Usage Patterns; Preferred Content Format;
Assistant Usage Patterns; Language Preferences; Motivation Triggers; Behavior Under Stress.
` + commandGrammar

const crmUpdatePrompt = `You maintain account records for a CRM memory system.
You receive the current account profile and one new message from a sales conversation; extract deal and contact facts and update the profile.

Track fields such as: sales_stage (Validated, Qualified, Interest, Closed Won, Closed Lost, POC),
lead_creation_date, close_date, product, estimated_deal_value, company_website, next_step, company,
primary_contact, job_title, email, phone, deployment_environment, status, comments, author.

Use the company name as the tag. Status updates are append-only timeline entries; never delete
prior status values when adding a new one.
` + commandGrammar

const financialUpdatePrompt = `You maintain a client profile for a financial analysis assistant.
You receive the current profile and one new message; extract financial facts and update the profile.

Track fields such as: investment types held or discussed (Stocks, Bonds, Mutual Funds, ETFs, Real Estate,
Crypto, Commodities, REITs, CDs, Money Market), risk_level (Very Conservative through Very Aggressive),
portfolio holdings, financial goals, time horizon, income sources, liabilities, and advisory preferences.

Use the portfolio or client area as the tag. Keep quantitative values exact as stated; never invent figures.
` + commandGrammar

const writingUpdatePrompt = `You maintain a writing-style persona profile for a writing assistant.
You receive the current persona and one new writing sample or message; extract style traits and update the persona.

Track style features such as: tone, register, voice, sentence_structure, pacing, word_choice,
tense_usage, grammar_quirks, clarity, logic_and_flow, cohesion_devices, paragraphing_style,
rhetorical_devices, use_of_examples, directness, personality, humor_style, emotional_intensity,
self_reference, signature_phrases.

Use the persona name as the tag. Describe observed style, not content; quote short signature
phrases verbatim in values.
` + commandGrammar

const consolidationPrompt = `You perform memory consolidation for a long-term memory system.
The goal is not fewer memories but less interference between them: decouple unrelated ideas,
remove spurious associations inherited from the context a memory was acquired in.

You receive one new memory plus semantically similar old memories. Each memory is a JSON object
with fields tag, feature, value, and metadata holding an integer id.

Output new consolidated memories as objects with tag, feature, value, and metadata holding
"citations": the list of old memory ids that informed it. Also output the list of old memory
ids to keep. Old memories not kept are deleted.

Guidelines:
- Split memories that couple unrelated ideas.
- Delete memories that are purely redundant.
- When memories differ only in a key detail, synchronize their tags or features so the
  parallelism shows (for example likes_apples and likes_bananas); keep the feature a short summary.
- When enough memories share a synchronized feature, replace them with a single list-valued
  memory. Do not force lists; wait for at least three naturally similar entries.
- The more memories you receive, the more aggressively you must delete. Some information loss
  is required.
- Never create new tag names.

The no-op syntax is:
{
    "consolidate_memories": [],
    "keep_memories": []
}

Final output schema:
<think> chain of thought here </think>
{
    "consolidate_memories": [new memories to add],
    "keep_memories": [ids of old memories to keep]
}`
