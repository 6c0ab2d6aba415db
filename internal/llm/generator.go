package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"lead_router_backend/internal/conversation"
	"lead_router_backend/internal/domain"
	"lead_router_backend/internal/flows"
	"lead_router_backend/platform/sanitize"

	"google.golang.org/genai"
)

const replySystemPrompt = `You are a friendly real-estate assistant texting with a contact over SMS.
Rules:
- Write one short message in plain text. No markdown, no emojis, no sign-off.
- Ask at most one question.
- Never invent prices, numbers or promises that are not given to you.
- When required values are listed, include each of them exactly as written.`

// Generate writes the next reply for a flow step.
func (c *Client) Generate(ctx context.Context, pc flows.PromptContext, history []conversation.Turn, cons flows.Constraints) (string, error) {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		role := genai.Role(genai.RoleUser)
		if turn.Role == conversation.RoleBot {
			role = genai.RoleModel
		}
		if strings.TrimSpace(turn.Text) == "" {
			continue
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(buildReplyPrompt(pc, cons), genai.RoleUser))

	maxTokens := int32(256)
	if cons.MaxChars > 0 {
		maxTokens = int32(cons.MaxChars/3 + 32)
	}

	text, err := c.generate(ctx, "generate", replySystemPrompt, contents, &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0.4),
		MaxOutputTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	return sanitize.Message(text), nil
}

func buildReplyPrompt(pc flows.PromptContext, cons flows.Constraints) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Flow: %s\nStep: %s\nInstruction: %s\n", pc.FlowType, pc.Step, pc.Prompt)

	if len(pc.Fields) > 0 {
		b.WriteString("Known answers:\n")
		for _, k := range sortedKeys(pc.Fields) {
			if pc.Fields[k] == nil {
				continue
			}
			fmt.Fprintf(&b, "- %s: %v\n", k, pc.Fields[k])
		}
	}
	if len(cons.MustInclude) > 0 {
		fmt.Fprintf(&b, "Required values (copy exactly): %s\n", strings.Join(cons.MustInclude, ", "))
	}
	if cons.MaxChars > 0 {
		fmt.Fprintf(&b, "Keep it under %d characters.\n", cons.MaxChars)
	}
	b.WriteString("Write the next message to the contact.")
	return b.String()
}

const classifySystemPrompt = `You extract one field from a contact's SMS reply.
Respond with a JSON object {"found": bool, "value": ...}.
- money: value is a number in dollars.
- days: value is the number of days until the contact's timeline.
- bool: value is true or false.
- choice: value is exactly one of the listed options.
If the reply does not answer the question, respond {"found": false}.`

type classifyResponse struct {
	Found bool `json:"found"`
	Value any  `json:"value"`
}

// Classify extracts a field value the pattern rules could not find.
func (c *Client) Classify(ctx context.Context, req flows.ClassifyRequest) (any, error) {
	prompt := fmt.Sprintf("Field: %s\nKind: %s\nQuestion asked: %s\nReply: %q\n", req.Field, req.Kind, req.Question, req.Message)
	if len(req.Options) > 0 {
		prompt += "Options: " + strings.Join(req.Options, ", ") + "\n"
	}

	var out classifyResponse
	if err := c.generateJSON(ctx, "classify", classifySystemPrompt, prompt, &out); err != nil {
		return nil, err
	}
	if !out.Found || out.Value == nil {
		return nil, flows.ErrClassification
	}
	return out.Value, nil
}

const intentSystemPrompt = `You judge whether a contact's message asks to switch to a different kind of help.
Respond with a JSON object {"score": number} between 0 and 1, where 1 means the
message clearly asks for the named help and 0 means it does not.`

type intentResponse struct {
	Score float64 `json:"score"`
}

var intentLabels = map[domain.FlowType]string{
	domain.FlowSeller: "selling their property",
	domain.FlowBuyer:  "buying a home",
	domain.FlowLead:   "general real-estate questions",
}

// ScoreIntent rates how strongly message asks for target.
func (c *Client) ScoreIntent(ctx context.Context, message string, target domain.FlowType) (float64, error) {
	label := intentLabels[target]
	if label == "" {
		label = string(target)
	}

	var out intentResponse
	prompt := fmt.Sprintf("Help: %s\nMessage: %q", label, message)
	if err := c.generateJSON(ctx, "score_intent", intentSystemPrompt, prompt, &out); err != nil {
		return 0, err
	}
	return min(max(out.Score, 0), 1), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	_ flows.Generator  = (*Client)(nil)
	_ flows.Classifier = (*Client)(nil)
)
