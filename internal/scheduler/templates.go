package scheduler

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"outreach/internal/domain"
)

// Autopilot steps: 0 opener, 1 nudge, 2 reslot. Index 3, when an account
// sets it, is the follow-up body.
const (
	StepOpener   = 0
	StepNudge    = 1
	StepReslot   = 2
	FollowupSlot = 3
	AutopilotMax = 3
)

var DefaultTemplates = []string{
	"Hi! Thanks for reaching out. Do you have a few minutes to chat this week?",
	"Just checking in. Is this still the best number to reach you?",
	"Happy to find a time that works better. Reply with a day and time and we'll set it up.",
	"Following up on our last conversation. Anything we can help with?",
}

// TemplateData is what a message template can reference.
type TemplateData struct {
	LeadID    string
	AccountID string
	Phone     string
	Email     string
	Step      int
	Attempt   int
}

func stepCategory(step int) string {
	switch step {
	case StepOpener:
		return domain.CategoryOpener
	case StepNudge:
		return domain.CategoryNudge
	default:
		return domain.CategoryReslot
	}
}

// Render executes the template in slot for lead, falling back to the
// default text when the account has none.
func Render(policy domain.AccountPolicy, slot int, data TemplateData) (string, error) {
	src := ""
	if slot < len(policy.Templates) {
		src = policy.Templates[slot]
	}
	if strings.TrimSpace(src) == "" && slot < len(DefaultTemplates) {
		src = DefaultTemplates[slot]
	}
	if strings.TrimSpace(src) == "" {
		return "", fmt.Errorf("scheduler: no template for slot %d", slot)
	}
	tmpl, err := template.New("msg").Option("missingkey=error").Parse(src)
	if err != nil {
		return "", fmt.Errorf("scheduler: parse template %d: %w", slot, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("scheduler: render template %d: %w", slot, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func leadData(l domain.Lead) TemplateData {
	return TemplateData{LeadID: l.ID, AccountID: l.AccountID, Phone: l.Phone, Email: l.Email, Step: l.Step}
}
