package negotiation

import (
	"fmt"
	"strings"

	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/settings"
)

const maxTranscriptEvents = 12

func extractPrompt(body string) string {
	var b strings.Builder
	b.WriteString("You are parsing a brand's email in a sponsorship negotiation.\n")
	b.WriteString("Return a JSON object with exactly these fields:\n")
	b.WriteString(`{"amount": number or null, "currency": string or null, "deliverables": [string], "sentiment": "positive"|"neutral"|"negative", "confidence": number between 0 and 1, "summary": string}` + "\n")
	b.WriteString("amount is the rate the brand proposes, null if none is mentioned.\n\n")
	b.WriteString("Email:\n")
	b.WriteString(body)
	return b.String()
}

func counterPrompt(pol *settings.Settings, e *workflow.Entity, events []workflow.Event, round int) string {
	style := pol.NegotiationStyle
	if style == "" {
		style = "collaborative"
	}
	ceiling := ceilingRate(pol)

	var b strings.Builder
	fmt.Fprintf(&b, "You negotiate sponsorship deals on behalf of a creator, in a %s style.\n", style)
	fmt.Fprintf(&b, "Brand: %s. Negotiation round %d.\n", e.BrandName, round)
	fmt.Fprintf(&b, "Rate floor: %.2f. Target rate: %.2f. Never propose above %.2f.\n", pol.MinRate, pol.TargetRate, ceiling)
	b.WriteString("Decide the next move. Return a JSON object with exactly these fields:\n")
	b.WriteString(`{"decision": "COUNTER"|"ACCEPT"|"CLARIFY"|"FOLLOW_UP", "counter_offer": number or null, "agreed_rate": number or null, "subject": string, "message": string, "sentiment": "positive"|"neutral"|"negative", "escalate_to_human": boolean, "reason": string}` + "\n")
	b.WriteString("Escalate when the brand asks for exclusivity, legal terms, or anything outside rate and deliverables.\n\n")
	b.WriteString("Conversation so far (oldest first):\n")
	b.WriteString(transcript(events))
	return b.String()
}

// transcript renders the recent event history, newest events kept when the
// thread is long.
func transcript(events []workflow.Event) string {
	if len(events) > maxTranscriptEvents {
		events = events[len(events)-maxTranscriptEvents:]
	}
	var b strings.Builder
	for _, ev := range events {
		if ev.Direction == workflow.DirectionSystem {
			continue
		}
		role := "BRAND"
		if ev.Direction == workflow.DirectionOutbound {
			role = "AGENT"
		}
		line := truncate(ev.Body, 500)
		if ev.Amount != nil {
			fmt.Fprintf(&b, "%s (offer %.2f): %s\n", role, *ev.Amount, line)
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", role, line)
	}
	if b.Len() == 0 {
		return "(no messages yet)\n"
	}
	return b.String()
}

// ceilingRate is the hard upper bound for any counter-offer, derived from the
// target rate and the configured ceiling percentage.
func ceilingRate(pol *settings.Settings) float64 {
	return pol.TargetRate * (1 + float64(pol.CeilingPct)/100)
}
