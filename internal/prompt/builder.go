package prompt

import (
	"fmt"
	"strings"

	"github.com/amakenya/ama/internal/usercontext"
)

// Builder renders a UserContext into the personalized system prompt for the
// civic assistant. Build is a pure function of its inputs: no I/O, no clock,
// byte-identical output for identical inputs.
type Builder struct {
	tables Tables
}

// NewBuilder creates a Builder. Zero-valued tables select the defaults.
func NewBuilder(tables Tables) *Builder {
	if tables.RoleDescriptions == nil {
		tables.RoleDescriptions = DefaultTables().RoleDescriptions
	}
	if tables.Styles == nil {
		tables.Styles = DefaultTables().Styles
	}
	return &Builder{tables: tables}
}

// Build composes the caller's base prompt with six personalization sections
// in fixed order: identity, location, interests, communication style,
// activity insights, and response requirements. The interests and activity
// sections are omitted entirely when they have nothing to say; the rest
// always render. Sections are separated by blank lines.
func (b *Builder) Build(uc usercontext.UserContext, basePrompt string) string {
	sections := []string{
		strings.TrimSpace(basePrompt),
		b.identitySection(uc),
		b.locationSection(uc),
		b.interestsSection(uc),
		b.styleSection(uc),
		b.activitySection(uc),
		b.footerSection(uc),
	}

	var kept []string
	for _, s := range sections {
		if s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, "\n\n")
}

func (b *Builder) identitySection(uc usercontext.UserContext) string {
	var sb strings.Builder
	sb.WriteString("### WHO YOU'RE SPEAKING TO\n")
	fmt.Fprintf(&sb, "You are assisting **%s**, %s in %s County.",
		uc.Name, b.tables.roleDescription(uc.Role), uc.Location.County)
	if uc.VerifiedRole {
		fmt.Fprintf(&sb, "\n✓ Verified %s", uc.Role)
	}
	if len(uc.ExpertiseAreas) > 0 {
		fmt.Fprintf(&sb, "\nKnown expertise: %s", strings.Join(uc.ExpertiseAreas, ", "))
	}
	return sb.String()
}

func (b *Builder) locationSection(uc usercontext.UserContext) string {
	loc := uc.Location

	// Ward is the most specific label, then constituency, then county.
	primary := loc.County
	if loc.Constituency != "" {
		primary = loc.Constituency
	}
	if loc.Ward != "" {
		primary = fmt.Sprintf("%s Ward, %s", loc.Ward, primary)
	}
	exampleArea := loc.County
	if loc.Constituency != "" {
		exampleArea = loc.Constituency
	}

	var sb strings.Builder
	sb.WriteString("### LOCATION CONTEXT (CRITICAL FOR PERSONALIZATION)\n")
	fmt.Fprintf(&sb, "Primary Location: %s\n", primary)
	fmt.Fprintf(&sb, "County: %s\n\n", loc.County)
	sb.WriteString("**PERSONALIZATION RULES:**\n")
	fmt.Fprintf(&sb, "- When mentioning facilities (hospitals, police, offices), ALWAYS prioritize %s County\n", loc.County)
	fmt.Fprintf(&sb, "- When giving examples, use landmarks/areas from %s\n", exampleArea)
	fmt.Fprintf(&sb, "- For \"where to report\" questions, default to %s jurisdiction", loc.County)
	if loc.Ward != "" {
		fmt.Fprintf(&sb, "\n- This user's Ward Representative is the MCA for %s Ward", loc.Ward)
	}
	return sb.String()
}

func (b *Builder) interestsSection(uc usercontext.UserContext) string {
	if len(uc.Interests) == 0 {
		return ""
	}

	primary := uc.Interests[0]
	secondary := uc.Interests[1:]
	if len(secondary) > 2 {
		secondary = secondary[:2]
	}

	var sb strings.Builder
	sb.WriteString("### USER INTERESTS & FOCUS AREAS\n")
	fmt.Fprintf(&sb, "Primary Interest: **%s**", primary)
	if len(secondary) > 0 {
		fmt.Fprintf(&sb, "\nAlso interested in: %s", strings.Join(secondary, ", "))
	}
	sb.WriteString("\n\n**PERSONALIZATION RULES:**\n")
	fmt.Fprintf(&sb, "- When answering general questions, if %s is relevant, highlight that angle\n", primary)
	fmt.Fprintf(&sb, "- If user asks about \"issues\" without specifying, bias toward %s-related issues\n", primary)
	fmt.Fprintf(&sb, "- Suggest %s resources even if not directly asked", primary)
	return sb.String()
}

func (b *Builder) styleSection(uc usercontext.UserContext) string {
	style := b.tables.style(uc.Role)
	return fmt.Sprintf("### COMMUNICATION STYLE\nTone: %s\nApproach: %s\nAvoid: %s",
		style.Tone, style.Approach, style.Avoid)
}

func (b *Builder) activitySection(uc usercontext.UserContext) string {
	act := uc.Activity
	var insights []string

	if act.IssuesReportedRecently > 0 {
		types := act.IssueTypesReported
		if len(types) > 2 {
			types = types[:2]
		}
		insights = append(insights, fmt.Sprintf(
			"This user recently reported %d issue(s), primarily about %s",
			act.IssuesReportedRecently, strings.Join(types, " and ")))
	}

	if act.PromisesTracked > 0 {
		insights = append(insights, fmt.Sprintf(
			"Actively tracking %d political promise(s) - they care about accountability",
			act.PromisesTracked))
	}

	if len(act.FollowingPoliticians) > 0 {
		following := act.FollowingPoliticians
		if len(following) > 2 {
			following = following[:2]
		}
		insights = append(insights, "Following: "+strings.Join(following, ", "))
	}

	switch {
	case uc.EngagementScore > 100:
		insights = append(insights, "High engagement user - provide advanced civic information")
	case uc.EngagementScore < 20:
		insights = append(insights, "New user - provide extra context and onboarding help")
	}

	if len(insights) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("### ACTIVITY-BASED CONTEXT\n")
	for _, insight := range insights {
		sb.WriteString("- " + insight + "\n")
	}
	sb.WriteString("\n**USE THIS TO:**\n")
	if len(act.IssueTypesReported) > 0 {
		fmt.Fprintf(&sb, "- Reference their past issues when relevant (\"Given your previous %s report...\")\n", act.IssueTypesReported[0])
	} else {
		sb.WriteString("- Reference their past issues when relevant\n")
	}
	sb.WriteString("- Acknowledge their accountability focus if they track promises\n")
	sb.WriteString("- Avoid repeating basic info for high-engagement users")
	return sb.String()
}

func (b *Builder) footerSection(uc usercontext.UserContext) string {
	language := "English"
	if uc.PreferredLanguage == "sw" {
		language = "Kiswahili"
	}

	var sb strings.Builder
	sb.WriteString("### RESPONSE REQUIREMENTS\n")
	fmt.Fprintf(&sb, "- Language: %s (unless user switches)\n", language)
	sb.WriteString("- Length: 2-3 paragraphs maximum (concise, actionable)\n")
	sb.WriteString("- Citations: ALWAYS include sources [Source X] when using RAG documents\n")
	fmt.Fprintf(&sb, "- Localization: Mention specific %s facilities/contacts when relevant\n", uc.Location.County)
	sb.WriteString("- Actionability: End with concrete next steps the user can take")
	return sb.String()
}
