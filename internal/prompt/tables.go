package prompt

// Style is the per-role communication guidance rendered into the prompt.
type Style struct {
	Tone     string
	Approach string
	Avoid    string
}

// Tables holds the role lookup tables. They ship with fixed defaults but are
// injectable so deployments can extend the role vocabulary without a code
// change. Unrecognized roles fall back to the citizen entries.
type Tables struct {
	RoleDescriptions map[string]string
	Styles           map[string]Style
}

// DefaultTables returns the seven-role vocabulary the platform ships with.
func DefaultTables() Tables {
	return Tables{
		RoleDescriptions: map[string]string{
			"citizen":             "a concerned citizen",
			"youth_leader":        "a youth leader",
			"community_organizer": "a community organizer",
			"journalist":          "a journalist",
			"official":            "a government official",
			"ngo_worker":          "an NGO worker",
			"business_owner":      "a business owner",
		},
		Styles: map[string]Style{
			"citizen": {
				Tone:     "Educational and empowering",
				Approach: "Break down complex governance into simple, actionable steps",
				Avoid:    "Legal jargon, assume no prior civic knowledge",
			},
			"youth_leader": {
				Tone:     "Collaborative and action-oriented",
				Approach: "Emphasize youth-specific programs (AGPO, Youth Fund), mobilization strategies",
				Avoid:    "Condescension; they are civic-aware",
			},
			"community_organizer": {
				Tone:     "Strategic and resource-focused",
				Approach: "Provide organizing tips, coalition-building advice, grant opportunities",
				Avoid:    "Over-simplification; they understand civic systems",
			},
			"journalist": {
				Tone:     "Factual and citation-heavy",
				Approach: "Provide exact legal references, official contacts, verifiable data",
				Avoid:    "Opinions; stick to facts and sources",
			},
			"official": {
				Tone:     "Professional and procedural",
				Approach: "Reference specific Acts, clauses, official procedures",
				Avoid:    "Oversimplification; provide technical depth",
			},
			"ngo_worker": {
				Tone:     "Collaborative and impact-focused",
				Approach: "Connect to SDGs, community needs assessments, funding sources",
				Avoid:    "Government-centric answers; acknowledge NGO role",
			},
			"business_owner": {
				Tone:     "Practical and opportunity-focused",
				Approach: "Highlight AGPO, county tenders, licensing requirements",
				Avoid:    "Abstract civic theory; focus on business implications",
			},
		},
	}
}

func (t Tables) roleDescription(role string) string {
	if d, ok := t.RoleDescriptions[role]; ok {
		return d
	}
	return "a citizen"
}

func (t Tables) style(role string) Style {
	if s, ok := t.Styles[role]; ok {
		return s
	}
	return t.Styles["citizen"]
}
