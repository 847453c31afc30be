// Package persona defines the static catalog of testing personas.
// The catalog is configuration data: run requests are validated against it
// and agent tasks read their methodology from it, but no behavior lives here.
package persona

// ID identifies a persona in the catalog.
type ID string

const (
	Performance   ID = "performance"
	Accessibility ID = "accessibility"
	Security      ID = "security"
	QA            ID = "qa"
	Mobile        ID = "mobile"
)

// Phase is one stage of an agent's structured test pass.
type Phase string

const (
	PhaseInitialLoad  Phase = "initial_load"
	PhaseNavigation   Phase = "navigation"
	PhaseForms        Phase = "forms"
	PhaseInteractions Phase = "interactions"
	PhaseContent      Phase = "content"
	PhaseFinalReview  Phase = "final_review"
)

// ActionPhases are the phases in which the agent picks and executes page
// actions, in order. Initial load and final review bracket them.
var ActionPhases = []Phase{PhaseNavigation, PhaseForms, PhaseInteractions, PhaseContent}

// Viewport describes the browser window an agent tests with.
type Viewport struct {
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Mobile    bool   `json:"mobile"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Persona describes one testing specialist: display metadata for the UI
// plus the methodology the agent task feeds to the vision model.
type Persona struct {
	ID        ID       `json:"id"`
	Name      string   `json:"name"`
	Role      string   `json:"role"`
	Focus     string   `json:"focus"`
	Checklist []string `json:"checklist"`
	Prompt    string   `json:"-"`
	Viewport  Viewport `json:"-"`
}

var desktop = Viewport{Width: 1920, Height: 1080}

var catalog = map[ID]Persona{
	Performance: {
		ID:    Performance,
		Name:  "Jake",
		Role:  "Performance Analyst",
		Focus: "Speed, load times, responsiveness",
		Checklist: []string{
			"Measure initial page load time",
			"Check for render-blocking resources",
			"Test interaction responsiveness",
			"Check image optimization",
		},
		Prompt: `You are a Performance Analyst. Identify performance issues that hurt user experience:
slow page loads (over 3 seconds is problematic), layout shifts during loading, slow interactions,
unoptimized images, render-blocking JavaScript. Every reported issue must carry a measured metric
and the user impact. Do not report vague issues.`,
		Viewport: desktop,
	},
	Accessibility: {
		ID:    Accessibility,
		Name:  "Rose",
		Role:  "Accessibility Analyst",
		Focus: "Accessibility, clarity, ease of use",
		Checklist: []string{
			"Check text readability (size, contrast)",
			"Verify all images have alt text",
			"Check for clear labels on forms",
			"Look for confusing UI patterns",
		},
		Prompt: `You are an Accessibility & Usability Analyst. Check WCAG basics (contrast, alt text,
labels), keyboard navigation, confusing terminology, form labels and error messages, readable text
sizes. Identify the exact element, reference the WCAG guideline where applicable, and say who is
affected. Focus on real barriers, not minor preferences.`,
		Viewport: desktop,
	},
	Security: {
		ID:    Security,
		Name:  "Alex",
		Role:  "Security Analyst",
		Focus: "Vulnerabilities, data exposure, input validation",
		Checklist: []string{
			"Test input fields for XSS vulnerability",
			"Check for exposed sensitive data",
			"Verify HTTPS is enforced",
			"Check for information disclosure in errors",
		},
		Prompt: `You are a Security Analyst. Look for injection points in input fields, exposed API keys
or tokens in page source, missing CSRF protection, sensitive data in URL parameters, and verbose
error messages exposing system internals. Rate severity by exploitability: critical (data breach
risk), high (exploit possible), medium (information disclosure), low (best practice). Only report
confirmed or highly likely vulnerabilities.`,
		Viewport: desktop,
	},
	QA: {
		ID:    QA,
		Name:  "Priya",
		Role:  "QA Analyst",
		Focus: "Functionality, edge cases, user flows",
		Checklist: []string{
			"Test primary user flow end-to-end",
			"Submit forms with empty and invalid data",
			"Test all navigation links",
			"Check for broken images",
		},
		Prompt: `You are a QA Analyst. Find functional bugs: broken user flows, forms that accept empty
or invalid submissions, dead links and buttons, missing success/error feedback, console errors.
Describe exact reproduction steps with expected vs actual behavior. Focus on bugs that break
functionality, not cosmetics.`,
		Viewport: desktop,
	},
	Mobile: {
		ID:    Mobile,
		Name:  "Marcus",
		Role:  "Mobile Experience Analyst",
		Focus: "Responsive design, touch interactions, mobile UX",
		Checklist: []string{
			"Check viewport meta tag",
			"Test touch target sizes (min 44px)",
			"Look for horizontal scroll",
			"Verify text is readable without zoom",
		},
		Prompt: `You are a Mobile Experience Analyst. Test as if using the site with one thumb on a
phone: viewport configuration, horizontal scrolling, tap targets under 44x44px, unreadable text,
broken mobile navigation, fixed elements blocking content. Provide measurements where relevant and
a concrete layout fix.`,
		Viewport: Viewport{
			Width:     375,
			Height:    812,
			Mobile:    true,
			UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15",
		},
	},
}

// Get returns the persona for the given id.
func Get(id ID) (Persona, bool) {
	p, ok := catalog[id]
	return p, ok
}

// Valid reports whether the id names a catalog persona.
func Valid(id ID) bool {
	_, ok := catalog[id]
	return ok
}

// All returns the catalog in a stable display order.
func All() []Persona {
	ids := []ID{Performance, Accessibility, Security, QA, Mobile}
	out := make([]Persona, 0, len(ids))
	for _, id := range ids {
		out = append(out, catalog[id])
	}
	return out
}
