package intent

import (
	"regexp"
	"strings"
)

// Topic is one entry of the fixed taxonomy used to select context documents.
type Topic string

const (
	Greeting   Topic = "greeting"
	Contact    Topic = "contact"
	Skills     Topic = "skills"
	Experience Topic = "experience"
	Projects   Topic = "projects"
	Education  Topic = "education"
	Smalltalk  Topic = "smalltalk"
	General    Topic = "general"
)

// MaxTopics bounds the result of Classify.
const MaxTopics = 3

// HasDocument reports whether the topic is backed by a context document.
// Greetings and small talk are answered from the persona alone.
func (t Topic) HasDocument() bool {
	return t != Greeting && t != Smalltalk
}

// rule binds a topic to its keyword pattern. prefix rules only match at the
// start of the message.
type rule struct {
	topic    Topic
	prefix   bool
	keywords []string
}

// rules is evaluated top to bottom; the order is the priority order of the
// returned topics. General has no rule: it is the fallback.
var rules = []rule{
	{topic: Greeting, prefix: true, keywords: []string{
		"hello", "hi", "hey", "greetings", "good morning", "good afternoon",
		"good evening", "howdy", "hiya",
	}},
	{topic: Contact, keywords: []string{
		"contact", "email", "e-mail", "reach", "reach out", "get in touch", "hire", "hiring",
		"recruit", "recruiting", "recruiter", "available", "availability", "phone",
		"connect", "linkedin", "opportunity", "opportunities", "work with",
		"collaborate", "collaboration", "touch base", "resume", "cv",
	}},
	{topic: Skills, keywords: []string{
		"skill", "skills", "technology", "technologies", "tech stack", "stack",
		"programming", "language", "languages", "framework", "frameworks",
		"tool", "tools", "python", "golang", "sql", "kafka", "airflow",
		"aws", "gcp", "cloud", "database", "databases", "react", "kubernetes",
		"know", "proficient", "expertise", "capabilities", "competencies",
		"data engineering", "machine learning", "ai", "ml", "llm",
	}},
	{topic: Experience, keywords: []string{
		"experience", "work", "job", "jobs", "role", "roles", "position",
		"positions", "company", "companies", "worked", "employer", "employers",
		"career", "professional", "working", "currently",
		"responsibility", "responsibilities", "achievement", "achievements",
	}},
	{topic: Projects, keywords: []string{
		"project", "projects", "portfolio", "built", "build", "created",
		"developed", "github", "demo", "demos", "code", "application", "applications",
		"app", "apps", "show me", "examples", "work samples", "repository", "repositories",
		"side project", "open source",
	}},
	{topic: Education, keywords: []string{
		"education", "degree", "degrees", "university", "college",
		"study", "studied", "academic", "school", "bachelor", "master",
		"masters", "bachelors", "phd", "course", "courses", "coursework",
		"graduate", "graduated", "certification", "certifications",
	}},
	{topic: Smalltalk, keywords: []string{
		"how are you", "how's it going", "hows it going", "how have you been",
		"what's up", "whats up", "sup", "wassup", "nice to meet you",
		"thank you", "thanks", "appreciate it", "cool", "awesome", "great",
		"nice", "interesting", "good to know", "i see", "okay", "ok",
		"alright", "sounds good", "makes sense", "got it", "understood",
	}},
}

type compiledRule struct {
	topic   Topic
	pattern *regexp.Regexp
}

var compiled = compile(rules)

func compile(rs []rule) []compiledRule {
	out := make([]compiledRule, 0, len(rs))
	for _, r := range rs {
		alts := make([]string, len(r.keywords))
		for i, kw := range r.keywords {
			// Multi-word keywords tolerate any run of whitespace.
			alts[i] = strings.ReplaceAll(regexp.QuoteMeta(kw), " ", `\s+`)
		}
		expr := `\b(?:` + strings.Join(alts, "|") + `)\b`
		if r.prefix {
			expr = `^` + expr
		}
		out = append(out, compiledRule{topic: r.topic, pattern: regexp.MustCompile(expr)})
	}
	return out
}

// Classify maps a message to at most MaxTopics topics, in table priority
// order. It never returns an empty slice: when nothing matches, or the
// message is blank, the result is exactly [General].
func Classify(message string) []Topic {
	msg := strings.ToLower(strings.TrimSpace(message))
	if msg == "" {
		return []Topic{General}
	}

	var topics []Topic
	for _, r := range compiled {
		if r.pattern.MatchString(msg) {
			topics = append(topics, r.topic)
			if len(topics) == MaxTopics {
				break
			}
		}
	}
	if len(topics) == 0 {
		return []Topic{General}
	}
	return topics
}

// Primary returns the most relevant topic of a classification result.
func Primary(topics []Topic) Topic {
	if len(topics) == 0 {
		return General
	}
	return topics[0]
}

// IsGreetingOnly reports whether the classification is a bare greeting.
func IsGreetingOnly(topics []Topic) bool {
	return len(topics) == 1 && topics[0] == Greeting
}

// NeedsContext reports whether any topic asks for corpus context. Pure
// greetings and small talk are answered without it.
func NeedsContext(topics []Topic) bool {
	for _, t := range topics {
		if t.HasDocument() {
			return true
		}
	}
	return len(topics) == 0
}

// Strings converts topics to their string form for storage and transport.
func Strings(topics []Topic) []string {
	out := make([]string, len(topics))
	for i, t := range topics {
		out[i] = string(t)
	}
	return out
}

// Parse converts a topic name, reporting false for names outside the taxonomy.
func Parse(s string) (Topic, bool) {
	t := Topic(strings.ToLower(strings.TrimSpace(s)))
	if t == General {
		return t, true
	}
	for _, r := range rules {
		if r.topic == t {
			return t, true
		}
	}
	return "", false
}

// All lists every topic in priority order, General last.
func All() []Topic {
	out := make([]Topic, 0, len(rules)+1)
	for _, r := range rules {
		out = append(out, r.topic)
	}
	return append(out, General)
}
