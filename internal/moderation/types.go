package moderation

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Turn is one message of a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Stage names the check that produced a Verdict.
type Stage string

const (
	StageLanguage  Stage = "language"
	StageKeyword   Stage = "keyword"
	StagePattern   Stage = "pattern"
	StageProfanity Stage = "profanity"
	StageIntent    Stage = "intent"
	StageContext   Stage = "context"
)

// Verdict is the outcome of classifying a text or a conversation window.
// The zero value means "not filtered".
type Verdict struct {
	Filtered bool   `json:"filtered"`
	Reason   string `json:"reason,omitempty"`
	Stage    Stage  `json:"stage,omitempty"`
	Term     string `json:"term,omitempty"`     // matched word, category or language code
	Severity string `json:"severity,omitempty"` // set for rule-backed stages
}

// Classifier classifies a single text attributed to role.
type Classifier interface {
	Classify(text string, role Role) Verdict
}
