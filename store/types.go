package store

// Sender types of a persisted session message.
const (
	SenderTypeUser  = "user"
	SenderTypeAgent = "agent"
)

// Persona is a named AI participant with its own prompt, LLM credentials
// and optional background corpus.
// Persona 是一个具名 AI 参与者，拥有独立提示词、模型凭证和背景资料。
type Persona struct {
	ID       int32
	Username string
	Name     string
	Handle   string
	Prompt   string
	Tone     string
	// Proactivity in [0,1] drives the turn scheduler's base score.
	Proactivity float64
	// MemoryWindow is the history length fed to the LLM; <=0 means unlimited.
	MemoryWindow int
	// MaxAgentsPerTurn caps simultaneous speakers; <=0 means all participants.
	MaxAgentsPerTurn int
	Background       string
	IsDefault        bool
	CreatedTs        int64

	// Credential profile binding. Nil means the user-level default profile.
	APIProfileID *int32

	// Resolved credential fields, populated by joins when loading for the
	// runtime. Empty when the persona inherits the default profile.
	APIModel    string
	APIBaseURL  string
	APIKey      string
	Temperature *float32
}

// APIProfile is a reusable LLM credential set owned by one user.
type APIProfile struct {
	ID       int32
	Username string
	Name     string
	BaseURL  string
	Model    string
	// APIKeyCipher is the encrypted key as stored; APIKey carries the
	// plaintext only inside create/update calls and resolved runtime loads.
	APIKeyCipher string
	APIKey       string
	Temperature  float32
	IsEmbedding  bool
	EmbeddingDim int
	CreatedTs    int64
}

// KeyPreview returns the masked representation exposed to clients.
func (p *APIProfile) KeyPreview() string {
	key := p.APIKey
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****" + key
	}
	return "****" + key[len(key)-4:]
}

// Session is one group-chat room owned by a user.
type Session struct {
	ID              string
	Username        string
	Title           string
	UserDisplayName string
	UserHandle      string
	UserPersona     string
	CreatedTs       int64
	// Participants are ordered by persona id.
	Participants []*Persona
}

// Message is one appended entry of a session transcript.
type Message struct {
	ID         string
	SessionID  string
	SenderType string // SenderTypeUser | SenderTypeAgent
	Sender     string
	Content    string
	CreatedTs  int64
}

// FindSession filters session listing.
type FindSession struct {
	Username *string
	ID       *string
}

// FindMessage filters message listing. Limit <= 0 means no limit; results
// are returned in chronological order.
type FindMessage struct {
	SessionID string
	Limit     int
}

// UpdateSessionMetadata mutates optional session fields; nil fields are left
// untouched.
type UpdateSessionMetadata struct {
	SessionID       string
	Title           *string
	UserDisplayName *string
	UserHandle      *string
	UserPersona     *string
}

// UpdatePersona mutates optional persona fields; nil fields are left untouched.
type UpdatePersona struct {
	Username         string
	PersonaID        int32
	Name             *string
	Handle           *string
	Prompt           *string
	Tone             *string
	Proactivity      *float64
	MemoryWindow     *int
	MaxAgentsPerTurn *int
	Background       *string
	APIProfileID     *int32
	ClearAPIProfile  bool
}

// UpdateAPIProfile mutates optional API profile fields.
type UpdateAPIProfile struct {
	Username     string
	ProfileID    int32
	Name         *string
	BaseURL      *string
	Model        *string
	APIKey       *string // plaintext; encrypted by the caller before storage
	APIKeyCipher *string
	Temperature  *float32
	IsEmbedding  *bool
	EmbeddingDim *int
}
