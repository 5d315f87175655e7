package penguin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultAgentID is the agent that is always present in a coordinator.
const DefaultAgentID = "default"

// Session is an ordered, append-only message log shared by one or more
// agents. All mutation goes through the session lock; message ids are
// monotonically increasing and timestamps non-decreasing.
type Session struct {
	ID                 string
	CreatedAt          time.Time
	SystemPromptDigest string
	Metadata           map[string]any

	mu          sync.Mutex
	messages    []Message
	nextID      int64
	lastActive  time.Time
	lastStamp   time.Time
	refs        int
	maxMessages int
}

// newSession creates an empty session. maxMessages, when positive, caps
// the log: the oldest non-SYSTEM message is dropped past the cap.
func newSession(systemPrompt string, maxMessages int) *Session {
	now := time.Now()
	return &Session{
		ID:                 NewID(),
		CreatedAt:          now,
		SystemPromptDigest: digest(systemPrompt),
		Metadata:           make(map[string]any),
		nextID:             1,
		lastActive:         now,
		maxMessages:        maxMessages,
	}
}

// digest hashes a system prompt for change detection across restarts.
func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// append assigns the next id and a non-decreasing timestamp under the
// session lock, then admits the message into every window attached to
// the session.
func (s *Session) append(msg Message, windows []*ContextWindow) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Before(s.lastStamp) {
		now = s.lastStamp
	}
	msg.ID = s.nextID
	msg.CreatedAt = now
	s.nextID++
	s.lastStamp = now
	s.lastActive = now
	s.messages = append(s.messages, msg)
	if s.maxMessages > 0 && len(s.messages) > s.maxMessages {
		for i, m := range s.messages {
			if m.Category != CategorySystem {
				s.messages = append(s.messages[:i], s.messages[i+1:]...)
				break
			}
		}
	}

	// The session lock guards the windows it budgets.
	for _, w := range windows {
		w.Admit(msg)
	}
	return msg
}

// snapshot copies the session state for persistence.
func (s *Session) snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]Message, len(s.messages))
	copy(msgs, s.messages)
	return SessionSnapshot{
		ID:                 s.ID,
		CreatedAt:          s.CreatedAt,
		LastActive:         s.lastActive,
		SystemPromptDigest: s.SystemPromptDigest,
		Metadata:           s.Metadata,
		Messages:           msgs,
	}
}

// Messages returns a copy of the full log.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// LastActive returns the time of the most recent append.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// AgentRecord is one named execution context: its prompt, session
// reference, context window, and lineage.
type AgentRecord struct {
	ID           string
	SystemPrompt string
	ParentID     string
	Paused       bool
	ModelBinding string
	// Policy, when set, narrows the parent enforcer for this agent's
	// tool calls.
	Policy *AgentPolicy

	ShareSession       bool
	ShareContextWindow bool
	SharedCWMaxTokens  int

	session *Session
	window  *ContextWindow
}

// Session returns the agent's session.
func (a *AgentRecord) Session() *Session { return a.session }

// Window returns the agent's context window.
func (a *AgentRecord) Window() *ContextWindow { return a.window }

// SubAgentSpec describes a sub-agent to create.
type SubAgentSpec struct {
	ID                 string
	ParentID           string
	SystemPrompt       string
	ShareSession       bool
	ShareContextWindow bool
	// SharedCWMaxTokens clamps a shared context window. Only meaningful
	// with ShareContextWindow.
	SharedCWMaxTokens int
}

// SessionCoordinator manages sessions and the agent → session mapping.
// The engine and message bus depend on this interface; tests substitute
// an in-memory implementation.
type SessionCoordinator interface {
	EnsureAgent(agentID, systemPrompt string) (*AgentRecord, error)
	CreateSubAgent(spec SubAgentSpec) (*AgentRecord, error)
	RemoveAgent(agentID string) error
	Agent(agentID string) (*AgentRecord, bool)
	SetCurrentAgent(agentID string) error
	CurrentAgent() string
	AgentsSharingSession(agentID string) []string

	AddUserMessage(agentID, text, imagePath string) (Message, error)
	AddAssistantMessage(agentID, text string) (Message, error)
	AddActionResult(agentID, actionName, output string, status ActionStatus, parentID int64) (Message, error)
	AddBusMessage(bm BusMessage) (Message, error)

	// FormattedMessages returns the provider-ready sequence after
	// context-window trimming. Copy-on-read: callers own the slice.
	FormattedMessages(agentID string) ([]ProviderMessage, error)

	// Save persists all sessions through the store seam. Idempotent;
	// callable from any goroutine (single-writer queue).
	Save(ctx context.Context) error
}

// Conversations is the default SessionCoordinator.
type Conversations struct {
	mu      sync.RWMutex
	agents  map[string]*AgentRecord
	current string

	cwConfig    ContextWindowConfig
	maxMessages int
	store       SessionStore
	logger      *slog.Logger

	saveMu     sync.Mutex
	saveOnce   sync.Once
	saveCh     chan saveJob
	saveWG     sync.WaitGroup
	saveClosed bool
}

// saveJob is one queued persistence request.
type saveJob struct {
	snaps []SessionSnapshot
	done  chan error
}

// ConversationsOption configures a Conversations coordinator.
type ConversationsOption func(*Conversations)

// WithSessionStore sets the persistence seam. Without a store, Save is a
// no-op.
func WithSessionStore(s SessionStore) ConversationsOption {
	return func(c *Conversations) { c.store = s }
}

// WithContextWindowConfig sets the window sizing applied to new agents.
func WithContextWindowConfig(cfg ContextWindowConfig) ConversationsOption {
	return func(c *Conversations) { c.cwConfig = cfg }
}

// WithMaxSessionMessages caps every session's message log. Past the cap
// the oldest non-SYSTEM message is dropped on append.
func WithMaxSessionMessages(n int) ConversationsOption {
	return func(c *Conversations) {
		if n > 0 {
			c.maxMessages = n
		}
	}
}

// WithConversationsLogger sets a structured logger.
func WithConversationsLogger(l *slog.Logger) ConversationsOption {
	return func(c *Conversations) { c.logger = l }
}

// NewConversations creates a coordinator with the default agent already
// present.
func NewConversations(opts ...ConversationsOption) *Conversations {
	c := &Conversations{
		agents:  make(map[string]*AgentRecord),
		current: DefaultAgentID,
		logger:  nopLogger,
	}
	for _, o := range opts {
		o(c)
	}
	c.mustEnsure(DefaultAgentID, "")
	return c
}

var _ SessionCoordinator = (*Conversations)(nil)

// mustEnsure is EnsureAgent for construction paths that cannot fail.
func (c *Conversations) mustEnsure(agentID, systemPrompt string) {
	if _, err := c.EnsureAgent(agentID, systemPrompt); err != nil {
		panic(err)
	}
}

// EnsureAgent returns the existing agent or creates one, seeding its
// session with the system prompt.
func (c *Conversations) EnsureAgent(agentID, systemPrompt string) (*AgentRecord, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.agents[agentID]; ok {
		return a, nil
	}
	a := &AgentRecord{
		ID:           agentID,
		SystemPrompt: systemPrompt,
		session:      newSession(systemPrompt, c.maxMessages),
		window:       NewContextWindow(c.cwConfig),
	}
	a.session.refs = 1
	c.agents[agentID] = a
	if systemPrompt != "" {
		a.session.append(Message{
			Role:     RoleSystem,
			Category: CategorySystem,
			Content:  systemPrompt,
			AgentID:  agentID,
		}, []*ContextWindow{a.window})
	}
	return a, nil
}

// CreateSubAgent establishes parent linkage. With ShareSession the child
// references the parent's session; otherwise a new session is created
// and the parent's SYSTEM and CONTEXT messages are copied once. With
// ShareContextWindow and a clamp, a cw_clamp_notice message is appended
// to the child's session for observability.
func (c *Conversations) CreateSubAgent(spec SubAgentSpec) (*AgentRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent, ok := c.agents[spec.ParentID]
	if !ok {
		return nil, &ErrUnknownAgent{AgentID: spec.ParentID}
	}
	if _, exists := c.agents[spec.ID]; exists {
		return nil, fmt.Errorf("agent %q already exists", spec.ID)
	}

	child := &AgentRecord{
		ID:                 spec.ID,
		SystemPrompt:       spec.SystemPrompt,
		ParentID:           spec.ParentID,
		ShareSession:       spec.ShareSession,
		ShareContextWindow: spec.ShareContextWindow,
		SharedCWMaxTokens:  spec.SharedCWMaxTokens,
	}

	if spec.ShareSession {
		child.session = parent.session
		parent.session.mu.Lock()
		parent.session.refs++
		parent.session.mu.Unlock()
	} else {
		child.session = newSession(spec.SystemPrompt, c.maxMessages)
		child.session.refs = 1
	}

	if spec.ShareContextWindow {
		child.window = parent.window
		if spec.SharedCWMaxTokens > 0 {
			child.window.SetClamp(spec.SharedCWMaxTokens)
		}
	} else {
		child.window = NewContextWindow(c.cwConfig)
	}

	if !spec.ShareSession {
		if spec.SystemPrompt != "" {
			child.session.append(Message{
				Role:     RoleSystem,
				Category: CategorySystem,
				Content:  spec.SystemPrompt,
				AgentID:  spec.ID,
			}, []*ContextWindow{child.window})
		}
		// One-time copy of the parent's system + context messages.
		for _, m := range parent.session.Messages() {
			if m.Category != CategorySystem && m.Category != CategoryContext {
				continue
			}
			if m.Category == CategorySystem && spec.SystemPrompt != "" {
				continue // child has its own system prompt
			}
			copied := m
			copied.AgentID = spec.ID
			child.session.append(copied, []*ContextWindow{child.window})
		}
	}

	c.agents[spec.ID] = child

	if spec.ShareContextWindow && spec.SharedCWMaxTokens > 0 {
		child.session.append(Message{
			Role:     RoleSystem,
			Category: CategorySystemOutput,
			Content:  fmt.Sprintf("cw_clamp_notice: shared context window clamped to %d tokens", spec.SharedCWMaxTokens),
			AgentID:  spec.ID,
			Metadata: map[string]any{"notice": "cw_clamp"},
		}, c.windowsForLocked(child.session))
	}

	return child, nil
}

// RemoveAgent drops an agent and releases its session reference.
// Removing the default agent is forbidden.
func (c *Conversations) RemoveAgent(agentID string) error {
	if agentID == DefaultAgentID {
		return fmt.Errorf("cannot remove the default agent")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[agentID]
	if !ok {
		return &ErrUnknownAgent{AgentID: agentID}
	}
	a.session.mu.Lock()
	a.session.refs--
	a.session.mu.Unlock()
	delete(c.agents, agentID)
	if c.current == agentID {
		c.current = DefaultAgentID
	}
	return nil
}

// Agent looks up an agent record.
func (c *Conversations) Agent(agentID string) (*AgentRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[agentID]
	return a, ok
}

// SetCurrentAgent selects the default target for subsequent appends.
func (c *Conversations) SetCurrentAgent(agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.agents[agentID]; !ok {
		return &ErrUnknownAgent{AgentID: agentID}
	}
	c.current = agentID
	return nil
}

// CurrentAgent returns the currently selected agent id.
func (c *Conversations) CurrentAgent() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// AgentsSharingSession returns the ids of all agents whose session is
// the same as the named agent's, including the agent itself.
func (c *Conversations) AgentsSharingSession(agentID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[agentID]
	if !ok {
		return nil
	}
	var out []string
	for id, other := range c.agents {
		if other.session == a.session {
			out = append(out, id)
		}
	}
	return out
}

// windowsForLocked returns every distinct window attached to a session.
// Caller holds c.mu.
func (c *Conversations) windowsForLocked(s *Session) []*ContextWindow {
	var out []*ContextWindow
	seen := make(map[*ContextWindow]bool)
	for _, a := range c.agents {
		if a.session == s && !seen[a.window] {
			seen[a.window] = true
			out = append(out, a.window)
		}
	}
	return out
}

// appendFor appends a message to an agent's session and admits it into
// every window attached to that session.
func (c *Conversations) appendFor(agentID string, msg Message) (Message, error) {
	c.mu.RLock()
	a, ok := c.agents[agentID]
	var windows []*ContextWindow
	if ok {
		windows = c.windowsForLocked(a.session)
	}
	c.mu.RUnlock()
	if !ok {
		return Message{}, &ErrUnknownAgent{AgentID: agentID}
	}
	msg.AgentID = agentID
	return a.session.append(msg, windows), nil
}

// AddUserMessage appends a dialog user message, optionally with an image.
func (c *Conversations) AddUserMessage(agentID, text, imagePath string) (Message, error) {
	return c.appendFor(agentID, Message{
		Role:      RoleUser,
		Category:  CategoryDialog,
		Content:   text,
		ImagePath: imagePath,
	})
}

// AddAssistantMessage appends a dialog assistant message.
func (c *Conversations) AddAssistantMessage(agentID, text string) (Message, error) {
	return c.appendFor(agentID, Message{
		Role:     RoleAssistant,
		Category: CategoryDialog,
		Content:  text,
	})
}

// AddActionResult appends a tool-result message attributed to the parent
// assistant message that spawned the action.
func (c *Conversations) AddActionResult(agentID, actionName, output string, status ActionStatus, parentID int64) (Message, error) {
	return c.appendFor(agentID, Message{
		Role:     RoleTool,
		Category: CategoryToolResult,
		Content:  output,
		ParentID: parentID,
		Metadata: map[string]any{
			"action": actionName,
			"status": string(status),
		},
	})
}

// AddBusMessage mirrors an inter-agent message into the recipient's
// session as a user-role message annotated with the channel and sender.
func (c *Conversations) AddBusMessage(bm BusMessage) (Message, error) {
	meta := map[string]any{"sender": bm.Sender, "message_type": string(bm.MessageType)}
	if bm.Channel != "" {
		meta["channel"] = bm.Channel
	}
	for k, v := range bm.Metadata {
		meta[k] = v
	}
	return c.appendFor(bm.Recipient, Message{
		Role:        RoleUser,
		Category:    CategoryDialog,
		Content:     bm.Content,
		RecipientID: bm.Recipient,
		Channel:     bm.Channel,
		Metadata:    meta,
	})
}

// FormattedMessages returns the provider-ready projection of the agent's
// context window. The returned slice is a copy.
func (c *Conversations) FormattedMessages(agentID string) ([]ProviderMessage, error) {
	c.mu.RLock()
	a, ok := c.agents[agentID]
	c.mu.RUnlock()
	if !ok {
		return nil, &ErrUnknownAgent{AgentID: agentID}
	}
	a.session.mu.Lock()
	active := a.window.Active()
	a.session.mu.Unlock()

	out := make([]ProviderMessage, 0, len(active))
	for _, m := range active {
		role := string(m.Role)
		// Providers have no tool role without a tool-call id to pair it
		// with; surface tool results as user-visible context instead.
		if m.Role == RoleTool {
			role = string(RoleUser)
			m.Content = fmt.Sprintf("[tool result] %s", m.Content)
		}
		out = append(out, ProviderMessage{Role: role, Content: m.Content, ImagePath: m.ImagePath})
	}
	return out, nil
}

// CheckpointAgent returns a point-in-time snapshot of the agent's
// session, suitable for a later RestoreAgent.
func (c *Conversations) CheckpointAgent(agentID string) (SessionSnapshot, error) {
	c.mu.RLock()
	a, ok := c.agents[agentID]
	c.mu.RUnlock()
	if !ok {
		return SessionSnapshot{}, &ErrUnknownAgent{AgentID: agentID}
	}
	return a.session.snapshot(), nil
}

// RestoreAgent replaces the agent's session with the snapshot contents
// and rebuilds its context window. Restoring an agent whose session is
// shared is refused: rollback would silently rewrite the other agents'
// history.
func (c *Conversations) RestoreAgent(agentID string, snap SessionSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[agentID]
	if !ok {
		return &ErrUnknownAgent{AgentID: agentID}
	}
	a.session.mu.Lock()
	shared := a.session.refs > 1
	a.session.mu.Unlock()
	if shared {
		return fmt.Errorf("agent %q shares its session; rollback refused", agentID)
	}

	restored := sessionFromSnapshot(snap)
	restored.refs = 1
	restored.maxMessages = c.maxMessages
	window := NewContextWindow(c.cwConfig)
	for _, m := range restored.Messages() {
		window.Admit(m)
	}
	a.session = restored
	a.window = window
	return nil
}

// BranchAgent creates a new agent whose session starts as a copy of the
// source agent's history. The branch has its own window and evolves
// independently.
func (c *Conversations) BranchAgent(srcID, newID string) (*AgentRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.agents[srcID]
	if !ok {
		return nil, &ErrUnknownAgent{AgentID: srcID}
	}
	if _, exists := c.agents[newID]; exists {
		return nil, fmt.Errorf("agent %q already exists", newID)
	}

	snap := src.session.snapshot()
	snap.ID = NewID()
	branched := sessionFromSnapshot(snap)
	branched.refs = 1
	branched.maxMessages = c.maxMessages
	window := NewContextWindow(c.cwConfig)
	for _, m := range branched.Messages() {
		window.Admit(m)
	}
	a := &AgentRecord{
		ID:           newID,
		SystemPrompt: src.SystemPrompt,
		ParentID:     srcID,
		session:      branched,
		window:       window,
	}
	c.agents[newID] = a
	return a, nil
}

// sessionFromSnapshot rebuilds a session preserving ids and stamps.
func sessionFromSnapshot(snap SessionSnapshot) *Session {
	s := &Session{
		ID:                 snap.ID,
		CreatedAt:          snap.CreatedAt,
		SystemPromptDigest: snap.SystemPromptDigest,
		Metadata:           snap.Metadata,
		messages:           make([]Message, len(snap.Messages)),
		nextID:             1,
		lastActive:         snap.LastActive,
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	copy(s.messages, snap.Messages)
	for _, m := range s.messages {
		if m.ID >= s.nextID {
			s.nextID = m.ID + 1
		}
		if m.CreatedAt.After(s.lastStamp) {
			s.lastStamp = m.CreatedAt
		}
	}
	return s
}

// Save snapshots every distinct session and pushes them through the
// single-writer queue. Returns once the write completes.
func (c *Conversations) Save(ctx context.Context) error {
	if c.store == nil {
		return nil
	}

	c.mu.RLock()
	seen := make(map[*Session]bool)
	var snaps []SessionSnapshot
	for _, a := range c.agents {
		if !seen[a.session] {
			seen[a.session] = true
			snaps = append(snaps, a.session.snapshot())
		}
	}
	c.mu.RUnlock()

	job := saveJob{snaps: snaps, done: make(chan error, 1)}

	// The enqueue happens under saveMu so Close cannot close the channel
	// out from under a sender.
	c.saveMu.Lock()
	if c.saveClosed {
		c.saveMu.Unlock()
		return fmt.Errorf("conversations closed; save refused")
	}
	c.saveOnce.Do(c.startSaver)
	select {
	case c.saveCh <- job:
	case <-ctx.Done():
		c.saveMu.Unlock()
		return ctx.Err()
	}
	c.saveMu.Unlock()

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startSaver launches the single-writer persistence goroutine.
func (c *Conversations) startSaver() {
	c.saveCh = make(chan saveJob, 16)
	c.saveWG.Add(1)
	go func() {
		defer c.saveWG.Done()
		for job := range c.saveCh {
			var err error
			for _, snap := range job.snaps {
				// Detached context: a cancelled caller must not abort a
				// write already in flight.
				if e := c.store.SaveSession(context.Background(), snap); e != nil {
					c.logger.Warn("session save failed", "session", snap.ID, "error", e)
					err = e
				}
			}
			job.done <- err
		}
	}()
}

// Close drains the save queue. Saves arriving after Close return an
// error instead of reaching the closed channel.
func (c *Conversations) Close() {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	c.saveClosed = true
	if c.saveCh != nil {
		close(c.saveCh)
		c.saveWG.Wait()
		c.saveCh = nil
	}
}
