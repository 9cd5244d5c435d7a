// Package session owns the userID → runtime map behind the gateway: one
// orchestrator and tool runner per connected user, plus the durable bits
// that survive reconnects (thread ids, working directory, pending
// prompts, conversation log).
package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/agent"
	"github.com/adsdev/ads/internal/agent/claudecli"
	"github.com/adsdev/ads/internal/agent/codexcli"
	"github.com/adsdev/ads/internal/agent/geminicli"
	"github.com/adsdev/ads/internal/collab"
	"github.com/adsdev/ads/internal/common/config"
	"github.com/adsdev/ads/internal/common/errs"
	"github.com/adsdev/ads/internal/common/logger"
	"github.com/adsdev/ads/internal/common/stringutil"
	"github.com/adsdev/ads/internal/orchestrator"
	"github.com/adsdev/ads/internal/search"
	"github.com/adsdev/ads/internal/store"
	"github.com/adsdev/ads/internal/sysprompt"
	"github.com/adsdev/ads/internal/tokens"
	"github.com/adsdev/ads/internal/tools"
	"github.com/adsdev/ads/internal/vsearch"
)

// historyNamespace scopes the web console's history ring and pending
// prompts in the shared store.
const historyNamespace = "web"

// KV namespaces for durable session state.
const (
	kvThreads      = "session.threads"
	kvCwd          = "session.cwd"
	kvConversation = "session.conversation"
	pendingPrefix  = "pending."
)

// legacyCwdKey is where the store's one-time JSON import parks the old
// single working directory, under the web namespace.
const legacyCwdKey = "cwd"

// AdapterFactory builds the adapter set for a new runtime.
type AdapterFactory func(log *logger.Logger) []agent.Adapter

// Deps wires a Manager. Search and Vector may be nil when those
// features are not configured; Adapters defaults to the CLI adapters
// enabled in the config.
type Deps struct {
	Config   *config.Config
	Store    store.Store
	Logger   *logger.Logger
	Engine   *collab.Engine
	Search   *search.Client
	Vector   *vsearch.Index
	Adapters AdapterFactory
	Root     string
}

// The orchestrator doubles as the tool runtime's delegation seam.
var _ tools.AgentInvoker = (*orchestrator.Orchestrator)(nil)

// Manager owns all session runtimes of one server process.
type Manager struct {
	log     *logger.Logger
	cfg     *config.Config
	st      store.Store
	engine  *collab.Engine
	search  *search.Client
	vector  *vsearch.Index
	factory AdapterFactory
	root    string
	policy  tools.Policy
	prompts *sysprompt.Manager

	mu       sync.Mutex
	sessions map[string]*Runtime

	indexOnce sync.Once
}

// NewManager builds the manager.
func NewManager(deps Deps) *Manager {
	m := &Manager{
		log:      deps.Logger.WithFields(zap.String("component", "session")),
		cfg:      deps.Config,
		st:       deps.Store,
		engine:   deps.Engine,
		search:   deps.Search,
		vector:   deps.Vector,
		factory:  deps.Adapters,
		root:     deps.Root,
		sessions: make(map[string]*Runtime),
		prompts:  sysprompt.NewManager(deps.Root),
	}
	if m.factory == nil {
		m.factory = cliAdapters(deps.Config.Agents)
	}
	roots := append([]string{m.root}, deps.Config.Workspace.AllowedDirList()...)
	m.policy = tools.NewPolicy(deps.Config.Tools, roots...)
	return m
}

// cliAdapters builds the enabled CLI-backed adapters from the config.
func cliAdapters(cfg config.AgentsConfig) AdapterFactory {
	return func(log *logger.Logger) []agent.Adapter {
		var out []agent.Adapter
		if cfg.Codex.Enabled {
			out = append(out, codexcli.New(cfg.Codex, log))
		}
		if cfg.Claude.Enabled {
			out = append(out, claudecli.New(cfg.Claude, log))
		}
		if cfg.Gemini.Enabled {
			out = append(out, geminicli.New(cfg.Gemini, log))
		}
		return out
	}
}

// Prompts returns the system-prompt manager, which tracks the routed
// working directory and the rules chain.
func (m *Manager) Prompts() *sysprompt.Manager {
	return m.prompts
}

// Get returns the cached runtime for a user, if one exists.
func (m *Manager) Get(userID string) (*Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.sessions[userID]
	return rt, ok
}

// GetOrCreate returns the cached runtime or constructs one: adapters
// from the factory, active agent from config, working directory from the
// argument, the stored value, or the workspace root, in that order.
// When resumeThread is set, stored thread ids are restored per agent.
func (m *Manager) GetOrCreate(ctx context.Context, userID, cwd string, resumeThread bool) (*Runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.sessions[userID]; ok {
		return rt, nil
	}

	log := m.log.WithSessionID(userID)
	adapters := m.factory(log)
	if len(adapters) == 0 {
		return nil, errs.New(errs.KindAdapterNotReady, "no agents are enabled")
	}
	orch := orchestrator.New(log, adapters...)
	if def := m.cfg.Agents.Default; def != "" && orch.HasAgent(def) {
		if err := orch.SetActiveAgent(def); err != nil {
			return nil, err
		}
	}

	dir := cwd
	if dir == "" {
		if saved, ok, err := m.st.GetKV(ctx, kvCwd, userID); err == nil && ok {
			dir = saved
		}
	}
	if dir == "" {
		// The pre-sqlite builds kept a single shared cwd; the store's
		// one-time import parks it here.
		if saved, ok, err := m.st.GetKV(ctx, historyNamespace, legacyCwdKey); err == nil && ok {
			dir = saved
		}
	}
	if dir == "" {
		dir = m.root
	}
	orch.SetWorkingDirectory(dir)

	if resumeThread {
		for _, a := range adapters {
			key := userID + "/" + a.ID()
			if tid, ok, err := m.st.GetKV(ctx, kvThreads, key); err == nil && ok && tid != "" {
				if err := orch.RestoreThread(a.ID(), tid); err != nil {
					log.Warn("thread restore failed", zap.String("agent_id", a.ID()), zap.Error(err))
				}
			}
		}
	}

	rt := &Runtime{userID: userID, orch: orch, cwd: dir}
	if convID, ok, err := m.st.GetKV(ctx, kvConversation, userID); err == nil && ok {
		rt.convID = convID
	}

	td := tools.Deps{
		Logger:  log,
		Policy:  m.policy,
		Invoker: orch,
		Hooks:   rt.toolHooks(),
	}
	if m.search != nil {
		td.Search = m.search
	}
	if m.vector != nil {
		td.Vector = m.vector
	}
	rt.runner = tools.NewRunner(td)

	m.sessions[userID] = rt
	m.ensureIndexed()
	log.Info("session runtime created",
		zap.String("cwd", dir),
		zap.String("active_agent", orch.ActiveAgent()),
		zap.Bool("resume_thread", resumeThread))
	return rt, nil
}

// Reset tears down the runtime and clears its stored thread ids and
// conversation binding. History and cwd survive.
func (m *Manager) Reset(ctx context.Context, userID string) error {
	m.mu.Lock()
	rt := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if rt == nil {
		return nil
	}
	rt.Interrupt()
	for _, info := range rt.orch.ListAgents() {
		if err := m.st.DeleteKV(ctx, kvThreads, userID+"/"+info.ID); err != nil {
			m.log.Warn("thread id cleanup failed", zap.String("agent_id", info.ID), zap.Error(err))
		}
	}
	if err := m.st.DeleteKV(ctx, kvConversation, userID); err != nil {
		m.log.Warn("conversation binding cleanup failed", zap.Error(err))
	}
	return nil
}

// SaveThreadID persists an agent's thread id for later resumption.
func (m *Manager) SaveThreadID(ctx context.Context, userID, agentID, threadID string) error {
	return m.st.SetKV(ctx, kvThreads, userID+"/"+agentID, threadID)
}

// SwitchAgent changes the runtime's active adapter.
func (m *Manager) SwitchAgent(userID, agentID string) error {
	rt, ok := m.Get(userID)
	if !ok {
		return errs.NotFound("session", userID)
	}
	return rt.orch.SetActiveAgent(agentID)
}

// EnsureLogger lazily opens the per-session file logger under
// <root>/.ads/logs/ and returns it.
func (m *Manager) EnsureLogger(userID string) (*logger.Logger, error) {
	rt, ok := m.Get(userID)
	if !ok {
		return nil, errs.NotFound("session", userID)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.log != nil {
		return rt.log, nil
	}
	log, err := logger.NewSessionLogger(filepath.Join(m.root, ".ads", "logs"), userID)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "session logger", err)
	}
	rt.log = log
	return log, nil
}

// SetUserCwd validates the directory against the allowed roots, updates
// the runtime, the orchestrator and the prompt manager, and persists it
// for reconnects. Returns the resolved absolute path.
func (m *Manager) SetUserCwd(ctx context.Context, userID, dir string) (string, error) {
	rt, ok := m.Get(userID)
	if !ok {
		return "", errs.NotFound("session", userID)
	}
	resolved, err := m.policy.ResolvePath(rt.Cwd(), dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return "", errs.Validation("not a directory: " + dir)
	}

	rt.setCwd(resolved)
	m.prompts.SetCwd(resolved)
	if err := m.st.SetKV(ctx, kvCwd, userID, resolved); err != nil {
		m.log.Warn("cwd persist failed", zap.Error(err))
	}
	return resolved, nil
}

// Pending prompt persistence, keyed (namespace, sessionID): the last
// unacknowledged prompt survives reconnects and is replayed once.

func (m *Manager) SetPendingPrompt(ctx context.Context, namespace, sessionID, text string) error {
	return m.st.SetKV(ctx, pendingPrefix+namespace, sessionID, text)
}

func (m *Manager) PendingPrompt(ctx context.Context, namespace, sessionID string) (string, bool, error) {
	return m.st.GetKV(ctx, pendingPrefix+namespace, sessionID)
}

func (m *Manager) ClearPendingPrompt(ctx context.Context, namespace, sessionID string) error {
	return m.st.DeleteKV(ctx, pendingPrefix+namespace, sessionID)
}

// History returns the bootstrap batch for a session.
func (m *Manager) History(ctx context.Context, userID string, limit int) ([]*store.HistoryEntry, error) {
	return m.st.GetHistory(ctx, historyNamespace, userID, limit)
}

// SearchHistory runs a substring search over one session's history.
func (m *Manager) SearchHistory(ctx context.Context, userID, query string, limit int) ([]*store.HistoryEntry, error) {
	return m.st.SearchHistory(ctx, historyNamespace, userID, query, limit)
}

// AddHistoryEntry appends a console line for a session.
func (m *Manager) AddHistoryEntry(ctx context.Context, userID, role, kind, text string) error {
	return m.st.AddHistoryEntry(ctx, &store.HistoryEntry{
		Namespace: historyNamespace,
		SessionID: userID,
		Role:      role,
		Kind:      kind,
		Text:      text,
	})
}

// ClearHistory purges the session's history ring and resets the runtime.
func (m *Manager) ClearHistory(ctx context.Context, userID string) error {
	if err := m.st.ClearHistory(ctx, historyNamespace, userID); err != nil {
		return err
	}
	return m.Reset(ctx, userID)
}

// PromptRequest carries one prompt into RunPrompt.
type PromptRequest struct {
	Input   agent.Input
	OnEvent func(agent.Event)
}

// RunPrompt runs one collaboration turn for the runtime: abort handle
// wired, guides injected on the runtime's first turn, and the outcome
// recorded to history, the conversation log and the thread id store.
// The partial result is returned alongside the error on interruption.
func (m *Manager) RunPrompt(ctx context.Context, rt *Runtime, req PromptRequest) (*collab.TurnResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	rt.setAbort(cancel)
	defer func() {
		cancel()
		rt.clearAbort()
	}()

	opts := agent.SendOptions{WorkingDir: rt.Cwd()}
	if mc, err := m.st.GetModelConfig(runCtx, rt.orch.ActiveAgent()); err == nil && mc != nil {
		opts.Model = mc.Model
		opts.ModelParams = mc.Params
	}

	res, err := m.engine.RunTurn(runCtx, rt.orch, rt.Runner(), collab.TurnRequest{
		Input:       req.Input,
		Options:     opts,
		BaseDir:     rt.Cwd(),
		InjectGuide: rt.takeGuide(),
		OnEvent:     req.OnEvent,
	})
	if res != nil {
		// Recording must survive the aborted turn context.
		m.record(context.WithoutCancel(ctx), rt, req.Input.Prompt(), res)
	}
	return res, err
}

// record persists the finished turn: history ring entries, conversation
// messages with token totals, and the adapter thread id.
func (m *Manager) record(ctx context.Context, rt *Runtime, userText string, res *collab.TurnResult) {
	agentID := rt.orch.ActiveAgent()
	now := time.Now().UTC()

	if userText != "" {
		if err := m.AddHistoryEntry(ctx, rt.userID, "user", "", userText); err != nil {
			m.log.Warn("history write failed", zap.Error(err))
		}
	}
	if res.History != "" {
		if err := m.AddHistoryEntry(ctx, rt.userID, "ai", "", res.History); err != nil {
			m.log.Warn("history write failed", zap.Error(err))
		}
	}

	convID := rt.conversationID()
	if convID == "" {
		convID = uuid.New().String()
		conv := &store.Conversation{
			ID:        convID,
			Title:     stringutil.TruncateRunesWithEllipsis(stringutil.FirstNonEmptyLine(userText), 80),
			Status:    store.ConversationActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := m.st.CreateConversation(ctx, conv); err != nil {
			m.log.Warn("conversation create failed", zap.Error(err))
			convID = ""
		} else {
			rt.setConversationID(convID)
			if err := m.st.SetKV(ctx, kvConversation, rt.userID, convID); err != nil {
				m.log.Warn("conversation binding persist failed", zap.Error(err))
			}
		}
	}
	if convID != "" {
		if userText != "" {
			m.addConversationMessage(ctx, convID, "user", userText, "")
		}
		if res.History != "" {
			m.addConversationMessage(ctx, convID, "assistant", res.History, agentID)
		}
		total := res.Usage.InputTokens + res.Usage.OutputTokens
		if total == 0 {
			total = tokens.Count(userText) + tokens.Count(res.History)
		}
		if err := m.st.AddConversationTokens(ctx, convID, total, agentID); err != nil {
			m.log.Warn("token accounting failed", zap.Error(err))
		}
		if res.ThreadID != "" {
			if err := m.st.SetModelResponseID(ctx, convID, agentID, res.ThreadID); err != nil {
				m.log.Warn("response id persist failed", zap.Error(err))
			}
		}
	}

	if res.ThreadID != "" {
		if err := m.SaveThreadID(ctx, rt.userID, agentID, res.ThreadID); err != nil {
			m.log.Warn("thread id persist failed", zap.Error(err))
		}
	}
}

func (m *Manager) addConversationMessage(ctx context.Context, convID, role, content, model string) {
	err := m.st.AddConversationMessage(ctx, &store.ConversationMessage{
		ID:             uuid.New().String(),
		ConversationID: convID,
		Role:           role,
		Content:        content,
		ModelUsed:      model,
	})
	if err != nil {
		m.log.Warn("conversation message write failed", zap.String("role", role), zap.Error(err))
	}
}

// ensureIndexed kicks the one-time background workspace indexing when
// the vector feature is on.
func (m *Manager) ensureIndexed() {
	if m.vector == nil {
		return
	}
	m.indexOnce.Do(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			n, err := m.vector.IndexWorkspace(ctx, m.root)
			if err != nil {
				m.log.Warn("workspace indexing failed", zap.Error(err))
				return
			}
			m.log.Info("workspace indexed", zap.Int("chunks", n))
		}()
	})
}
