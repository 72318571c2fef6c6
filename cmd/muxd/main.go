// Command muxd is the mux daemon: it owns every workspace's Runtime, Stream
// Manager, and persistence (history/partial/workspace stores), and exposes
// them over a JSON-RPC 2.0 surface on a Unix domain socket. A client (a TUI,
// a CLI, an editor plugin) is just another JSON-RPC peer — the daemon has
// no notion of a terminal or a single active workspace the way the
// single-process TUI it's descended from did.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lifeisnphard/mux/internal/compaction"
	"github.com/lifeisnphard/mux/internal/config"
	"github.com/lifeisnphard/mux/internal/delta"
	"github.com/lifeisnphard/mux/internal/history"
	"github.com/lifeisnphard/mux/internal/ipc"
	"github.com/lifeisnphard/mux/internal/mcp"
	"github.com/lifeisnphard/mux/internal/partial"
	"github.com/lifeisnphard/mux/internal/provider"
	"github.com/lifeisnphard/mux/internal/rpcserver"
	"github.com/lifeisnphard/mux/internal/store"
	"github.com/lifeisnphard/mux/internal/stream"
	"github.com/lifeisnphard/mux/internal/systemprompt"
	"github.com/lifeisnphard/mux/internal/tools"
	"github.com/lifeisnphard/mux/internal/workspace"
)

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to set up logging: %v\n", err)
	}

	flagConfig := flag.String("config", "", "path to config.toml (default: ~/.config/mux/config.toml if present, else ./config.toml)")
	flagSocket := flag.String("socket", "", "unix socket path to listen on (default: ~/.config/mux/muxd.sock)")
	flag.Parse()

	cfg, err := loadConfig(*flagConfig)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Printf("Error loading credentials: %v\n", err)
		os.Exit(1)
	}

	dataDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Printf("Error preparing data directory: %v\n", err)
		os.Exit(1)
	}

	registry := buildRegistry(cfg, creds)

	hist, err := history.Open(filepath.Join(dataDir, "history.db"))
	if err != nil {
		fmt.Printf("Error opening history store: %v\n", err)
		os.Exit(1)
	}
	defer hist.Close()

	partialStore, err := partial.Open(filepath.Join(dataDir, "partial.db"), hist)
	if err != nil {
		fmt.Printf("Error opening partial store: %v\n", err)
		os.Exit(1)
	}
	defer partialStore.Close()

	wsStore, err := workspace.Open(filepath.Join(dataDir, "workspaces.db"))
	if err != nil {
		fmt.Printf("Error opening workspace store: %v\n", err)
		os.Exit(1)
	}
	defer wsStore.Close()

	webCache := openWebCache(cfg)
	if webCache != nil {
		defer webCache.Close()
	}

	var deltaTracker *delta.Tracker
	if webCache != nil {
		deltaTracker = delta.New(webCache.DB())
	}

	mcpProxy := setupMCPProxy(cfg)
	defer mcpProxy.Close()

	bus := ipc.NewBus(hist)
	sm := stream.NewManager(hist, partialStore, bus)
	wsManager := workspace.NewManager(wsStore, sm)
	compactor := compaction.NewController(sm, hist, bus)

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = ""
	}
	globalInstructions := systemprompt.LoadGlobalInstructions(homeDir)
	turns := newDaemonTurns(cfg, creds, registry, hist, webCache, deltaTracker, mcpProxy, sm, globalInstructions)

	socketPath := *flagSocket
	if socketPath == "" {
		socketPath = filepath.Join(dataDir, "muxd.sock")
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("socket", socketPath).Msg("muxd: failed to remove stale socket")
	}

	srv := rpcserver.New(wsManager, sm, compactor, bus, turns)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("socket", socketPath).Strs("providers", registry.List()).Msg("muxd listening")
	if err := srv.Serve(ctx, socketPath); err != nil {
		log.Error().Err(err).Msg("muxd: serve exited")
		os.Exit(1)
	}
}

// loadConfig resolves the config path the same way the single-process TUI
// did: an explicit flag wins, otherwise prefer config.toml in the data
// directory (config.DataDir, ~/.config/mux) over a ./config.toml in the
// working directory.
func loadConfig(flagPath string) (*config.Config, error) {
	if flagPath != "" {
		return config.Load(flagPath)
	}

	path := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		homeCfg := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(homeCfg); err == nil {
			path = homeCfg
		}
	}
	return config.Load(path)
}

// buildRegistry registers one Factory per configured provider, keyed by
// ProviderConfig.Kind — this is the one place a provider name is bound to a
// concrete HTTP client.
func buildRegistry(cfg *config.Config, creds *config.Credentials) *provider.Registry {
	registry := provider.NewRegistry()
	for name, pcfg := range cfg.Providers {
		apiKey := creds.GetAPIKey(name)
		switch pcfg.KindOrDefault() {
		case "anthropic":
			registry.RegisterFactory(name, provider.NewAnthropicFactory(name, apiKey, pcfg.Endpoint))
		case "zen":
			registry.RegisterFactory(name, provider.NewZenFactory(name, apiKey, pcfg.Endpoint))
		default:
			registry.RegisterFactory(name, provider.NewOllamaFactory(name, pcfg.Endpoint))
		}
	}
	return registry
}

// resolveProvider picks the default provider (or the first configured one)
// and constructs it, returning both the live Provider and the model string
// the caller should record on messages/requests.
func resolveProvider(cfg *config.Config, registry *provider.Registry) (provider.Provider, string, error) {
	name := cfg.DefaultProvider
	if name == "" {
		names := registry.List()
		if len(names) == 0 {
			return nil, "", fmt.Errorf("no providers configured")
		}
		name = names[0]
	}
	pcfg, ok := cfg.Providers[name]
	if !ok {
		return nil, "", fmt.Errorf("provider %q not found", name)
	}
	p, err := registry.Create(name, pcfg.Model, provider.Options{Temperature: pcfg.Temperature})
	if err != nil {
		return nil, "", err
	}
	return p, pcfg.Model, nil
}

func openWebCache(cfg *config.Config) *store.Cache {
	cacheDir, err := config.EnsureDataDir()
	if err != nil {
		log.Warn().Err(err).Msg("muxd: cache dir unavailable, WebFetch/WebSearch results won't be cached")
		return nil
	}
	ttl := time.Duration(cfg.Cache.CacheTTLOrDefault()) * time.Hour
	cache, err := store.Open(filepath.Join(cacheDir, "webcache.db"), ttl)
	if err != nil {
		log.Warn().Err(err).Msg("muxd: web cache open failed")
		return nil
	}
	return cache
}

// setupMCPProxy wires an upstream MCP server, if configured, behind a Proxy.
// The upstream is initialized here once; its tool list is not cached —
// toolsFor asks the Proxy for it again on every send.
func setupMCPProxy(cfg *config.Config) *mcp.Proxy {
	var upstream mcp.UpstreamClient
	if cfg.MCP.Upstream != "" {
		upstream = mcp.NewClient(cfg.MCP.Upstream)
	}
	proxy := mcp.NewProxy(upstream)
	if upstream != nil {
		if err := proxy.Initialize(context.Background()); err != nil {
			log.Warn().Err(err).Str("upstream", cfg.MCP.Upstream).Msg("muxd: MCP upstream init failed")
		}
	}
	return proxy
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "muxd.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	return nil
}

// daemonTurns implements rpcserver.TurnBuilder: it owns everything a turn
// needs besides the Workspace itself (provider selection, the per-workspace
// tool substrate, system-prompt composition) so rpcserver stays a pure
// transport.
type daemonTurns struct {
	cfg      *config.Config
	creds    *config.Credentials
	registry *provider.Registry
	hist     *history.Store
	webCache *store.Cache
	delta    *delta.Tracker
	mcpProxy *mcp.Proxy
	sm       *stream.Manager

	globalInstructions string

	mu           sync.Mutex
	fileTrackers map[string]*tools.FileReadTracker
	scratchpads  map[string]*tools.Scratchpad
}

func newDaemonTurns(
	cfg *config.Config,
	creds *config.Credentials,
	registry *provider.Registry,
	hist *history.Store,
	webCache *store.Cache,
	deltaTracker *delta.Tracker,
	mcpProxy *mcp.Proxy,
	sm *stream.Manager,
	globalInstructions string,
) *daemonTurns {
	return &daemonTurns{
		cfg:                cfg,
		creds:              creds,
		registry:           registry,
		hist:               hist,
		webCache:           webCache,
		delta:              deltaTracker,
		mcpProxy:           mcpProxy,
		sm:                 sm,
		globalInstructions: globalInstructions,
		fileTrackers:       make(map[string]*tools.FileReadTracker),
		scratchpads:        make(map[string]*tools.Scratchpad),
	}
}

// BuildSendTurn assembles a StartStreamRequest for one user message: the
// prior conversation read back from history, a fresh per-workspace tool
// substrate (with the SubAgent tool re-bound to this turn's model, since
// that binding can't outlive a single send), and the composed system
// message.
func (d *daemonTurns) BuildSendTurn(ws *workspace.Workspace, text string) (stream.StartStreamRequest, error) {
	p, modelString, err := resolveProvider(d.cfg, d.registry)
	if err != nil {
		return stream.StartStreamRequest{}, err
	}

	priorMessages, err := d.hist.Read(ws.ID)
	if err != nil {
		return stream.StartStreamRequest{}, fmt.Errorf("read history: %w", err)
	}

	registry := d.toolsFor(ws, p, modelString)

	builder := systemprompt.Builder{
		WorkingDir:          ws.Runtime.Root(),
		GlobalInstructions:  d.globalInstructions,
		ContextInstructions: systemprompt.LoadContextInstructions(ws.Runtime.Root()),
		Mode:                d.cfg.Workspace.DefaultMode,
		Model:               modelString,
	}
	if pad := d.scratchpadFor(ws.ID); pad.Content() != "" {
		builder.AdditionalInstructions = pad.Content()
	}

	userMsg := history.Message{
		ID:        uuid.NewString(),
		Role:      history.RoleUser,
		Parts:     []history.Part{{Type: history.PartText, Text: text}},
		Timestamp: time.Now(),
	}

	return stream.StartStreamRequest{
		WorkspaceID:   ws.ID,
		UserMessage:   userMsg,
		SystemMessage: builder.Build(),
		Messages:      stream.ToProviderMessages(priorMessages),
		Model:         p,
		ModelString:   modelString,
		Runtime:       ws.Runtime,
		Tools:         registry,
	}, nil
}

// BuildCompactionRequest assembles a compaction.Request for a workspace,
// reusing the same provider/tool wiring a normal send would (compaction
// runs its own constrained stream through the same Stream Manager, so it
// needs the same substrate).
func (d *daemonTurns) BuildCompactionRequest(ws *workspace.Workspace, targetWords int, continueMessage string) (compaction.Request, error) {
	p, modelString, err := resolveProvider(d.cfg, d.registry)
	if err != nil {
		return compaction.Request{}, err
	}

	registry := d.toolsFor(ws, p, modelString)

	builder := systemprompt.Builder{
		WorkingDir:          ws.Runtime.Root(),
		GlobalInstructions:  d.globalInstructions,
		ContextInstructions: systemprompt.LoadContextInstructions(ws.Runtime.Root()),
		Mode:                "compact",
		Model:               modelString,
	}

	return compaction.Request{
		WorkspaceID:      ws.ID,
		RequestMessageID: uuid.NewString(),
		TargetWords:      targetWords,
		ContinueMessage:  continueMessage,
		Model:            p,
		ModelString:      modelString,
		SystemPrompt:     builder,
		Runtime:          ws.Runtime,
		Tools:            registry,
	}, nil
}

func (d *daemonTurns) fileTrackerFor(workspaceID string) *tools.FileReadTracker {
	d.mu.Lock()
	defer d.mu.Unlock()
	ft, ok := d.fileTrackers[workspaceID]
	if !ok {
		ft = tools.NewFileReadTracker()
		d.fileTrackers[workspaceID] = ft
	}
	return ft
}

func (d *daemonTurns) scratchpadFor(workspaceID string) *tools.Scratchpad {
	d.mu.Lock()
	defer d.mu.Unlock()
	pad, ok := d.scratchpads[workspaceID]
	if !ok {
		pad = &tools.Scratchpad{}
		d.scratchpads[workspaceID] = pad
	}
	return pad
}

// toolsFor assembles the tool Registry one turn uses: local tools bound to
// ws.Runtime, any upstream MCP tools behind a pass-through handler, and a
// SubAgent tool whose runner is bound to model/modelString for this turn
// only — the one piece of the substrate that cannot be cached across sends.
func (d *daemonTurns) toolsFor(ws *workspace.Workspace, model provider.Provider, modelString string) *tools.Registry {
	ft := d.fileTrackerFor(ws.ID)
	pad := d.scratchpadFor(ws.ID)

	registry := tools.NewRegistry(tools.NewPolicy(nil))

	registry.Register(tools.Tool{Definition: tools.NewReadTool(), Execute: tools.NewReadHandler(ws.Runtime, ft).Execute})
	registry.Register(tools.Tool{Definition: tools.NewEditTool(), Execute: tools.NewEditHandler(ws.Runtime, ft, d.delta).Execute})
	registry.Register(tools.Tool{Definition: tools.NewShellTool(), Execute: tools.NewShellHandler(ws.Runtime, d.delta).Execute})
	registry.Register(tools.Tool{Definition: tools.NewGrepTool(), Execute: tools.MakeGrepHandler(ws.Runtime.Root())})
	registry.Register(tools.Tool{Definition: tools.NewGlobTool(), Execute: tools.MakeGlobHandler(ws.Runtime.Root())})
	registry.Register(tools.Tool{Definition: tools.NewGitStatusTool(), Execute: tools.MakeGitStatusHandler(ws.Runtime)})
	registry.Register(tools.Tool{Definition: tools.NewGitDiffTool(), Execute: tools.MakeGitDiffHandler(ws.Runtime)})
	registry.Register(tools.Tool{Definition: tools.NewTodoWriteTool(), Execute: tools.MakeTodoWriteHandler(pad)})

	if d.webCache != nil {
		registry.Register(tools.Tool{Definition: tools.NewWebFetchTool(), Execute: tools.MakeWebFetchHandler(d.webCache)})
		exaKey := d.creds.GetAPIKey("exa_ai")
		registry.Register(tools.Tool{Definition: tools.NewWebSearchTool(), Execute: tools.MakeWebSearchHandler(d.webCache, exaKey, "")})
	}

	if d.mcpProxy.HasUpstream() {
		if upstreamTools, err := d.mcpProxy.ListTools(context.Background()); err != nil {
			log.Warn().Err(err).Msg("muxd: failed to list upstream MCP tools")
		} else {
			for _, t := range upstreamTools {
				name := t.Name
				registry.Register(tools.Tool{Definition: t, Execute: func(ctx context.Context, input json.RawMessage) (*mcp.ToolResult, error) {
					return d.mcpProxy.CallTool(ctx, name, input)
				}})
			}
		}
	}

	runner := d.sm.SubAgentRunner(model, modelString)
	registry.Register(tools.Tool{Definition: tools.NewSubAgentTool(), Execute: tools.NewSubAgentHandler(runner, registry).Execute})

	return registry
}
