package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// OperationState is the Controller's top-level state machine. Only the
// Controller mutates it.
type OperationState int

const (
	StateOff OperationState = iota
	StateStarting
	StateOn
	StatePaused
	StateStopping
)

func (s OperationState) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateOn:
		return "On"
	case StatePaused:
		return "Paused"
	case StateStopping:
		return "Stopping"
	default:
		return "Off"
	}
}

// ChannelSet is the ordered, deduplicated set of channels the Controller
// wants joined. Mutations are serialized by running only on the
// Controller goroutine — no internal locking.
type ChannelSet struct {
	order []string
	set   map[string]bool
}

func NewChannelSet() *ChannelSet {
	return &ChannelSet{set: make(map[string]bool)}
}

// Add normalizes and inserts ch if absent. Reports whether it was new.
func (c *ChannelSet) Add(ch string) bool {
	ch = normalizeChannel(ch)
	if c.set[ch] {
		return false
	}
	c.set[ch] = true
	c.order = append(c.order, ch)
	return true
}

func (c *ChannelSet) List() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// fastPathResult is the async outcome of a direct-send attempt for a
// freshly-arrived token, fed back into the Controller's single event loop.
type fastPathResult struct {
	key      ImageKey
	outcome  TrySendResult
	cacheErr error
}

// drainResult is the async outcome of popping and sending a backlogged
// RankedEntry, fed back into the Controller's single event loop.
type drainResult struct {
	entry    RankedEntry
	outcome  TrySendResult
	cacheErr error
}

// Controller is the top-level state machine (component G): it owns
// OperationState, the ChannelSet, the RankingBuffer, and wires the Image
// Cache, Display Client, IRC Client, and Command Server together. Every
// mutation of its owned state happens on the single goroutine running
// Run — other components only ever send it events or requests.
type Controller struct {
	cfg     *Config
	cache   *ImageCache
	display *DisplayClient
	irc     *IRCClient
	cmd     *CommandServer
	log     *slog.Logger
	m       *metrics

	state          OperationState
	channels       *ChannelSet
	ranking        *RankingBuffer
	analyzerOpts   AnalyzerOptions
	forbiddenUsers map[string]bool
	backoffAttempt int

	reconnectTimer *time.Timer
	reconnectC     <-chan time.Time

	sessionCtx    context.Context
	sessionCancel context.CancelFunc

	ircConnectDone chan error
	fastPathDone   chan fastPathResult
	drainDone      chan drainResult
}

// NewController wires up the Controller from an already-constructed A-F.
func NewController(cfg *Config, cache *ImageCache, display *DisplayClient, irc *IRCClient, cmd *CommandServer, log *slog.Logger, m *metrics) *Controller {
	channels := NewChannelSet()
	for _, ch := range cfg.Channels {
		channels.Add(ch)
	}
	forbidden := make(map[string]bool, len(cfg.ForbiddenUsers))
	for _, u := range cfg.ForbiddenUsers {
		forbidden[strings.ToLower(u)] = true
	}
	forbiddenEmotes := make(map[string]bool, len(cfg.ForbiddenEmotes)+len(DefaultForbiddenEmotes))
	for _, id := range DefaultForbiddenEmotes {
		forbiddenEmotes[id] = true
	}
	for _, id := range cfg.ForbiddenEmotes {
		forbiddenEmotes[id] = true
	}

	return &Controller{
		cfg:            cfg,
		cache:          cache,
		display:        display,
		irc:            irc,
		cmd:            cmd,
		log:            log,
		m:              m,
		state:          StateOff,
		channels:       channels,
		ranking:        NewRankingBuffer(),
		analyzerOpts:   AnalyzerOptions{NoSummation: cfg.NoSummation, ForbiddenEmotes: forbiddenEmotes},
		forbiddenUsers: forbidden,
		ircConnectDone: make(chan error, 1),
		fastPathDone:   make(chan fastPathResult, 64),
		drainDone:      make(chan drainResult, 64),
	}
}

// Run is the Controller's single-consumer event loop. It returns when ctx
// is cancelled, having first driven the state machine to Off. When cmd
// is configured (--command-port), autoStart is normally false and ON
// arrives as a command; in the non-interactive CLI surface autoStart is
// true and the Controller starts itself against the channel list it was
// constructed with.
func (c *Controller) Run(ctx context.Context, autoStart bool) error {
	if autoStart {
		c.transitionOn(ctx)
	}

	var requests <-chan *CommandRequest
	if c.cmd != nil {
		requests = c.cmd.Requests
	}

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()

		case req := <-requests:
			c.handleCommand(ctx, req)

		case ev := <-c.irc.Events:
			c.handleIRCEvent(ctx, ev)

		case ev := <-c.display.Events:
			c.handleDisplayEvent(ctx, ev)

		case err := <-c.ircConnectDone:
			if err != nil {
				c.log.Warn("irc connect attempt failed", "err", err)
				c.scheduleReconnect(ctx)
			}

		case res := <-c.fastPathDone:
			c.handleFastPathResult(res)

		case res := <-c.drainDone:
			c.handleDrainResult(res)

		case <-c.reconnectC:
			c.reconnectC = nil
			c.startConnectAttempt(ctx)
		}
	}
}

// shutdown drives an in-progress or running session to Off on context
// cancellation or OFF. Fetch/upload goroutines started during this session
// get a grace window to finish before sessionCancel aborts whatever is
// still outstanding.
func (c *Controller) shutdown() {
	if c.state == StateOff {
		return
	}
	c.state = StateStopping
	c.ranking.Clear()
	c.irc.LeaveAll(c.channels.List())
	_ = c.irc.Close()
	c.display.Stop()
	if cancel := c.sessionCancel; cancel != nil {
		c.sessionCancel = nil
		go func() {
			time.Sleep(2 * time.Second)
			cancel()
		}()
	}
	c.state = StateOff
}

// --- command handling -------------------------------------------------

func (c *Controller) handleCommand(ctx context.Context, req *CommandRequest) {
	switch req.Kind {
	case CmdON:
		c.handleOn(ctx, req)
	case CmdOFF:
		c.handleOff(req)
	case CmdCLEAR:
		c.handleClear(ctx, req)
	case CmdPAUSE:
		c.handlePause(req)
	case CmdRESUME:
		c.handleResume(req)
	case CmdJOIN:
		c.handleJoin(req)
	}
}

func (c *Controller) handleOn(ctx context.Context, req *CommandRequest) {
	if c.state != StateOff {
		req.Respond(errReply("Already running"))
		return
	}
	c.transitionOn(ctx)
	req.Respond(okReply("OK Operation started"))
}

// transitionOn implements the Off -> Starting half of the ON command:
// arm the display probe loop and kick off an IRC connect attempt.
// No-op if already past Off.
func (c *Controller) transitionOn(ctx context.Context) {
	if c.state != StateOff {
		return
	}
	c.state = StateStarting
	c.backoffAttempt = 0
	c.sessionCtx, c.sessionCancel = context.WithCancel(ctx)
	go c.display.RunProbeLoop(c.sessionCtx, 200*time.Millisecond)
	c.startConnectAttempt(ctx)
}

func (c *Controller) handleOff(req *CommandRequest) {
	c.shutdown()
	req.Respond(okReply("OK Operation stopped"))
}

func (c *Controller) handleClear(ctx context.Context, req *CommandRequest) {
	c.ranking.Clear()
	c.m.rankingBufferLen.Set(0)
	if c.state != StateOff {
		if err := c.display.Clear(ctx); err != nil {
			req.Respond(errReply(err.Error()))
			return
		}
	}
	req.Respond(okReply("OK Cleared"))
}

func (c *Controller) handlePause(req *CommandRequest) {
	if c.state != StateOn {
		req.Respond(errReply("Not running"))
		return
	}
	c.state = StatePaused
	req.Respond(okReply("OK Paused"))
}

func (c *Controller) handleResume(req *CommandRequest) {
	if c.state != StatePaused {
		req.Respond(errReply("Not paused"))
		return
	}
	c.state = StateOn
	req.Respond(okReply("OK Resumed"))
	c.drainStep()
}

func (c *Controller) handleJoin(req *CommandRequest) {
	if c.state != StateOn && c.state != StatePaused {
		req.Respond(errReply("Not running"))
		return
	}
	var fresh []string
	for _, ch := range req.Channels {
		if c.channels.Add(ch) {
			fresh = append(fresh, ch)
		}
	}
	if len(fresh) > 0 {
		c.irc.Join(fresh)
	}
	names := make([]string, len(req.Channels))
	for i, ch := range req.Channels {
		names[i] = strings.TrimPrefix(ch, "#")
	}
	req.Respond(okReply("OK Joining " + strings.Join(names, ",")))
}

// --- IRC event handling -------------------------------------------------

func (c *Controller) startConnectAttempt(ctx context.Context) {
	go func() {
		err := c.irc.Connect(ctx, c.cfg.IRCAddr, c.cfg.IRCUseTLS)
		select {
		case c.ircConnectDone <- err:
		default:
		}
	}()
}

func (c *Controller) scheduleReconnect(ctx context.Context) {
	if c.state == StateOff || c.state == StateStopping {
		return
	}
	delay := BackoffSchedule(c.backoffAttempt)
	c.backoffAttempt++
	c.log.Warn("irc reconnect scheduled", "delay", delay, "attempt", c.backoffAttempt)
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.NewTimer(delay)
	c.reconnectC = c.reconnectTimer.C
}

func (c *Controller) handleIRCEvent(ctx context.Context, ev IRCEvent) {
	switch ev.Kind {
	case EventReady:
		c.backoffAttempt = 0
		if c.state == StateStarting {
			c.state = StateOn
			c.irc.Join(c.channels.List())
			c.drainStep()
		}
	case EventJoined:
		logSuccess(ctx, c.log, "joined channel", "channel", ev.Channel)
	case EventJoinFailed:
		c.log.Warn("join failed, will not retry automatically", "channel", ev.Channel)
	case EventMessage:
		c.handleChatMessage(ctx, ev.Message)
	case EventDisconnected:
		if c.state == StateOff || c.state == StateStopping {
			return
		}
		c.log.Warn("irc disconnected", "err", ev.Err)
		c.state = StateStarting
		c.scheduleReconnect(ctx)
	}
}

func (c *Controller) handleChatMessage(ctx context.Context, msg *ChatMessage) {
	if c.state != StateOn && c.state != StatePaused {
		return
	}
	if c.forbiddenUsers[msg.SenderLower] {
		return
	}

	tokens, err := AnalyzeMessage(msg.Text, MessageTags{
		Emotes:    msg.Tags["emotes"],
		EmoteOnly: msg.Tags["emote-only"] == "1",
	}, c.analyzerOpts)
	if err != nil {
		c.log.Warn("message analyzer protocol error", "err", err)
		return
	}

	for _, key := range tokens {
		if c.state == StateOn && !c.display.Unreachable() && c.display.FreeSlots() > 0 {
			go c.fastPathSend(c.sessionCtx, key)
			continue
		}
		c.ranking.Bump(key)
	}
	c.m.rankingBufferLen.Set(float64(c.ranking.Size()))
}

func (c *Controller) fastPathSend(ctx context.Context, key ImageKey) {
	path, contentType, err := c.cache.Resolve(ctx, key)
	if err != nil {
		c.fastPathDone <- fastPathResult{key: key, cacheErr: err}
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		c.fastPathDone <- fastPathResult{key: key, cacheErr: err}
		return
	}
	outcome := c.display.TrySend(ctx, data, contentType, false)
	c.fastPathDone <- fastPathResult{key: key, outcome: outcome}
}

func (c *Controller) handleFastPathResult(res fastPathResult) {
	if c.state != StateOn && c.state != StatePaused {
		return
	}
	if res.cacheErr != nil {
		c.log.Warn("cache miss, this isn't supposed to happen if ranking and resolve are kept in order", "key", res.key.Fingerprint(), "err", res.cacheErr)
		c.m.cacheMisses.Inc()
		return
	}
	switch res.outcome {
	case Accepted:
		c.m.cacheHits.Inc()
	case Busy, Unreachable:
		c.ranking.Bump(res.key)
		c.m.rankingBufferLen.Set(float64(c.ranking.Size()))
	case Rejected:
		// The device has already judged this exact file unusable; bumping
		// it back onto the backlog would only earn the same rejection.
	}
}

// --- display event handling / drain loop --------------------------------

func (c *Controller) handleDisplayEvent(ctx context.Context, ev SlotEvent) {
	switch {
	case ev.Unreachable:
		c.log.Warn("display unreachable, draining suspended")
	case ev.Recovered:
		logSuccess(ctx, c.log, "display reachable again")
		c.drainStep()
	default:
		c.drainStep()
	}
}

// drainStep pops as many backlogged entries as there are free slots and
// dispatches each to a worker goroutine, so the fetch+upload I/O never
// blocks this event loop. Results land on drainDone.
func (c *Controller) drainStep() {
	if c.state != StateOn {
		return
	}
	if c.display.Unreachable() {
		return
	}
	free := c.display.FreeSlots()
	for i := uint32(0); i < free; i++ {
		entry, ok := c.ranking.Take()
		if !ok {
			break
		}
		c.m.rankingBufferLen.Set(float64(c.ranking.Size()))
		go c.drainSend(c.sessionCtx, entry)
	}
}

func (c *Controller) drainSend(ctx context.Context, entry RankedEntry) {
	path, contentType, err := c.cache.Resolve(ctx, entry.Key)
	if err != nil {
		c.drainDone <- drainResult{entry: entry, cacheErr: err}
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		c.drainDone <- drainResult{entry: entry, cacheErr: fmt.Errorf("read cache file: %w", err)}
		return
	}
	outcome := c.display.TrySend(ctx, data, contentType, true)
	c.drainDone <- drainResult{entry: entry, outcome: outcome}
}

func (c *Controller) handleDrainResult(res drainResult) {
	if c.state != StateOn && c.state != StatePaused {
		return
	}
	if res.cacheErr != nil {
		c.log.Warn("cache miss, this isn't supposed to happen if ranking and resolve are kept in order", "key", res.entry.Key.Fingerprint(), "err", res.cacheErr)
		c.m.cacheMisses.Inc()
		return
	}
	switch res.outcome {
	case Accepted:
		c.m.cacheHits.Inc()
	case Busy, Unreachable:
		c.ranking.Reinsert(res.entry)
		c.m.rankingBufferLen.Set(float64(c.ranking.Size()))
	case Rejected:
		// Dropped, not reinserted: the device already judged this file
		// unusable once.
	}
}
