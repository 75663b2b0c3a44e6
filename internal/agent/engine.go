// Package agent drives the foreground conversation loop: retrieve relevant
// memories, assemble the prompt, call the model, persist the exchange and
// kick off background asset extraction.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemosyne/internal/ltm"
	"github.com/nidhogg/mnemosyne/internal/provider"
	"github.com/nidhogg/mnemosyne/internal/session"
)

// Memory is the retrieval surface the engine reads and writes.
type Memory interface {
	Search(ctx context.Context, collection, query string, k int) ([]ltm.ScoredRecord, error)
	Write(ctx context.Context, collection, text, role string) (string, error)
}

// Sessions is the transcript surface the engine uses.
type Sessions interface {
	FindOrCreateSession(ctx context.Context, gateway, channelID, userID string) (*session.Session, error)
	AppendMessage(ctx context.Context, sessionID int64, role, content string) error
	RecentMessages(ctx context.Context, sessionID int64, limit int) ([]session.Message, error)
}

// Completer issues one LLM call. Satisfied by provider.Gateway.
type Completer interface {
	Complete(ctx context.Context, req *provider.Request) (*provider.Response, error)
}

// Extractor distills assets from an exchange. Satisfied by ltm.Extractor.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]ltm.Asset, error)
}

// AssetSink persists extracted assets. Satisfied by ltm.Curator.
type AssetSink interface {
	StoreAssets(ctx context.Context, assets []ltm.Asset) error
}

// Config tunes retrieval for prompt assembly.
type Config struct {
	DialogueResults int
	ThoughtResults  int
	HistoryLimit    int
	Persona         string
	ExtractTimeout  time.Duration
}

// Incoming is one user message arriving from a gateway.
type Incoming struct {
	Gateway   string
	ChannelID string
	UserID    string
	UserName  string
	Text      string
}

// Engine is the conversation loop.
type Engine struct {
	memory    Memory
	sessions  Sessions
	completer Completer
	extractor Extractor
	sink      AssetSink
	cfg       Config
	logger    *zap.Logger
}

// NewEngine wires the conversation engine. extractor and sink may be nil to
// disable background distillation.
func NewEngine(memory Memory, sessions Sessions, completer Completer, extractor Extractor, sink AssetSink, cfg Config, logger *zap.Logger) *Engine {
	if cfg.ExtractTimeout == 0 {
		cfg.ExtractTimeout = 60 * time.Second
	}
	return &Engine{
		memory:    memory,
		sessions:  sessions,
		completer: completer,
		extractor: extractor,
		sink:      sink,
		cfg:       cfg,
		logger:    logger,
	}
}

const defaultPersona = `You are a thoughtful conversational companion with a
persistent memory. Relevant memories and reflections appear before the
conversation; weave them in naturally and never mention the retrieval
machinery.`

// Handle processes one incoming message and returns the reply text. Memory
// failures degrade the exchange to stateless instead of failing it: the
// model still answers, retrieval context is simply absent.
func (e *Engine) Handle(ctx context.Context, msg Incoming) (string, error) {
	sess, err := e.sessions.FindOrCreateSession(ctx, msg.Gateway, msg.ChannelID, msg.UserID)
	if err != nil {
		e.logger.Warn("session lookup failed, continuing stateless", zap.Error(err))
	}

	var history []session.Message
	if sess != nil {
		history, err = e.sessions.RecentMessages(ctx, sess.ID, e.cfg.HistoryLimit)
		if err != nil {
			e.logger.Warn("history fetch failed", zap.Error(err))
		}
	}

	thoughts := e.recall(ctx, ltm.CollectionThought, msg.Text, e.cfg.ThoughtResults)
	memories := e.recall(ctx, ltm.CollectionDialogue, msg.Text, e.cfg.DialogueResults)

	reply, err := e.complete(ctx, msg, history, thoughts, memories)
	if err != nil {
		return "", err
	}

	e.persist(ctx, sess, msg, reply)
	e.extractAsync(msg, reply)
	return reply, nil
}

// recall searches one collection, swallowing failures: a broken memory
// backend must not take the conversation down with it.
func (e *Engine) recall(ctx context.Context, collection, query string, k int) []ltm.ScoredRecord {
	results, err := e.memory.Search(ctx, collection, query, k)
	if err != nil {
		e.logger.Warn("memory recall failed",
			zap.String("collection", collection),
			zap.Error(err))
		return nil
	}
	return results
}

func (e *Engine) complete(ctx context.Context, msg Incoming, history []session.Message, thoughts, memories []ltm.ScoredRecord) (string, error) {
	persona := e.cfg.Persona
	if persona == "" {
		persona = defaultPersona
	}

	var b strings.Builder
	b.WriteString(persona)
	if len(thoughts) > 0 {
		b.WriteString("\n\nReflections:\n")
		for _, t := range thoughts {
			fmt.Fprintf(&b, "- %s\n", t.Record.Text)
		}
	}
	if len(memories) > 0 {
		b.WriteString("\nRelevant memories:\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- %s\n", m.Record.Text)
		}
	}

	messages := []provider.Message{{Role: "system", Content: b.String()}}
	for _, h := range history {
		messages = append(messages, provider.Message{Role: h.Role, Content: h.Content})
	}
	messages = append(messages, provider.Message{Role: "user", Content: msg.Text})

	resp, err := e.completer.Complete(ctx, &provider.Request{
		Messages:    messages,
		Temperature: 0.8,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// persist saves the exchange into the transcript and the dialogue memory.
// Failures are logged, not returned: the user already has the reply.
func (e *Engine) persist(ctx context.Context, sess *session.Session, msg Incoming, reply string) {
	if sess != nil {
		if err := e.sessions.AppendMessage(ctx, sess.ID, "user", msg.Text); err != nil {
			e.logger.Warn("transcript append failed", zap.Error(err))
		}
		if err := e.sessions.AppendMessage(ctx, sess.ID, "assistant", reply); err != nil {
			e.logger.Warn("transcript append failed", zap.Error(err))
		}
	}
	if _, err := e.memory.Write(ctx, ltm.CollectionDialogue, msg.Text, ltm.RoleUser); err != nil {
		e.logger.Warn("dialogue memory write failed", zap.Error(err))
	}
	if _, err := e.memory.Write(ctx, ltm.CollectionDialogue, reply, ltm.RoleAssistant); err != nil {
		e.logger.Warn("dialogue memory write failed", zap.Error(err))
	}
}

// extractAsync runs asset extraction on the exchange in the background with
// its own deadline, detached from the request context.
func (e *Engine) extractAsync(msg Incoming, reply string) {
	if e.extractor == nil || e.sink == nil {
		return
	}
	exchange := fmt.Sprintf("%s: %s\nassistant: %s", msg.UserName, msg.Text, reply)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ExtractTimeout)
		defer cancel()

		assets, err := e.extractor.Extract(ctx, exchange)
		if errors.Is(err, ltm.ErrNoAsset) {
			return
		}
		if err != nil {
			e.logger.Warn("background extraction failed", zap.Error(err))
			return
		}
		if err := e.sink.StoreAssets(ctx, assets); err != nil {
			e.logger.Warn("background asset persistence failed", zap.Error(err))
		}
	}()
}
