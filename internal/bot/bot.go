// Package bot wires the match commands into a Telegram bot.
package bot

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"bizsim/internal/config"
	"bizsim/internal/handler"
	"bizsim/internal/service"
)

// Bot wraps the telebot instance with the match handler.
type Bot struct {
	bot     *tele.Bot
	cfg     *config.Config
	handler *handler.Handler
}

// Dependencies holds what the bot handlers need.
type Dependencies struct {
	Config       *config.Config
	Orchestrator *service.Orchestrator
}

// New creates the Telegram bot. The orchestrator may be attached later with
// Attach, so the bot can serve as an event target before the orchestrator exists.
func New(deps *Dependencies) (*Bot, error) {
	if deps.Config.Bot.Token == "" {
		return nil, errors.New("bot token is required")
	}

	teleBot, err := tele.NewBot(tele.Settings{
		Token:  deps.Config.Bot.Token,
		Poller: &tele.LongPoller{Timeout: deps.Config.Bot.PollerTimeout},
		OnError: func(err error, c tele.Context) {
			log.Error().Err(err).Msg("Telegram handler error")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &Bot{bot: teleBot, cfg: deps.Config}
	b.bot.Use(RecoveryMiddleware())
	b.bot.Use(WhitelistMiddleware(deps.Config.IsChatAllowed))
	b.bot.Use(LoggingMiddleware())
	if deps.Orchestrator != nil {
		b.Attach(deps.Orchestrator)
	}
	return b, nil
}

// Attach registers the match commands against orch.
func (b *Bot) Attach(orch *service.Orchestrator) {
	b.handler = handler.New(orch, b.cfg)
	b.registerHandlers()
}

func (b *Bot) registerHandlers() {
	h := b.handler

	// Match lifecycle
	b.bot.Handle("/newgame", h.HandleNewGame)
	b.bot.Handle("/join", h.HandleJoin)
	b.bot.Handle("/status", h.HandleStatus)
	b.bot.Handle("/top", h.HandleTop)
	b.bot.Handle("/finish", h.HandleFinish)

	// Rounds
	b.bot.Handle("/decide", h.HandleDecide)
	b.bot.Handle("/decide_for", h.HandleDecideFor)
	b.bot.Handle("/decisions", h.HandleDecisions)
	b.bot.Handle("/review", h.HandleReview)
	b.bot.Handle("/infer", h.HandleInfer)
	b.bot.Handle("/result", h.HandleResult)
	b.bot.Handle("/next", h.HandleNext)

	// Modifiers
	b.bot.Handle("/event", h.HandleEvent)
	b.bot.Handle("/rule", h.HandleRule)
	b.bot.Handle("/progress", h.HandleProgress)
	b.bot.Handle("/modifiers", h.HandleModifiers)

	// Recovery
	b.bot.Handle("/anomalies", h.HandleAnomalies)
	b.bot.Handle("/recover", h.HandleRecover)
	b.bot.Handle("/snapshot", h.HandleSnapshot)
	b.bot.Handle("/snapshots", h.HandleSnapshots)
	b.bot.Handle("/restore", h.HandleRestore)

	// Trades
	b.bot.Handle("/trade", h.HandleTrade)
	b.bot.Handle("/accept", h.HandleAccept)
	b.bot.Handle("/reject", h.HandleReject)
	b.bot.Handle("/trades", h.HandleTrades)
	b.bot.Handle(tele.OnCallback, h.HandleCallback)
}

// Notifier returns an event target that posts into match chats.
func (b *Bot) Notifier() *Notifier {
	return NewNotifier(b.bot)
}

// Start starts polling. It blocks until Stop is called.
func (b *Bot) Start() {
	log.Info().Str("username", b.bot.Me.Username).Msg("Starting bot...")
	b.bot.Start()
}

// Stop stops polling.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping bot...")
	b.bot.Stop()
}
