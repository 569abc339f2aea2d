// Package telegram exposes attacks over a Telegram chat bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"cymbytes.com/deceptify/internal/deceptify/conversation"
	"cymbytes.com/deceptify/internal/deceptify/faq"
	"cymbytes.com/deceptify/internal/deceptify/session"
)

const (
	HelpMessage = "/start - starts the attack initialization.\n" +
		"/type - selects the attack type.\n" +
		"/run - starts the attack.\n" +
		"Note: The attack will start ONLY if you completed the above steps."
	StartMessage        = "Hi! It's Deceptify bot. To start a demo, first use the /type command."
	TypeMessage         = "Choose an attack type:\n1. Bank\n2. Delivery\n3. Hospital"
	NoTypeMessage       = "Please choose an attack type first using /type."
	NoTranscriptMessage = "No transcript is available for you."
	NoAttackMessage     = "Please generate a new attack using /type."
	AttackActiveMessage = "An attack is already running. Use /end to stop it."
	AttackEndedMessage  = "Attack ended. Use /transcript to see the conversation."
	UnknownCommand      = "Unknown command. Use /help for help."
	StartFailedMessage  = "The attack could not be started. Please try again later."
)

const (
	// Telegram limit for one text message
	maxMessageLength = 4096

	// Messages buffered per user while an earlier turn is running
	userQueueSize = 16
)

var descriptions = []string{
	"Our project focuses on harnessing the power of AI to simulate social engineering attacks, using advanced technologies like generative AI and deepfakes. The goal is to help organizations improve their awareness and preparedness against the ever-changing landscape of digital threats.",
	"Our project leverages cutting-edge AI technologies, including generative AI and deepfakes, to create realistic simulations of social engineering attacks. By providing organizations with hands-on experience, we aim to enhance their ability to recognize and respond to sophisticated digital threats.",
	"Through the use of advanced AI and deepfake technology, our project aims to replicate social engineering attack scenarios with high fidelity. This initiative is designed to boost organizational readiness and resilience by exposing them to evolving digital threats in a controlled environment.",
}

// Config holds bot settings.
type Config struct {
	Token       string
	PollTimeout int
	Debug       bool
}

// Sender delivers outgoing messages. *tgbotapi.BotAPI satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Bot routes Telegram messages to the session manager.
type Bot struct {
	api      *tgbotapi.BotAPI
	sender   Sender
	sessions *session.Manager
	cfg      Config
	logger   zerolog.Logger

	descIndex atomic.Uint64
}

// New authorizes the bot token with Telegram.
func New(cfg Config, sessions *session.Manager, logger zerolog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot API: %w", err)
	}
	api.Debug = cfg.Debug

	b := newBot(api, sessions, logger)
	b.api = api
	b.cfg = cfg

	b.logger.Info().Str("username", api.Self.UserName).Msg("Telegram bot authorized")
	return b, nil
}

func newBot(sender Sender, sessions *session.Manager, logger zerolog.Logger) *Bot {
	return &Bot{
		sender:   sender,
		sessions: sessions,
		logger:   logger.With().Str("component", "telegram").Logger(),
	}
}

// Start long-polls for updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	if b.api == nil {
		return errors.New("telegram bot is not connected")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.PollTimeout

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info().Msg("Telegram bot started, waiting for updates")

	b.serve(ctx, updates)

	b.logger.Info().Msg("Telegram bot shutting down")
	b.api.StopReceivingUpdates()
	return nil
}

// serve dispatches updates until ctx is cancelled or updates is closed.
// Each user has one worker, so a slow turn only delays that user's later
// messages. serve returns after every worker has finished.
func (b *Bot) serve(ctx context.Context, updates <-chan tgbotapi.Update) {
	var wg sync.WaitGroup
	queues := make(map[int64]chan *tgbotapi.Message)

	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.From == nil {
				continue
			}

			userID := update.Message.From.ID
			q, exists := queues[userID]
			if !exists {
				q = make(chan *tgbotapi.Message, userQueueSize)
				queues[userID] = q
				wg.Add(1)
				go b.userWorker(ctx, q, &wg)
			}

			select {
			case q <- update.Message:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *Bot) userWorker(ctx context.Context, q <-chan *tgbotapi.Message, wg *sync.WaitGroup) {
	defer wg.Done()
	for message := range q {
		if ctx.Err() != nil {
			continue
		}
		b.HandleMessage(ctx, message)
	}
}

// HandleMessage processes one incoming message.
func (b *Bot) HandleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil {
		return
	}
	user := b.sessions.GetOrCreate(strconv.FormatInt(message.From.ID, 10), ProfileName(message.From))
	chatID := message.Chat.ID

	if message.IsCommand() {
		b.handleCommand(ctx, chatID, user, message.Command())
		return
	}

	text := strings.TrimSpace(message.Text)
	if text == "" {
		return
	}

	if user.Snapshot().State == session.StateInAttack {
		b.handleTurn(ctx, chatID, user, text)
		return
	}

	if scenario, ok := parseSelection(text); ok {
		if err := b.sessions.SelectScenario(user, scenario); err != nil {
			b.logger.Warn().Err(err).Str("user_id", user.ID).Msg("Failed to select scenario")
			b.send(chatID, AttackActiveMessage)
			return
		}
		b.send(chatID, fmt.Sprintf("Attack type '%s' chosen. You can now run the attack with /run.", scenario))
		return
	}

	b.send(chatID, NoAttackMessage)
}

func (b *Bot) handleCommand(ctx context.Context, chatID int64, user *session.User, command string) {
	switch command {
	case "help":
		b.send(chatID, HelpMessage)
	case "start":
		b.endIfActive(ctx, user)
		b.send(chatID, StartMessage)
	case "type":
		b.endIfActive(ctx, user)
		b.send(chatID, TypeMessage)
	case "desc":
		b.send(chatID, b.nextDescription())
	case "transcript":
		transcript, ok := b.sessions.LastTranscript(user.ID)
		if !ok || transcript == "" {
			b.send(chatID, NoTranscriptMessage)
			return
		}
		b.send(chatID, transcript)
	case "run":
		b.handleRun(ctx, chatID, user)
	case "end":
		if _, err := b.sessions.EndAttack(ctx, user); err != nil {
			b.send(chatID, NoAttackMessage)
			return
		}
		b.send(chatID, AttackEndedMessage)
	default:
		b.send(chatID, UnknownCommand)
	}
}

func (b *Bot) handleRun(ctx context.Context, chatID int64, user *session.User) {
	scenario, ok := b.sessions.SelectedScenario(user)
	if !ok {
		b.send(chatID, NoTypeMessage)
		return
	}

	greeting, err := b.sessions.StartAttack(ctx, user, scenario)
	switch {
	case errors.Is(err, session.ErrAlreadyActive):
		b.send(chatID, AttackActiveMessage)
	case errors.Is(err, faq.ErrKnowledgeBaseMissing):
		b.send(chatID, fmt.Sprintf("The %s attack is not available right now.", scenario))
	case err != nil:
		b.logger.Error().Err(err).Str("user_id", user.ID).Msg("Failed to start attack")
		b.send(chatID, StartFailedMessage)
	default:
		b.send(chatID, greeting)
	}
}

func (b *Bot) handleTurn(ctx context.Context, chatID int64, user *session.User, text string) {
	result, err := b.sessions.Turn(ctx, user, text)
	if err != nil {
		b.send(chatID, NoAttackMessage)
		return
	}
	b.send(chatID, result.Response)

	if result.Finished {
		if _, err := b.sessions.EndAttack(ctx, user); err != nil && !errors.Is(err, session.ErrNotInAttack) {
			b.logger.Error().Err(err).Str("user_id", user.ID).Msg("Failed to end finished attack")
		}
	}
}

func (b *Bot) endIfActive(ctx context.Context, user *session.User) {
	if user.Snapshot().State != session.StateInAttack {
		return
	}
	if _, err := b.sessions.EndAttack(ctx, user); err != nil && !errors.Is(err, session.ErrNotInAttack) {
		b.logger.Error().Err(err).Str("user_id", user.ID).Msg("Failed to end attack")
	}
}

func (b *Bot) nextDescription() string {
	i := b.descIndex.Add(1) - 1
	return descriptions[i%uint64(len(descriptions))]
}

// send delivers text, split into Telegram-sized chunks.
func (b *Bot) send(chatID int64, text string) {
	for _, chunk := range splitMessage(text, maxMessageLength) {
		if _, err := b.sender.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to send message")
			return
		}
	}
}

// ProfileName is the name the attacker addresses the user by: the username,
// or the first and last name when no username is set.
func ProfileName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func parseSelection(text string) (conversation.Scenario, bool) {
	scenario, err := conversation.ParseScenario(text)
	if err != nil || scenario == conversation.ScenarioFreeChat {
		return "", false
	}
	return scenario, true
}

// splitMessage cuts text into pieces of at most limit bytes, preferring
// line breaks and never splitting a UTF-8 sequence.
func splitMessage(text string, limit int) []string {
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
			for cut > 0 && !isRuneStart(text[cut]) {
				cut--
			}
		} else {
			cut++
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
