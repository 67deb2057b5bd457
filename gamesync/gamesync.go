// Package gamesync implements the application-level game synchronization
// protocol on top of an established data channel: typed send helpers for
// moves and control messages, and routing of inbound messages into
// independent per-type streams.
package gamesync

import (
	"context"
	"encoding/json"

	"github.com/adwski/peerchess/model"
	"github.com/adwski/peerchess/stream"
	"github.com/rs/zerolog"
)

type (
	// Sender is the outbound half of the data channel, implemented by
	// peer.Manager.
	Sender interface {
		SendMessage(msgType string, payload any)
	}

	Config struct {
		Logger *zerolog.Logger
		Sender Sender
		// Inbound is the raw game message stream to route, typically
		// peer.Manager.Messages().
		Inbound <-chan model.GameMessage
	}

	Protocol struct {
		logger  zerolog.Logger
		sender  Sender
		inbound <-chan model.GameMessage

		moves  *stream.Broadcaster[model.MoveData]
		resets *stream.Broadcaster[struct{}]
		undos  *stream.Broadcaster[struct{}]
		syncs  *stream.Broadcaster[model.GameStateSync]
		chats  *stream.Broadcaster[model.ChatData]
	}
)

func NewProtocol(cfg Config) *Protocol {
	return &Protocol{
		logger:  cfg.Logger.With().Str("component", "gamesync").Logger(),
		sender:  cfg.Sender,
		inbound: cfg.Inbound,
		moves:   stream.New[model.MoveData](cfg.Logger),
		resets:  stream.New[struct{}](cfg.Logger),
		undos:   stream.New[struct{}](cfg.Logger),
		syncs:   stream.New[model.GameStateSync](cfg.Logger),
		chats:   stream.New[model.ChatData](cfg.Logger),
	}
}

// Run consumes the inbound stream and routes messages until ctx is done or
// the stream closes. Intended to run in its own goroutine.
func (p *Protocol) Run(ctx context.Context) {
	defer func() {
		p.moves.Close()
		p.resets.Close()
		p.undos.Close()
		p.syncs.Close()
		p.chats.Close()
		p.logger.Debug().Msg("router stopped")
	}()
routeLoop:
	for {
		select {
		case <-ctx.Done():
			break routeLoop
		case msg, ok := <-p.inbound:
			if !ok {
				break routeLoop
			}
			p.route(msg)
		}
	}
}

// Moves is the remote move stream.
func (p *Protocol) Moves() <-chan model.MoveData { return p.moves.Subscribe() }

// Resets signals a remote game reset.
func (p *Protocol) Resets() <-chan struct{} { return p.resets.Subscribe() }

// Undos signals a remote move retraction.
func (p *Protocol) Undos() <-chan struct{} { return p.undos.Subscribe() }

// Syncs is the remote full-state snapshot stream.
func (p *Protocol) Syncs() <-chan model.GameStateSync { return p.syncs.Subscribe() }

// Chats is the remote chat stream. Forwarded as-is, never interpreted.
func (p *Protocol) Chats() <-chan model.ChatData { return p.chats.Subscribe() }

// SendMove transmits a move together with the resulting position, letting
// the receiver verify its own replay and repair a desync from the carried
// FEN.
func (p *Protocol) SendMove(from, to, promotion, fen string) {
	p.sender.SendMessage(model.MessageTypeMove, model.MoveData{
		From:      from,
		To:        to,
		Promotion: promotion,
		FEN:       fen,
	})
}

// SendReset notifies the peer of a game reset.
func (p *Protocol) SendReset() {
	p.sender.SendMessage(model.MessageTypeReset, struct{}{})
}

// SendUndo notifies the peer of a move retraction.
func (p *Protocol) SendUndo() {
	p.sender.SendMessage(model.MessageTypeUndo, struct{}{})
}

// SendSync transmits the authoritative full game state. The caller decides
// when a mismatch warrants a resync.
func (p *Protocol) SendSync(fen string, moveHistory []string, turn string) {
	p.sender.SendMessage(model.MessageTypeSync, model.GameStateSync{
		FEN:         fen,
		MoveHistory: moveHistory,
		Turn:        turn,
	})
}

// SendChat transmits a chat line.
func (p *Protocol) SendChat(from, text string) {
	p.sender.SendMessage(model.MessageTypeChat, model.ChatData{From: from, Text: text})
}

// route dispatches a message by type. Unknown types are dropped with a
// warning so that a newer peer version cannot crash this one.
func (p *Protocol) route(msg model.GameMessage) {
	switch msg.Type {
	case model.MessageTypeMove:
		var move model.MoveData
		if !p.unmarshal(msg, &move) {
			return
		}
		p.moves.Publish(move)
	case model.MessageTypeReset:
		p.resets.Publish(struct{}{})
	case model.MessageTypeUndo:
		p.undos.Publish(struct{}{})
	case model.MessageTypeSync:
		var state model.GameStateSync
		if !p.unmarshal(msg, &state) {
			return
		}
		p.syncs.Publish(state)
	case model.MessageTypeChat:
		var chat model.ChatData
		if !p.unmarshal(msg, &chat) {
			return
		}
		p.chats.Publish(chat)
	default:
		p.logger.Warn().Str("type", msg.Type).Msg("unknown message type, dropped")
	}
}

func (p *Protocol) unmarshal(msg model.GameMessage, v any) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		p.logger.Warn().Err(err).Str("type", msg.Type).Msg("failed to unmarshal payload, dropped")
		return false
	}
	return true
}
