package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adwski/peerchess/gamesync"
	"github.com/adwski/peerchess/model"
	"github.com/adwski/peerchess/peer"
	"github.com/adwski/peerchess/storage/memory"
	"github.com/adwski/peerchess/wizard"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		role          = fs.StringP("role", "r", "", "connection role: host or guest")
		logLevel      = fs.StringP("log-level", "l", "info", "log level")
		stunServers   = fs.StringSlice("stun", nil, "STUN server urls, defaults to google stun")
		gatherTimeout = fs.DurationP("gather-timeout", "t", 5*time.Second, "ice gathering timeout")
		termQR        = fs.BoolP("qr", "q", false, "render signaling blobs as terminal qr codes")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	sessionID := uuid.NewString()
	logger = logger.Level(lvl).With().Str("session", sessionID[:8]).Logger()

	if *role != "host" && *role != "guest" {
		logger.Fatal().Str("role", *role).Msg("role must be host or guest")
	}

	mgr := peer.NewManager(peer.Config{
		Logger:        &logger,
		STUNServers:   *stunServers,
		GatherTimeout: *gatherTimeout,
	})
	defer mgr.Close()

	proto := gamesync.NewProtocol(gamesync.Config{
		Logger:  &logger,
		Sender:  mgr,
		Inbound: mgr.Messages(),
	})
	store := memory.NewStore()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ready := make(chan model.ConnectionRole, 1)
	wiz := wizard.NewWizard(wizard.Config{
		Logger:    &logger,
		Connector: mgr,
		OnReady: func(r model.ConnectionRole) {
			ready <- r
		},
	})

	go proto.Run(ctx)
	go wiz.Run(ctx, mgr.Status())
	go consumeRemote(ctx, &logger, proto, store)

	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 1024*1024) // signaling blobs exceed the default line limit

	if *role == "host" {
		runHost(ctx, wiz, in, *termQR)
	} else {
		runGuest(ctx, wiz, in, *termQR)
	}
	if step := wiz.Step(); step == wizard.StepChooseRole || step == wizard.StepGuestScanning {
		logger.Fatal().Str("reason", wiz.ErrorMessage()).Msg("handshake failed")
	}

	select {
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
		return
	case r := <-ready:
		logger.Info().Str("role", r.String()).Msg("session ready")
	}

	gameLoop(ctx, &logger, in, proto, store, sessionID)
	logger.Info().Msg("bye")
}

func runHost(ctx context.Context, wiz *wizard.Wizard, in *bufio.Scanner, termQR bool) {
	wiz.ChooseHost(ctx)
	if wiz.Step() != wizard.StepHostWaiting {
		return
	}
	fmt.Println("Share this connection code with your opponent:")
	printBlob(wiz.OfferText(), termQR)
	fmt.Print("Paste the response code: ")
	for in.Scan() {
		wiz.SubmitAnswer(in.Text())
		if msg := wiz.ErrorMessage(); msg != "" {
			fmt.Println(msg)
			fmt.Print("Paste the response code: ")
			continue
		}
		return
	}
}

func runGuest(ctx context.Context, wiz *wizard.Wizard, in *bufio.Scanner, termQR bool) {
	wiz.ChooseGuest()
	fmt.Print("Paste the connection code: ")
	for in.Scan() {
		wiz.SubmitOffer(ctx, in.Text())
		if wiz.Step() == wizard.StepGuestShowingAnswer {
			fmt.Println("Share this response code with the host:")
			printBlob(wiz.AnswerText(), termQR)
			return
		}
		if msg := wiz.ErrorMessage(); msg != "" {
			fmt.Println(msg)
		}
		fmt.Print("Paste the connection code: ")
	}
}

func printBlob(text string, termQR bool) {
	if termQR {
		if qr, err := qrcode.New(text, qrcode.Medium); err == nil {
			fmt.Println(qr.ToSmallString(false))
			return
		}
	}
	fmt.Println(text)
}

// consumeRemote applies remote events to the local game state.
func consumeRemote(
	ctx context.Context,
	logger *zerolog.Logger,
	proto *gamesync.Protocol,
	store *memory.Store,
) {
	var (
		moves  = proto.Moves()
		resets = proto.Resets()
		undos  = proto.Undos()
		syncs  = proto.Syncs()
		chats  = proto.Chats()
	)
	for {
		select {
		case <-ctx.Done():
			return
		case move, ok := <-moves:
			if !ok {
				return
			}
			snap := store.Snapshot()
			store.ApplyMove(move.From+move.To+move.Promotion, move.FEN, flipTurn(snap.Turn))
			fmt.Printf("<< move %s -> %s\n", move.From, move.To)
		case _, ok := <-resets:
			if !ok {
				return
			}
			store.Reset()
			fmt.Println("<< game reset by opponent")
		case _, ok := <-undos:
			if !ok {
				return
			}
			if err := store.Undo(); err != nil {
				logger.Warn().Err(err).Msg("remote undo ignored")
				continue
			}
			fmt.Println("<< move undone by opponent")
		case state, ok := <-syncs:
			if !ok {
				return
			}
			logger.Debug().Msg(spew.Sdump(state))
			if store.Matches(state.FEN) {
				// positions agree, keep local state and its undo history
				logger.Debug().Msg("snapshot matches local position, load skipped")
				continue
			}
			store.Load(state)
			fmt.Println("<< game state synced from opponent")
		case chat, ok := <-chats:
			if !ok {
				return
			}
			fmt.Printf("<< [%s] %s\n", chat.From, chat.Text)
		}
	}
}

func gameLoop(
	ctx context.Context,
	logger *zerolog.Logger,
	in *bufio.Scanner,
	proto *gamesync.Protocol,
	store *memory.Store,
	sessionID string,
) {
	fmt.Println("commands: move <from> <to> [promotion] [fen] | reset | undo | sync | say <text> | state | quit")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !in.Scan() {
			return
		}
		fields := strings.Fields(in.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "move":
			if len(fields) < 3 {
				fmt.Println("usage: move <from> <to> [promotion] [fen]")
				continue
			}
			var promotion, fen string
			if len(fields) > 3 {
				promotion = fields[3]
			}
			if len(fields) > 4 {
				fen = fields[4]
			}
			snap := store.Snapshot()
			store.ApplyMove(fields[1]+fields[2]+promotion, fen, flipTurn(snap.Turn))
			proto.SendMove(fields[1], fields[2], promotion, fen)
		case "reset":
			store.Reset()
			proto.SendReset()
		case "undo":
			if err := store.Undo(); err != nil {
				if errors.Is(err, memory.ErrNoMoves) {
					fmt.Println("nothing to undo")
					continue
				}
				logger.Error().Err(err).Msg("undo failed")
				continue
			}
			proto.SendUndo()
		case "sync":
			snap := store.Snapshot()
			proto.SendSync(snap.FEN, snap.MoveHistory, snap.Turn)
		case "say":
			proto.SendChat(sessionID[:8], strings.Join(fields[1:], " "))
		case "state":
			fmt.Print(spew.Sdump(store.Snapshot()))
		case "quit":
			return
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

func flipTurn(turn string) string {
	if turn == "w" {
		return "b"
	}
	return "w"
}
