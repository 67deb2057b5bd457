// Package memory keeps the local authoritative game state: current position,
// move history and side to move. A peer repairs a detected desync by loading
// the remote snapshot wholesale instead of attempting any merge.
package memory

import (
	"errors"
	"sync"

	"github.com/adwski/peerchess/model"
)

const (
	defaultInitialFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
)

var (
	ErrNoMoves = errors.New("no moves to undo")
)

type Store struct {
	mx *sync.Mutex

	fen     string
	turn    string
	moves   []string
	fenHist []string // position before each recorded move, for undo
	turnLog []string
}

func NewStore() *Store {
	return &Store{
		mx:   &sync.Mutex{},
		fen:  defaultInitialFEN,
		turn: "w",
	}
}

// ApplyMove records a move together with the resulting position and side to
// move. Move legality is the rules engine's concern, not the store's.
func (s *Store) ApplyMove(move, resultingFEN, turn string) {
	s.mx.Lock()
	defer s.mx.Unlock()

	s.moves = append(s.moves, move)
	s.fenHist = append(s.fenHist, s.fen)
	s.turnLog = append(s.turnLog, s.turn)
	s.fen = resultingFEN
	s.turn = turn
}

// Undo retracts the last recorded move, restoring the previous position.
// Fails when there is nothing to undo, including right after Load: a loaded
// snapshot carries no per-move undo information.
func (s *Store) Undo() error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if len(s.fenHist) == 0 {
		return ErrNoMoves
	}
	last := len(s.fenHist) - 1
	s.fen = s.fenHist[last]
	s.turn = s.turnLog[last]
	s.fenHist = s.fenHist[:last]
	s.turnLog = s.turnLog[:last]
	if n := len(s.moves); n > 0 {
		s.moves = s.moves[:n-1]
	}
	return nil
}

// Reset returns the store to the starting position.
func (s *Store) Reset() {
	s.mx.Lock()
	defer s.mx.Unlock()

	s.fen = defaultInitialFEN
	s.turn = "w"
	s.moves = nil
	s.fenHist = nil
	s.turnLog = nil
}

// Load replaces the entire state with a remote snapshot. Per-move undo
// information does not survive a load; the snapshot is authoritative.
func (s *Store) Load(state model.GameStateSync) {
	s.mx.Lock()
	defer s.mx.Unlock()

	s.fen = state.FEN
	s.turn = state.Turn
	s.moves = append([]string(nil), state.MoveHistory...)
	s.fenHist = nil
	s.turnLog = nil
}

// Snapshot captures the current state for a sync message.
func (s *Store) Snapshot() model.GameStateSync {
	s.mx.Lock()
	defer s.mx.Unlock()

	return model.GameStateSync{
		FEN:         s.fen,
		MoveHistory: append([]string(nil), s.moves...),
		Turn:        s.turn,
	}
}

// Matches reports whether fen equals the stored position. A mismatch against
// a received move's resulting FEN signals a desync.
func (s *Store) Matches(fen string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.fen == fen
}
