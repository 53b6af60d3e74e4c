package main

import (
	"flag"
	"github.com/janpfeifer/hexzero/internal/ai"
	"github.com/janpfeifer/hexzero/internal/ai/gomlx"
	"github.com/janpfeifer/hexzero/internal/ai/linear"
	"github.com/janpfeifer/hexzero/internal/config"
	"github.com/janpfeifer/hexzero/internal/game"
	"github.com/janpfeifer/hexzero/internal/games/corridor"
	"github.com/janpfeifer/hexzero/internal/games/hex"
	"github.com/janpfeifer/hexzero/internal/games/tictactoe"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"time"
)

var (
	flagGame      = flag.String("game", "hex", "Game to train: \"hex\", \"tictactoe\" or \"corridor\".")
	flagBoardSize = flag.Int("board_size", 7, "Board size for hex, or length of the corridor.")
	flagRetries   = flag.Int("model_retries", 2, "Number of times model inference failures marked as transient are retried.")
)

// newGame creates the game selected with -game.
func newGame() (game.Game, error) {
	var g game.Game
	var err error
	switch *flagGame {
	case "hex":
		g, err = hex.New(*flagBoardSize)
	case "tictactoe":
		g = tictactoe.Game{}
	case "corridor":
		g, err = corridor.New(*flagBoardSize)
	default:
		return nil, errors.Errorf("unknown game %q given to -game", *flagGame)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "creating game %q", *flagGame)
	}
	klog.V(1).Infof("Game: %s", game.Describe(g))
	return g, nil
}

// newModel creates the model for the configured architecture: "linear" (the default) is a pure Go
// linear model, "fnn" a GoMLX feed-forward network.
func newModel(doc *config.Document, g game.Game) (model ai.Model, err error) {
	switch doc.Architecture {
	case "linear", "":
		model, err = linear.New(g.ObservationSize(), g.ActionSpaceSize(), doc.NetArgs)
	case "fnn":
		model, err = gomlx.New(g.ObservationSize(), g.ActionSpaceSize(), doc.NetArgs)
	default:
		return nil, errors.Errorf("unknown architecture %q, valid values are \"linear\" or \"fnn\"", doc.Architecture)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "creating %s model", doc.Architecture)
	}
	if *flagRetries > 0 {
		model = ai.WithRetries(model, *flagRetries, 100*time.Millisecond)
	}
	return model, nil
}
