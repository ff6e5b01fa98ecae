package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/comrade-coop/teesa-engine/internal/errors"
	"github.com/comrade-coop/teesa-engine/internal/ledger"
	"github.com/comrade-coop/teesa-engine/internal/pprofserver"
)

func init() {
	runCmd.Flags().String("player", "player1", "identity submitting payments and guesses")
	runCmd.Flags().String("pprof-port", ":6060", "port for pprof listening on localhost")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the game loop",
	Long: `Starts the engine and reads player input from stdin. Every prompt is
charged the current fee before it reaches the oracle. Lines starting with
"/" are commands: /status, /fee, /quit.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		player, err := cmd.Flags().GetString("player")
		if err != nil {
			return errors.Wrap(err, "invalid player flag")
		}
		pprofPort, err := cmd.Flags().GetString("pprof-port")
		if err != nil {
			return errors.Wrap(err, "invalid pprof-port flag")
		}

		app, err := newApplication()
		if err != nil {
			return err
		}
		defer app.close()

		// Listening on localhost so that it's not open to the world.
		pprofserver.Launch(pprofPort, app.logger)

		return app.gameLoop(cmd.Context(), player)
	},
}

func (app *application) gameLoop(ctx context.Context, player string) error {
	fmt.Println("Guess the secret word! Ask yes/no questions or make a guess.")
	app.printFee()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := app.runCommand(line); quit {
				return nil
			}
			continue
		}

		if err := app.chargeFee(ctx, player); err != nil {
			fmt.Println(err.Error())
			continue
		}
		reply, err := app.engine.ProcessInput(ctx, player, line)
		if err != nil {
			app.logger.Error("process input", errors.SlogError(err))
			fmt.Println("Something went wrong, please try again.")
			continue
		}
		fmt.Println(reply)
	}
	return errors.Wrap(scanner.Err(), "read player input")
}

// chargeFee takes the current fee for one prompt. An ended session is not a
// payment failure; the prompt still goes through so the player gets the
// round-over reply.
func (app *application) chargeFee(ctx context.Context, player string) error {
	currentFee, err := app.engine.CurrentFee()
	if err != nil {
		return errors.Wrap(err, "look up current fee")
	}
	err = app.engine.Pay(ctx, player, currentFee)
	if err != nil && !errors.Is(err, ledger.ErrGameEnded) {
		return errors.Wrap(err, "charge prompt fee")
	}
	return nil
}

func (app *application) runCommand(line string) bool {
	switch line {
	case "/quit", "/exit":
		return true
	case "/fee":
		app.printFee()
	case "/status":
		app.printStatus()
	default:
		fmt.Println("Commands: /status, /fee, /quit")
	}
	return false
}

func (app *application) printFee() {
	currentFee, err := app.engine.CurrentFee()
	if err != nil {
		fmt.Println("The payment limit for this round has been reached.")
		return
	}
	fmt.Printf("Current fee per prompt: %d\n", currentFee)
}

func (app *application) printStatus() {
	snap := app.ledger.Snapshot()
	s := app.engine.Session()
	fmt.Printf("Session %s (generation %d)\n", s.ID, s.Generation)
	fmt.Printf("  questions: %d, incorrect guesses: %d\n", len(s.QuestionLog), len(s.IncorrectGuesses))
	if s.Ended {
		fmt.Printf("  round over, winner: %s\n", s.Winner)
	}
	fmt.Printf("Prize pool: %d over %d payments\n", snap.PrizePool, snap.PaymentCount)
	for addr, balance := range snap.TeamBalances {
		fmt.Printf("  team %s: %d\n", addr, balance)
	}
}
