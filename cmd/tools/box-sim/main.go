package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fisaks/relexbox/internal/logging"
)

var (
	listenAddr string
	relays     string
	inputs     string
	inputCycle time.Duration
	dropOnPing bool
)

var rootCmd = &cobra.Command{
	Use:   "box-sim",
	Short: "Simulate a RelexBox controller on TCP",
	Long: `box-sim listens like a RelexBox and speaks its text protocol.

It answers ::CMD_STAT with a state dump, executes relay, group and preset
commands and broadcasts the new state to every client. With --input-cycle
it walks a single active input across the eight channels.`,
	SilenceUsage: true,
	RunE:         runSim,
}

func init() {
	addr := os.Getenv("BOX_SIM_LISTEN_ADDR")
	if addr == "" {
		addr = ":13013"
	}
	rootCmd.Flags().StringVarP(&listenAddr, "listen", "l", addr, "Listen address")
	rootCmd.Flags().StringVar(&relays, "relays", "00000000", "Initial relay state, channel 1 first")
	rootCmd.Flags().StringVar(&inputs, "inputs", "00000000", "Initial input state, channel 1 first")
	rootCmd.Flags().DurationVar(&inputCycle, "input-cycle", 0, "Move the active input every interval (0 disables)")
	rootCmd.Flags().BoolVar(&dropOnPing, "drop-on-ping", false, "Close the connection when a PING arrives")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSim(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sim := newSimulator(relays, inputs)
	sim.dropOnPing = dropOnPing

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	logging.Info("Box simulator listening", "addr", ln.Addr().String(), "relays", sim.relayString(), "inputs", sim.inputString())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	if inputCycle > 0 {
		go sim.cycleInputs(ctx, inputCycle)
	}

	err = sim.serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
