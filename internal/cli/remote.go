package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-deck/internal/bus"
	"github.com/loqalabs/loqa-deck/internal/config"
	"github.com/loqalabs/loqa-deck/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var (
	remoteTimeout time.Duration
	watchFor      time.Duration
)

func init() {
	remoteCmd := &cobra.Command{
		Use:   "remote",
		Short: "Drive running players over NATS",
	}
	send := &cobra.Command{
		Use:   "send <player-id> <next|prev|reload|auto|goto> [slide]",
		Short: "Send a navigation command to a player",
		Long:  "Sends a control request and prints the player's reply. goto takes a 1-based slide number.",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  runRemoteSend,
	}
	send.Flags().DurationVar(&remoteTimeout, "timeout", 5*time.Second, "How long to wait for the reply")
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Print course events forwarded by every player",
		Args:  cobra.NoArgs,
		RunE:  runRemoteWatch,
	}
	watch.Flags().DurationVar(&watchFor, "for", 0, "Stop after this long (default: until interrupted)")
	remoteCmd.AddCommand(send, watch)
	RootCmd.AddCommand(remoteCmd)
}

// remoteBus connects as a client. An embedded player bus is reached on the
// loopback port it listens on.
func remoteBus(cmd *cobra.Command) (*bus.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	busCfg := cfg.Bus
	if busCfg.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
	}
	return bus.Connect(ctxOf(cmd), busCfg, "deckctl", logger(cmd))
}

func controlRequest(command string, args []string) ([]byte, error) {
	switch command {
	case protocol.CommandNext, protocol.CommandPrev, protocol.CommandReload, protocol.CommandAuto:
		return nil, nil
	case protocol.CommandGoto:
		if len(args) == 0 {
			return nil, fmt.Errorf("goto needs a slide number")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid slide number %q", args[0])
		}
		return json.Marshal(protocol.ControlRequest{Index: n - 1})
	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}
}

func runRemoteSend(cmd *cobra.Command, args []string) error {
	player, command := args[0], args[1]
	if err := config.ValidateNodeID(player); err != nil {
		return err
	}
	body, err := controlRequest(command, args[2:])
	if err != nil {
		return err
	}
	client, err := remoteBus(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	subject := fmt.Sprintf("%s.%s.%s", protocol.SubjectControlPrefix, player, command)
	msg, err := client.Conn().Request(subject, body, remoteTimeout)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if err := emit(cmd, reply, nil); err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("player rejected %s: %s", command, reply.Error)
	}
	return nil
}

func runRemoteWatch(cmd *cobra.Command, _ []string) error {
	client, err := remoteBus(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := ctxOf(cmd)
	if watchFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, watchFor)
		defer cancel()
	}

	out := cmd.OutOrStdout()
	sub, err := client.Conn().Subscribe(protocol.SubjectEventPrefix+".>", func(msg *nats.Msg) {
		var env protocol.EventEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		if formatFlag == "text" {
			fmt.Fprintf(out, "%s %s %s\n", env.Timestamp.Format(time.RFC3339), env.PlayerID, env.Name)
			return
		}
		fmt.Fprintln(out, string(msg.Data))
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	<-ctx.Done()
	return nil
}
