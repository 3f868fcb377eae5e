package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/loqalabs/loqa-deck/internal/eventstore"
	"github.com/spf13/cobra"
)

var attemptsLimit int

type eventView struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	TraceID   string          `json:"trace_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func init() {
	attemptsCmd := &cobra.Command{
		Use:   "attempts",
		Short: "Browse the attempt journal",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent attempts",
		Args:  cobra.NoArgs,
		RunE:  runAttemptsList,
	}
	events := &cobra.Command{
		Use:   "events <attempt-id>",
		Short: "Show the events recorded for an attempt",
		Args:  cobra.ExactArgs(1),
		RunE:  runAttemptEvents,
	}
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Apply the configured retention now",
		Args:  cobra.NoArgs,
		RunE:  runAttemptsPrune,
	}
	for _, c := range []*cobra.Command{list, events} {
		c.Flags().IntVarP(&attemptsLimit, "limit", "l", 20, "Maximum rows")
	}
	attemptsCmd.AddCommand(list, events, prune)
	RootCmd.AddCommand(attemptsCmd)
}

func openJournal(cmd *cobra.Command) (*eventstore.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.EventStore.RetentionMode == eventstore.ModeEphemeral {
		return nil, fmt.Errorf("event store is ephemeral; nothing is journaled")
	}
	return eventstore.Open(ctxOf(cmd), cfg.EventStore, logger(cmd))
}

func runAttemptsList(cmd *cobra.Command, _ []string) error {
	store, err := openJournal(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	attempts, err := store.ListAttempts(ctxOf(cmd), attemptsLimit)
	if err != nil {
		return err
	}
	return emit(cmd, attempts, func(w io.Writer) {
		for _, a := range attempts {
			fmt.Fprintf(w, "%s  %s  %s  %s\n", a.ID, a.CreatedAt.Format(time.RFC3339), a.Learner, a.Course)
		}
	})
}

func runAttemptEvents(cmd *cobra.Command, args []string) error {
	store, err := openJournal(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.ListAttemptEvents(ctxOf(cmd), args[0], attemptsLimit)
	if err != nil {
		return err
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		v := eventView{ID: e.ID, Type: e.Type, Actor: e.ActorID, TraceID: e.TraceID, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			v.Payload = e.Payload
		}
		views = append(views, v)
	}
	return emit(cmd, views, func(w io.Writer) {
		for _, v := range views {
			fmt.Fprintf(w, "%s  %-18s %-16s %s\n", v.CreatedAt.Format(time.RFC3339), v.Type, v.Actor, v.Payload)
		}
	})
}

func runAttemptsPrune(cmd *cobra.Command, _ []string) error {
	store, err := openJournal(cmd)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Prune(ctxOf(cmd)); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "retention applied")
	return nil
}
