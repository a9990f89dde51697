package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fatih/color"
	"github.com/openmined/syftsync/internal/sync"
	"github.com/spf13/cobra"
)

var (
	stampColor    = color.New(color.FgHiBlack).SprintFunc()
	tagColor      = color.New(color.FgHiCyan).SprintFunc()
	completeColor = color.New(color.FgHiGreen).SprintFunc()
	syncingColor  = color.New(color.FgHiYellow).SprintFunc()
	errorColor    = color.New(color.FgHiRed, color.Bold).SprintFunc()
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [tag]",
		Short: "Stream path status changes from a running daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := statusClientFor(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			tag := ""
			if len(args) == 1 {
				tag = args[0]
			}
			return watchEvents(cmd.Context(), client, tag, func(ev *sync.SyncStatusEvent) {
				fmt.Fprintln(cmd.OutOrStdout(), formatEvent(ev))
			})
		},
	}
	return cmd
}

// watchEvents calls fn for every event until ctx is done or the daemon goes
// away.
func watchEvents(ctx context.Context, client *statusClient, tag string, fn func(*sync.SyncStatusEvent)) error {
	url := client.eventsURL(tag)
	dialCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	conn, resp, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPHeader: client.headers(),
	})
	cancel()
	if err != nil {
		if resp != nil {
			return fmt.Errorf("watch %s: %s", url, resp.Status)
		}
		return fmt.Errorf("watch %s: %w (is the daemon running?)", url, err)
	}
	defer conn.CloseNow()

	for {
		var ev sync.SyncStatusEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("watch: %w", err)
		}
		fn(&ev)
	}
}

func formatEvent(ev *sync.SyncStatusEvent) string {
	stamp := time.Now()
	state := "unknown"
	extra := ""
	if st := ev.Status; st != nil {
		if !st.LastUpdated.IsZero() {
			stamp = st.LastUpdated
		}
		switch st.SyncState {
		case sync.PathStateCompleted:
			state = completeColor(st.SyncState)
		case sync.PathStateSyncing:
			state = syncingColor(st.SyncState)
		case sync.PathStateError:
			state = errorColor(st.SyncState)
			extra = " " + st.Error
		default:
			state = string(st.SyncState)
		}
		if st.ConflictState == sync.ConflictStateConflicted {
			extra += " " + errorColor("conflict")
		}
	}
	return fmt.Sprintf("%s %s %s %s%s",
		stampColor(stamp.Format(time.TimeOnly)), tagColor(ev.Tag), state, ev.Path, extra)
}
