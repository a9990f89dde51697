package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/openmined/syftsync/internal/statushttp"
	"github.com/openmined/syftsync/internal/sync"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [tag]",
		Short: "Show the sync status of a running daemon",
		Long:  "Summarize every sync instance, or list the tracked paths of one instance.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			client, err := statusClientFor(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			var resp any
			if len(args) == 1 {
				resp, err = client.PathStatus(cmd.Context(), args[0])
			} else {
				resp, err = client.Status(cmd.Context())
			}
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			switch r := resp.(type) {
			case *statushttp.StatusResponse:
				renderStatus(w, r)
			case *statushttp.PathStatusResponse:
				renderPathStatus(w, r)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print the raw JSON response")
	return cmd
}

func renderStatus(w io.Writer, resp *statushttp.StatusResponse) {
	if len(resp.Instances) == 0 {
		fmt.Fprintln(w, gray.Render("no sync instances"))
		return
	}

	for _, inst := range resp.Instances {
		state := green.Render("clean")
		switch {
		case inst.Errors > 0:
			state = red.Render("errors")
		case !inst.Clean:
			state = yellow.Render("syncing")
		}

		fmt.Fprintf(w, "%s %s  %s %s %s\n",
			bold.Render(inst.Tag), state,
			side(inst.Local), lightGray.Render("<->"), side(inst.Remote),
		)
		fmt.Fprintf(w, "  %s %s  %s %s  %s %s  %s %s\n",
			gray.Render("rows"), humanize.Comma(int64(inst.Rows)),
			gray.Render("pending"), humanize.Comma(int64(inst.Pending)),
			gray.Render("syncing"), humanize.Comma(int64(inst.Syncing)),
			gray.Render("errors"), humanize.Comma(int64(inst.Errors)),
		)
		if len(inst.Conflicted) > 0 {
			fmt.Fprintf(w, "  %s\n", red.Render(fmt.Sprintf("%d conflicted:", len(inst.Conflicted))))
			for _, path := range inst.Conflicted {
				fmt.Fprintf(w, "    %s\n", path)
			}
		}
	}
}

func side(p statushttp.ProviderStatus) string {
	s := cyan.Render(p.Name) + ":" + p.Root
	if !p.Connected {
		s += " " + red.Render("(disconnected)")
	}
	return s
}

func renderPathStatus(w io.Writer, resp *statushttp.PathStatusResponse) {
	if len(resp.Paths) == 0 {
		fmt.Fprintf(w, "%s %s\n", bold.Render(resp.Tag), gray.Render("no tracked paths"))
		return
	}

	paths := make([]string, 0, len(resp.Paths))
	for path := range resp.Paths {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	width := 0
	for _, path := range paths {
		width = max(width, len(path))
	}
	for _, path := range paths {
		st := resp.Paths[path]
		line := fmt.Sprintf("%-*s  %s", width, path, pathState(st))
		if st.ConflictState == sync.ConflictStateConflicted {
			line += " " + red.Render("conflict")
		}
		if st.Error != "" {
			line += " " + red.Render(st.Error)
		}
		if !st.LastUpdated.IsZero() {
			line += " " + gray.Render(humanize.Time(st.LastUpdated))
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}

func pathState(st *sync.PathStatus) string {
	switch st.SyncState {
	case sync.PathStateCompleted:
		return green.Render(string(st.SyncState))
	case sync.PathStateError:
		return red.Render(fmt.Sprintf("%s (%d)", st.SyncState, st.ErrorCount))
	case sync.PathStateSyncing:
		return yellow.Render(fmt.Sprintf("%s %.0f%%", st.SyncState, st.Progress))
	default:
		return lightGray.Render(string(st.SyncState))
	}
}
