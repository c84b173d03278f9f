package main

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/siasync/siasync/internal/client/sync"
	"github.com/siasync/siasync/internal/utils"
)

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

// StatusReport is the json and yaml form of `siasync status`.
type StatusReport struct {
	FullySynced bool               `json:"fullySynced" yaml:"fullySynced"`
	Counts      map[string]int     `json:"counts" yaml:"counts"`
	Records     []*sync.SyncRecord `json:"records" yaml:"records"`
}

func newStatusCmd() *cobra.Command {
	var (
		output string
		all    bool
		states []string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show files that are not yet in sync",
		Long:  "Reads the record store without taking the workspace lock, so it works while siasync is running.",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch output {
			case outputTable, outputJSON, outputYAML:
			default:
				return fmt.Errorf("unsupported output format %q", output)
			}

			filter, err := parseStateFilter(states)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.DataDir, err = utils.ResolvePath(cfg.DataDir); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			storePath := cfg.StorePath()
			if !utils.FileExists(storePath) {
				return fmt.Errorf("no record store at %s, has siasync run yet?", storePath)
			}

			store := sync.NewRecordStore(storePath, sync.WithReadOnly())
			if err := store.Open(); err != nil {
				return fmt.Errorf("open record store: %w", err)
			}
			defer store.Close()

			report := buildStatusReport(store, filter, all)
			if output == outputTable {
				return writeStatusTable(cmd.OutOrStdout(), report)
			}
			return writeStructured(cmd.OutOrStdout(), output, report)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format: table, json or yaml")
	cmd.Flags().BoolVar(&all, "all", false, "Include SYNCED records")
	cmd.Flags().StringSliceVar(&states, "state", nil, "Only show records in these states")

	return cmd
}

func parseStateFilter(values []string) ([]sync.SyncState, error) {
	states := make([]sync.SyncState, 0, len(values))
	for _, v := range values {
		state, err := sync.ParseState(v)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

func buildStatusReport(store *sync.RecordStore, filter []sync.SyncState, all bool) *StatusReport {
	counts := make(map[string]int)
	for state, n := range store.Counts() {
		counts[string(state)] = n
	}

	var records []*sync.SyncRecord
	switch {
	case len(filter) > 0:
		records = store.ByState(filter...)
	case all:
		records = store.All()
	default:
		for _, rec := range store.All() {
			if !rec.State.IsTerminal() {
				records = append(records, rec)
			}
		}
	}
	if records == nil {
		records = []*sync.SyncRecord{}
	}

	return &StatusReport{
		FullySynced: store.IsFullySynced(),
		Counts:      counts,
		Records:     records,
	}
}

func stateStyle(state sync.SyncState) lipgloss.Style {
	switch state {
	case sync.StateSynced:
		return green
	case sync.StateUploadFailed, sync.StateDownloadFailed:
		return red
	case sync.StateConflict, sync.StateModified, sync.StateDeleted:
		return yellow
	}
	return cyan
}

func writeStatusTable(w io.Writer, report *StatusReport) error {
	if len(report.Records) == 0 {
		if report.FullySynced {
			_, err := fmt.Fprintln(w, green.Render("everything is in sync"))
			return err
		}
		_, err := fmt.Fprintln(w, gray.Render("no matching records"))
		return err
	}

	rows := make([][]string, 0, len(report.Records))
	for _, rec := range report.Records {
		rows = append(rows, []string{
			rec.Name,
			string(rec.State),
			humanize.Bytes(uint64(max(rec.LocalSize, 0))),
			formatTime(rec.LocalModifiedAt),
			humanize.Time(rec.UpdatedAt),
		})
	}

	records := report.Records
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(gray).
		Headers("NAME", "STATE", "SIZE", "MODIFIED", "UPDATED").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			cell := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return cell.Bold(true)
			}
			if col == 1 && row >= 0 && row < len(records) {
				return stateStyle(records[row].State).Padding(0, 1)
			}
			return cell
		})

	if _, err := fmt.Fprintln(w, t.String()); err != nil {
		return err
	}

	pending := 0
	for state, n := range report.Counts {
		if !sync.SyncState(state).IsTerminal() {
			pending += n
		}
	}
	_, err := fmt.Fprintf(w, "%s\n", gray.Render(fmt.Sprintf("%d shown, %d pending", len(records), pending)))
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
