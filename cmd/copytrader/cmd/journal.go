package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirrorline/copytrader/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the fill journal",
	Long: `Query and display fill records from the SQLite journal.

Subcommands:
  fill    - Get details of a specific fill by order ID
  today   - List fills recorded today
  day     - List fills recorded on a specific day
  symbol  - List fills for a symbol

Examples:
  copytrader journal fill <order-id>
  copytrader journal today
  copytrader journal day 2026-08-15
  copytrader journal symbol BTCUSDT`,
}

var journalFillCmd = &cobra.Command{
	Use:   "fill <order-id>",
	Short: "Get details of a specific fill",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalFill,
}

var journalTodayCmd = &cobra.Command{
	Use:   "today",
	Short: "List fills recorded today",
	Args:  cobra.NoArgs,
	RunE:  runJournalToday,
}

var journalDayCmd = &cobra.Command{
	Use:   "day <YYYY-MM-DD>",
	Short: "List fills recorded on a specific day",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalDay,
}

var journalSymbolCmd = &cobra.Command{
	Use:   "symbol <symbol>",
	Short: "List fills for a symbol, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalSymbol,
}

var journalDBPath string

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalFillCmd)
	journalCmd.AddCommand(journalTodayCmd)
	journalCmd.AddCommand(journalDayCmd)
	journalCmd.AddCommand(journalSymbolCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "./copytrader.sqlite", "path to SQLite journal DB")
}

func runJournalFill(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	rec, err := j.GetFill(args[0])
	if err != nil {
		return fmt.Errorf("get fill: %w", err)
	}

	fmt.Println(journal.FormatFillOrg(rec))
	return nil
}

func runJournalToday(cmd *cobra.Command, args []string) error {
	loc := time.Local
	return listFillsForDay(time.Now().In(loc).Format("2006-01-02"), loc)
}

func runJournalDay(cmd *cobra.Command, args []string) error {
	return listFillsForDay(args[0], time.Local)
}

func runJournalSymbol(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	recs, err := j.ListFillsBySymbol(args[0])
	if err != nil {
		return fmt.Errorf("query fills: %w", err)
	}

	fmt.Println(journal.FormatFillsOrg(recs))
	return nil
}

func listFillsForDay(day string, loc *time.Location) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	start, end, err := dayBounds(loc, day)
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}

	recs, err := j.ListFillsBetween(start, end)
	if err != nil {
		return fmt.Errorf("query fills: %w", err)
	}

	fmt.Println(journal.FormatFillsOrg(recs))
	return nil
}

func dayBounds(loc *time.Location, day string) (time.Time, time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	end := start.Add(24 * time.Hour)
	return start, end, nil
}
