package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	tournamentName       string
	tournamentDay        string
	tournamentVideosRoot string
)

var tournamentCmd = &cobra.Command{
	Use:   "tournament",
	Short: "Show or set the tournament and day used in recording paths",
}

var tournamentShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored tournament settings",
	Args:  cobra.NoArgs,
	RunE:  runTournamentShow,
}

var tournamentSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the tournament settings",
	Long: `Stores the tournament name and day that 'restrike serve' uses for the
recording directory of every match. Unset flags keep their stored value.

Examples:
  restrike tournament set --name "WT Grand Prix Rome" --day "Day 2"
  restrike tournament set --videos-root 'D:\Videos'`,
	Args: cobra.NoArgs,
	RunE: runTournamentSet,
}

func init() {
	tournamentSetCmd.Flags().StringVar(&tournamentName, "name", "", "Tournament name")
	tournamentSetCmd.Flags().StringVar(&tournamentDay, "day", "", "Tournament day")
	tournamentSetCmd.Flags().StringVar(&tournamentVideosRoot, "videos-root", "", "Override paths.videos_root")
	tournamentCmd.AddCommand(tournamentShowCmd, tournamentSetCmd)
}

func runTournamentShow(cmd *cobra.Command, args []string) error {
	st, err := loadStore()
	if err != nil {
		return err
	}
	defer st.Close()
	t, ok, err := st.Tournament(cmd.Context())
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "No tournament stored; config values apply")
		return nil
	}
	tw := newTable(cmd.OutOrStdout())
	tw.row("Tournament", orDash(t.Name))
	tw.row("Day", orDash(t.Day))
	tw.row("Videos root", orDash(t.VideosRoot))
	tw.row("Updated", t.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	return tw.flush()
}

func runTournamentSet(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if !flags.Changed("name") && !flags.Changed("day") && !flags.Changed("videos-root") {
		return fmt.Errorf("nothing to set: pass --name, --day or --videos-root")
	}
	st, err := loadStore()
	if err != nil {
		return err
	}
	defer st.Close()

	t, _, err := st.Tournament(cmd.Context())
	if err != nil {
		return err
	}
	if flags.Changed("name") {
		t.Name = strings.TrimSpace(tournamentName)
	}
	if flags.Changed("day") {
		t.Day = strings.TrimSpace(tournamentDay)
	}
	if flags.Changed("videos-root") {
		t.VideosRoot = strings.TrimSpace(tournamentVideosRoot)
	}
	if err := st.SaveTournament(cmd.Context(), t); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Tournament: %s / %s\n", orDash(t.Name), orDash(t.Day))
	return nil
}

