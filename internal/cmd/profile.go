package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gojobs/internal/observability"
	"github.com/3leaps/gojobs/pkg/profile"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect and merge execution profiles",
	Long: `Execution profiles map job labels to their average run time. The job
system saves one at shutdown and loads it at startup when a profile
location is configured.

Locations are a local path, a file:// URI or an s3://bucket/key URI.`,
}

var profileShowCmd = &cobra.Command{
	Use:   "show <uri>",
	Short: "Print the labels and averages of a profile",
	Long: `Print a stored profile.

Examples:
  # Show a local profile
  gojobs profile show profile.yaml

  # Only physics labels, as JSON (microseconds)
  gojobs profile show s3://bucket/gojobs/profile.yaml --match 'physics/**' --json`,
	Args: cobra.ExactArgs(1),
	RunE: runProfileShow,
}

var profileMergeCmd = &cobra.Command{
	Use:   "merge <dst-uri> <src-uri>...",
	Short: "Fold one or more profiles into another",
	Long: `Merge source profiles into the destination profile and save it.

Labels present in both are averaged. A destination that does not exist yet
is created.

Examples:
  gojobs profile merge profile.yaml host-a.yaml host-b.yaml
  gojobs profile merge s3://bucket/profile.yaml run.yaml --match 'render/**'`,
	Args: cobra.MinimumNArgs(2),
	RunE: runProfileMerge,
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileMergeCmd)

	profileShowCmd.Flags().String("match", "", "Only labels matching this glob (e.g. 'physics/**')")
	profileShowCmd.Flags().Bool("json", false, "Output as JSON")
	profileMergeCmd.Flags().String("match", "", "Only merge source labels matching this glob")
}

func runProfileShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	match, _ := cmd.Flags().GetString("match")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	p, err := loadProfile(ctx, args[0], false)
	if err != nil {
		return err
	}
	p, err = p.Filter(match)
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid --match pattern", err)
	}

	if jsonOutput {
		return printProfileJSON(cmd.OutOrStdout(), p)
	}
	return printProfileTable(cmd.OutOrStdout(), args[0], p)
}

func runProfileMerge(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	match, _ := cmd.Flags().GetString("match")

	dstURI, srcURIs := args[0], args[1:]
	dst, err := loadProfile(ctx, dstURI, true)
	if err != nil {
		return err
	}
	before := len(dst)

	for _, uri := range srcURIs {
		src, err := loadProfile(ctx, uri, false)
		if err != nil {
			return err
		}
		src, err = src.Filter(match)
		if err != nil {
			return exitError(ExitInvalidArgument, "Invalid --match pattern", err)
		}
		dst.Merge(src)
		observability.CLILogger.Debug("Merged profile",
			zap.String("source", uri),
			zap.Int("labels", len(src)))
	}

	store, err := profile.Open(ctx, dstURI)
	if err != nil {
		return exitError(ExitProfileStore, "Cannot open profile store", err)
	}
	if err := store.Save(ctx, dst); err != nil {
		return exitError(ExitProfileStore, "Cannot save profile", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Merged %d profile(s) into %s: %d labels (%d new)\n",
		len(srcURIs), store.Location(), len(dst), len(dst)-before)
	return nil
}

// loadProfile loads the profile at uri. With allowMissing, a location that
// holds no profile yet yields an empty one.
func loadProfile(ctx context.Context, uri string, allowMissing bool) (profile.Profile, error) {
	store, err := profile.Open(ctx, uri)
	if err != nil {
		return nil, exitError(ExitInvalidArgument, "Invalid profile location", err)
	}
	p, err := store.Load(ctx)
	if err != nil {
		if allowMissing && profile.IsNotFound(err) {
			return profile.Profile{}, nil
		}
		return nil, exitError(ExitProfileStore, "Cannot load profile", err)
	}
	return p, nil
}

func printProfileJSON(out io.Writer, p profile.Profile) error {
	labels := make(map[string]int64, len(p))
	for l, d := range p {
		labels[l] = d.Microseconds()
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"labels": labels})
}

func printProfileTable(out io.Writer, location string, p profile.Profile) error {
	_, _ = fmt.Fprintf(out, "Profile: %s\n", location)
	_, _ = fmt.Fprintf(out, "Labels:  %d\n", len(p))
	if len(p) == 0 {
		return nil
	}
	_, _ = fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "LABEL\tAVERAGE")
	for _, l := range p.Labels() {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", l, p[l])
	}
	return w.Flush()
}
