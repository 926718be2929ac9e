package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/versions"
)

// NewDocCommand creates the doc command group.
func NewDocCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doc",
		Short: "Document panel versions and search",
	}
	cmd.AddCommand(newDocAppendCommand(rootOpts))
	cmd.AddCommand(newDocHistoryCommand(rootOpts))
	cmd.AddCommand(newDocSearchCommand(rootOpts))
	return cmd
}

func newDocAppendCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		content     string
		contentFile string
		baseVersion int
		baseHash    string
	)

	cmd := &cobra.Command{
		Use:   "append <document-id> <panel-id>",
		Short: "Append the next version of a panel",
		Long: `Append the next version of a panel.

A stale --base-version (or a --base-hash that differs from the latest
content) is recorded as a conflict; the version is stored either way.

Example:
  offsync doc append doc-1 main --content '"first draft"'
  offsync doc append doc-1 main --base-version 1 --content-file panel.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(rootOpts, cmd, func(rt *runtime, f *OutputFormatter) error {
				body := []byte(content)
				if contentFile != "" {
					data, err := os.ReadFile(contentFile)
					if err != nil {
						return fmt.Errorf("%w: read content: %w", errInvalidInput, err)
					}
					body = data
				}
				req := versions.AppendRequest{
					DocumentID: args[0],
					PanelID:    args[1],
					Content:    json.RawMessage(body),
					BaseHash:   baseHash,
				}
				if cmd.Flags().Changed("base-version") {
					req.BaseVersion = &baseVersion
				}
				res, err := rt.versions.Append(cmd.Context(), req)
				if err != nil {
					return err
				}
				return f.Success(appendView(res))
			})
		},
	}

	cmd.Flags().StringVar(&content, "content", "", "panel content as JSON")
	cmd.Flags().StringVar(&contentFile, "content-file", "", "read panel content JSON from file")
	cmd.Flags().IntVar(&baseVersion, "base-version", 0, "version the edit started from")
	cmd.Flags().StringVar(&baseHash, "base-hash", "", "content hash the edit started from")
	cmd.MarkFlagsMutuallyExclusive("content", "content-file")

	return cmd
}

type appendView versions.AppendResult

func (v appendView) renderText(w io.Writer) {
	if v.Conflict {
		fmt.Fprintf(w, "version %d stored with conflict (latest was %d)\n", v.Version, v.PreviousVersion)
		return
	}
	fmt.Fprintf(w, "version %d stored\n", v.Version)
}

func newDocHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <document-id> <panel-id>",
		Short: "List a panel's versions, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(rootOpts, cmd, func(rt *runtime, f *OutputFormatter) error {
				history, err := rt.versions.History(cmd.Context(), args[0], args[1], limit)
				if err != nil {
					return err
				}
				return f.Success(versionList(history))
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum versions (0 = all)")

	return cmd
}

type versionList []model.DocumentVersion

func (l versionList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]model.DocumentVersion(l))
}

func (l versionList) renderText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "no versions")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tCREATED\tCONFLICT\tTEXT")
	for _, v := range l {
		fmt.Fprintf(tw, "%d\t%s\t%t\t%s\n",
			v.Version, v.CreatedAt.UTC().Format(time.RFC3339), v.Conflict, excerpt(v.PlainText, 60))
	}
	_ = tw.Flush()
}

func newDocSearchCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the latest text of every panel",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(rootOpts, cmd, func(rt *runtime, f *OutputFormatter) error {
				hits, err := rt.versions.Search(cmd.Context(), strings.Join(args, " "), limit)
				if err != nil {
					return err
				}
				return f.Success(hitList(hits))
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results (0 = default)")

	return cmd
}

type hitList []model.SearchHit

func (l hitList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]model.SearchHit(l))
}

func (l hitList) renderText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "no matches")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOCUMENT\tPANEL\tVERSION\tTEXT")
	for _, h := range l {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", h.DocumentID, h.PanelID, h.Version, excerpt(h.PlainText, 60))
	}
	_ = tw.Flush()
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
