package commands

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
)

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := versionInfo{
				Version:   version,
				Commit:    commit,
				BuildDate: buildDate,
				GoVersion: runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}
			return render(cmd.OutOrStdout(), outputFormat, info, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "devloop %s\n  commit: %s\n  built:  %s\n  go:     %s %s\n",
					info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
				return err
			})
		},
	}
}
