package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/kernelbus/internal/config"
	"github.com/roach88/kernelbus/internal/protocol"
)

// ManifestKernel summarises one kernel declared in a manifest.
type ManifestKernel struct {
	Name     string   `json:"name"`
	URI      string   `json:"uri"`
	Aliases  []string `json:"aliases,omitempty"`
	Language string   `json:"language,omitempty"`
	Commands []string `json:"commands,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool             `json:"valid"`
	Kernels []ManifestKernel `json:"kernels"`
}

// manifestErrorDetails locates a manifest error in its source.
type manifestErrorDetails struct {
	Field  string `json:"field"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <manifest.cue>",
		Short: "Validate a CUE kernel manifest",
		Long: `Validate a CUE kernel manifest against the kernelbus schema.

Checks field types, kernel uris, command names and that kernel names and
aliases are unique, then lists the declared kernels.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("manifest not found: %s", path), nil)
	}

	infos, err := config.LoadManifest(path)
	if err != nil {
		var me *config.ManifestError
		if !errors.As(err, &me) {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
		}
		details := manifestErrorDetails{Field: me.Field}
		if me.Pos.IsValid() {
			details.File = me.Pos.Filename()
			details.Line = me.Pos.Line()
			details.Column = me.Pos.Column()
		}
		if err := formatter.Error(ErrCodeManifest, me.Error(), details); err != nil {
			return err
		}
		return &ExitError{Code: ExitFailure, Message: "validation failed", Reported: true}
	}

	formatter.VerboseLog("validated %d kernel(s) in %s", len(infos), path)

	result := ValidationResult{Valid: true, Kernels: make([]ManifestKernel, 0, len(infos))}
	for _, info := range infos {
		result.Kernels = append(result.Kernels, summarizeKernel(info))
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	writeKernelTable(cmd.OutOrStdout(), result.Kernels)
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s: %d kernel(s) valid\n", path, len(result.Kernels))
	return nil
}

func summarizeKernel(info *protocol.KernelInfo) ManifestKernel {
	k := ManifestKernel{
		Name:     info.LocalName,
		URI:      info.URI,
		Aliases:  info.Aliases,
		Language: info.LanguageName,
	}
	if info.LanguageVersion != "" {
		k.Language += " " + info.LanguageVersion
	}
	for _, c := range info.SupportedKernelCommands {
		k.Commands = append(k.Commands, c.Name)
	}
	return k
}

func writeKernelTable(w io.Writer, kernels []ManifestKernel) {
	for _, k := range kernels {
		line := fmt.Sprintf("%s\t%s", k.Name, k.URI)
		if len(k.Aliases) > 0 {
			line += "\taliases=" + strings.Join(k.Aliases, ",")
		}
		if k.Language != "" {
			line += "\tlanguage=" + k.Language
		}
		fmt.Fprintln(w, line)
	}
}
