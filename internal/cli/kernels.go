package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/kernelbus/internal/store"
)

// KernelsOptions holds flags for the kernels command.
type KernelsOptions struct {
	*RootOptions
	DB     string // overrides the configured database
	Forget bool   // remove the document instead of listing it
}

// DocumentKernels is the catalog listing for one document.
type DocumentKernels struct {
	Document string           `json:"document"`
	Kernels  []ManifestKernel `json:"kernels"`
}

// NewKernelsCommand creates the kernels command.
func NewKernelsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KernelsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "kernels [document-uri]",
		Short: "List catalogued kernels",
		Long: `List the kernels recorded in the kernel-info catalog.

Without a document uri, lists the catalogued documents. With one, lists
the kernels recorded for it in first-seen order. --forget removes the
document and its kernels.

Examples:
  kernelbus kernels --db catalog.db
  kernelbus kernels notebook.ipynb
  kernelbus kernels notebook.ipynb --forget`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var document string
			if len(args) == 1 {
				document = args[0]
			}
			return runKernels(cmd.Context(), opts, document, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "catalog database path (default: config database)")
	cmd.Flags().BoolVar(&opts.Forget, "forget", false, "remove the document from the catalog")

	return cmd
}

func runKernels(ctx context.Context, opts *KernelsOptions, document string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	dbPath := opts.DB
	if dbPath == "" {
		dbPath = opts.settings().Database
	}
	if dbPath == "" {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "no catalog: set database in the config or pass --db", nil)
	}
	// Listing must not create an empty catalog as a side effect.
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("database not found: %s", dbPath), nil)
	}
	if opts.Forget && document == "" {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "--forget needs a document uri", nil)
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeCatalog, err.Error(), nil)
	}
	defer st.Close()

	switch {
	case opts.Forget:
		n, err := st.ForgetDocument(ctx, document)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeCatalog, err.Error(), nil)
		}
		if formatter.JSON() {
			return formatter.Success(map[string]any{"document": document, "removed": n})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d kernel(s) for %s\n", n, document)
		return nil

	case document == "":
		docs, err := st.Documents(ctx)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeCatalog, err.Error(), nil)
		}
		if docs == nil {
			docs = []string{}
		}
		if formatter.JSON() {
			return formatter.Success(docs)
		}
		for _, d := range docs {
			fmt.Fprintln(cmd.OutOrStdout(), d)
		}
		return nil

	default:
		infos, err := st.KernelInfos(ctx, document)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeCatalog, err.Error(), nil)
		}
		listing := DocumentKernels{Document: document, Kernels: make([]ManifestKernel, 0, len(infos))}
		for _, info := range infos {
			listing.Kernels = append(listing.Kernels, summarizeKernel(info))
		}
		if formatter.JSON() {
			return formatter.Success(listing)
		}
		writeKernelTable(cmd.OutOrStdout(), listing.Kernels)
		return nil
	}
}
